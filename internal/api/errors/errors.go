// Пакет errors — конструкторы ошибок HTTP API identity host.
// Единый плоский формат: {"code": "...", "message": "..."} — тот же,
// что разбирает peer-клиент при классификации результата доставки.
package errors //nolint:revive // имя пакета совпадает со stdlib осознанно, импортируется как apierrors

import (
	"encoding/json"
	"net/http"
)

// Машинные коды результатов perimeter- и owner-вызовов.
const (
	CodeAccepted            = "accepted"
	CodeValidationError     = "validation_error"
	CodeMalformedEnvelope   = "malformed_envelope"
	CodeUnknownTargetDrive  = "unknown_target_drive"
	CodeInvalidPublicKeyCRC = "invalid_public_key_crc"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotConnected        = "not_connected"
	CodeNotFound            = "not_found"
	CodeInternalError       = "internal_error"
)

// body — тело ответа с кодом результата.
type body struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body{
		Code:    code,
		Message: message,
	})
}

// WriteAccepted — 200 с кодом accepted (успешный perimeter-вызов).
func WriteAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body{Code: CodeAccepted})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// MalformedEnvelope — 400 конверт не проходит проверку формы.
func MalformedEnvelope(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeMalformedEnvelope, message)
}

// UnknownTargetDrive — 400 указанный target drive не существует.
func UnknownTargetDrive(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeUnknownTargetDrive, message)
}

// InvalidPublicKeyCRC — 400 конверт завёрнут под неизвестный ключ.
// Отправитель по этому коду сбрасывает кэш публичного ключа.
func InvalidPublicKeyCRC(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeInvalidPublicKeyCRC, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// NotConnected — 403 соединение с отправителем не установлено.
func NotConnected(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeNotConnected, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
