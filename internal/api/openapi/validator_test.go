package openapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// okHandler фиксирует, что запрос прошёл валидацию.
type okHandler struct {
	called bool
	body   []byte
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	var env model.TransferEnvelope
	_ = json.NewDecoder(r.Body).Decode(&env)
	h.body, _ = json.Marshal(env)
	w.WriteHeader(http.StatusOK)
}

func validEnvelope() *model.TransferEnvelope {
	return &model.TransferEnvelope{
		InstructionSet: model.TransferInstructionSet{
			TargetDrive: model.TargetDrive{
				Alias: uuid.New(),
				Type:  uuid.New(),
			},
			GlobalTransitID:    model.GlobalTransitID(uuid.New()),
			PublicKeyCRC:       12345,
			EncryptedKeyHeader: []byte("wrapped-key-header"),
			TransferType:       model.TransferTypeNormal,
		},
		Metadata: []byte("encrypted-metadata"),
		Payload:  []byte("encrypted-payload"),
	}
}

func TestValidator_AcceptsValidEnvelope(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("загрузка контракта: %v", err)
	}

	body, _ := json.Marshal(validEnvelope())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/perimeter/transit/host/filemetadata", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	next := &okHandler{}
	v.Middleware()(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("валидный конверт отклонён: HTTP %d, тело %s", rec.Code, rec.Body.String())
	}
	if !next.called {
		t.Error("запрос не дошёл до обработчика")
	}
	// Тело должно быть восстановлено после чтения валидатором
	if len(next.body) == 0 || string(next.body) == "{}" {
		t.Error("тело запроса потеряно после валидации")
	}
}

func TestValidator_RejectsMissingInstructionSet(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("загрузка контракта: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/perimeter/transit/host/filemetadata",
		bytes.NewReader([]byte(`{"metadata":"AA==","payload":"AA=="}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	next := &okHandler{}
	v.Middleware()(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидался HTTP 400, получен %d", rec.Code)
	}
	if next.called {
		t.Error("невалидный запрос дошёл до обработчика")
	}
}

func TestValidator_RejectsUnknownTransferType(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("загрузка контракта: %v", err)
	}

	env := validEnvelope()
	env.InstructionSet.TransferType = "broadcast"
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/perimeter/transit/host/filemetadata", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	next := &okHandler{}
	v.Middleware()(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("неизвестный transfer_type принят: HTTP %d", rec.Code)
	}
}

func TestValidator_UnknownPath(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("загрузка контракта: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/perimeter/transit/host/unknown", http.NoBody)
	rec := httptest.NewRecorder()

	next := &okHandler{}
	v.Middleware()(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидался HTTP 404, получен %d", rec.Code)
	}
}
