// outbox.go — элементы очереди исходящих передач (outbox).
package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome — классификация результата попытки доставки.
type AttemptOutcome string

const (
	// OutcomeSuccess — доставка подтверждена получателем; элемент удаляется.
	OutcomeSuccess AttemptOutcome = "success"
	// OutcomeRetryable — временная ошибка (сеть, таймаут, 5xx); элемент остаётся в очереди.
	OutcomeRetryable AttemptOutcome = "retryable"
	// OutcomeRejected — получатель окончательно отверг передачу (4xx); элемент удаляется.
	OutcomeRejected AttemptOutcome = "rejected"
	// OutcomeExpired — исчерпан лимит попыток; элемент удаляется (dead-letter).
	OutcomeExpired AttemptOutcome = "expired"
)

// IsTerminal сообщает, завершает ли исход жизненный цикл элемента outbox.
func (o AttemptOutcome) IsTerminal() bool {
	return o == OutcomeSuccess || o == OutcomeRejected || o == OutcomeExpired
}

// TransferAttempt — одна попытка доставки. Append-only история
// в составе элемента outbox; по ней считается backoff и
// отдаётся история доставки отправителю.
type TransferAttempt struct {
	// Timestamp — момент завершения попытки (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Outcome — классификация результата.
	Outcome AttemptOutcome `json:"outcome"`
	// Detail — человекочитаемая причина (код HTTP, текст ошибки сети).
	Detail string `json:"detail,omitempty"`
}

// SendMode — режим отправки, выбранный клиентом.
type SendMode string

const (
	// SendModeLater — положить в outbox и вернуться; доставка в фоне (по умолчанию).
	SendModeLater SendMode = "later"
	// SendModeNowAwaitResponse — синхронная отправка одному получателю
	// до возврата клиенту; латентность в обмен на немедленный статус.
	SendModeNowAwaitResponse SendMode = "now_await_response"
)

// TransferType — тип передачи: обычный файл или элемент ленты (feed).
type TransferType string

const (
	// TransferTypeNormal — обычная передача файла в drive получателя.
	TransferTypeNormal TransferType = "normal"
	// TransferTypeFeed — fan-out элемента ленты подписчикам.
	TransferTypeFeed TransferType = "feed"
)

// TransferOptions — параметры передачи, зафиксированные при постановке в очередь.
type TransferOptions struct {
	// SendMode — later или now_await_response.
	SendMode SendMode `json:"send_mode"`
	// TransferType — normal или feed.
	TransferType TransferType `json:"transfer_type"`
	// IsTransient — файл временный: после доставки всем получателям
	// локальная копия может быть удалена.
	IsTransient bool `json:"is_transient,omitempty"`
}

// OutboxItem — элемент очереди исходящих передач.
// Инвариант: на пару (recipient, file) существует не более одного
// живого элемента; повторная отправка обновляет его, а не дублирует.
type OutboxItem struct {
	// ID — первичный ключ записи.
	ID uuid.UUID
	// TenantID — арендатор-отправитель.
	TenantID TenantID
	// Recipient — хост-получатель.
	Recipient HostID
	// File — локальный адрес файла на хосте-отправителе.
	File InternalFileID
	// Priority — приоритет: меньше = срочнее.
	Priority int
	// CreatedAt — время постановки в очередь.
	CreatedAt time.Time
	// NextRunTime — не отправлять раньше этого момента (backoff).
	NextRunTime time.Time
	// Attempts — история попыток доставки (append-only).
	Attempts []TransferAttempt
	// CheckOutStamp — маркер резервирования batch-выборки;
	// nil — элемент свободен.
	CheckOutStamp *uuid.UUID
	// InstructionSet — набор инструкций передачи для получателя
	// (завёрнутый ключ и метаданные размещения).
	InstructionSet TransferInstructionSet
	// Options — параметры передачи, заданные клиентом при отправке.
	Options TransferOptions
	// EncryptedClientAuthToken — client auth token соединения с получателем,
	// зашифрованный ключом хоста (AES-GCM). Расшифровывается только
	// на время HTTP-вызова.
	EncryptedClientAuthToken []byte
}

// AttemptCount возвращает количество выполненных попыток.
func (i *OutboxItem) AttemptCount() int {
	return len(i.Attempts)
}

// OutboxStatus — диагностика состояния outbox арендатора.
type OutboxStatus struct {
	// TotalItems — всего элементов в очереди.
	TotalItems int `json:"total_items"`
	// CheckedOutItems — элементов, зарезервированных процессором.
	CheckedOutItems int `json:"checked_out_items"`
	// NextRunTime — ближайший запланированный момент отправки (nil — очередь пуста).
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
}
