// inbox.go — элементы очереди входящих передач (inbox) принимающего хоста.
package model

import (
	"time"

	"github.com/google/uuid"
)

// InboxItemType — тип входящего элемента.
type InboxItemType string

const (
	// InboxItemTypeFile — новая или обновлённая передача файла.
	InboxItemTypeFile InboxItemType = "file"
	// InboxItemTypeDelete — уведомление об удалении ранее полученного файла.
	InboxItemTypeDelete InboxItemType = "delete"
)

// InboxItem — элемент очереди входящих передач, ожидающий применения
// в локальный drive. Инвариант: в любой момент элемент либо pending,
// либо зарезервирован ровно одним маркером; два конкурентных Reserve
// никогда не возвращают один и тот же элемент.
type InboxItem struct {
	// ID — первичный ключ записи.
	ID uuid.UUID
	// TenantID — арендатор-получатель.
	TenantID TenantID
	// DriveID — принимающий drive (box key).
	DriveID DriveID
	// FileID — локальный файл, в который будет применена передача.
	FileID FileID
	// Sender — хост-отправитель (установленное соединение).
	Sender HostID
	// Type — file или delete.
	Type InboxItemType
	// Priority — приоритет: меньше = срочнее.
	Priority int
	// ReceivedAt — время приёма perimeter-endpoint'ом.
	ReceivedAt time.Time
	// Payload — сериализованный TransferEnvelope в том виде,
	// в котором он пришёл по сети.
	Payload []byte
	// Marker — маркер резервирования; nil — элемент pending.
	Marker *uuid.UUID
}

// InboxStatus — диагностика очереди inbox одного drive.
type InboxStatus struct {
	// TotalItems — всего элементов (pending + reserved).
	TotalItems int `json:"total_items"`
	// ReservedItems — элементов под действующими маркерами.
	ReservedItems int `json:"reserved_items"`
	// OldestPending — время поступления самого старого pending-элемента
	// (nil — pending-элементов нет).
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}
