// tenant.go — арендаторы, drive'ы и соединения.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Tenant — арендатор: один identity host в многоарендном процессе.
type Tenant struct {
	// TenantID — внутренний идентификатор арендатора.
	TenantID TenantID
	// HostID — DNS-имя identity (alice.id.example).
	HostID HostID
	// CreatedAt — время провижининга.
	CreatedAt time.Time
}

// Drive — хранилище файлов арендатора.
type Drive struct {
	TenantID TenantID
	DriveID  DriveID
	// TargetDrive — клиентский дескриптор (alias, type).
	TargetDrive TargetDrive
	// Name — человекочитаемое имя.
	Name      string
	CreatedAt time.Time
}

// ConnectionStatus — состояние соединения с удалённым хостом.
type ConnectionStatus string

const (
	// ConnectionStatusConnected — соединение установлено.
	ConnectionStatusConnected ConnectionStatus = "connected"
	// ConnectionStatusBlocked — соединение заблокировано владельцем.
	ConnectionStatusBlocked ConnectionStatus = "blocked"
)

// Connection — установленное доверительное соединение с удалённым хостом.
type Connection struct {
	TenantID   TenantID
	RemoteHost HostID
	Status     ConnectionStatus
	// EncryptedAuthToken — client auth token, выданный удалённым хостом,
	// зашифрованный мастер-ключом (AES-GCM).
	EncryptedAuthToken []byte
	CreatedAt          time.Time
}

// DriveFileRecord — запись реестра файлов drive: метаданные +
// привязка глобального transit-идентификатора.
type DriveFileRecord struct {
	TenantID TenantID
	DriveID  DriveID
	FileID   FileID
	// GlobalTransitID — nil для файлов, никогда не отправлявшихся
	// и не приходивших по сети.
	GlobalTransitID *GlobalTransitID
	// Sender — хост-отправитель для полученных файлов, иначе пусто.
	Sender HostID
	// Metadata — передаваемая часть метаданных файла.
	Metadata  FileMetadataDescriptor
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NilIfEmpty возвращает nil для нулевого UUID — удобство для записи
// опциональных идентификаторов.
func NilIfEmpty(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
