// Пакет model — доменные типы Identity Host: идентификаторы файлов,
// элементы outbox/inbox, набор инструкций передачи.
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// TenantID — идентификатор арендатора (identity host в многоарендном процессе).
type TenantID = uuid.UUID

// DriveID — внутренний идентификатор drive в пределах одного хоста.
// Никогда не покидает хост — наружу выдаётся TargetDrive.
type DriveID = uuid.UUID

// FileID — идентификатор файла в пределах одного drive.
type FileID = uuid.UUID

// GlobalTransitID — глобальный идентификатор логического файла,
// стабильный между хостами. Назначается при первой отправке
// и не меняется за всё время жизни файла.
type GlobalTransitID = uuid.UUID

// InternalFileID — локальный адрес файла на одном хосте: (drive, file).
type InternalFileID struct {
	DriveID DriveID `json:"drive_id"`
	FileID  FileID  `json:"file_id"`
}

// IsValid проверяет, что оба идентификатора заполнены.
func (f InternalFileID) IsValid() bool {
	return f.DriveID != uuid.Nil && f.FileID != uuid.Nil
}

// String возвращает представление вида "driveId/fileId" для логов.
func (f InternalFileID) String() string {
	return fmt.Sprintf("%s/%s", f.DriveID, f.FileID)
}

// TargetDrive — клиентский дескриптор drive: пара (alias, type).
// Alias уникален в пределах хоста, Type задаёт семантику drive
// (chat, feed, profile и т.д.). Внутренний DriveID по этой паре
// резолвится только на самом хосте.
type TargetDrive struct {
	Alias uuid.UUID `json:"alias"`
	Type  uuid.UUID `json:"type"`
}

// IsValid проверяет, что дескриптор заполнен.
func (t TargetDrive) IsValid() bool {
	return t.Alias != uuid.Nil && t.Type != uuid.Nil
}

// FileIdentifier — клиентский адрес файла: (target drive, file id).
// Используется на границе API, чтобы клиент не знал внутренний DriveID.
type FileIdentifier struct {
	TargetDrive TargetDrive `json:"target_drive"`
	FileID      FileID      `json:"file_id"`
}

// GlobalFileIdentifier — клиентский адрес файла через глобальный
// transit-идентификатор: (target drive, global transit id).
// Позволяет сослаться на один логический файл на любом хосте.
type GlobalFileIdentifier struct {
	TargetDrive     TargetDrive     `json:"target_drive"`
	GlobalTransitID GlobalTransitID `json:"global_transit_id"`
}

// HostID — идентификатор удалённого хоста (DNS-имя identity,
// например "alice.id.example"). Используется как адрес получателя
// и как имя отправителя при проверке соединений.
type HostID string

// IsValid проверяет, что идентификатор хоста непустой.
func (h HostID) IsValid() bool {
	return h != ""
}

func (h HostID) String() string {
	return string(h)
}
