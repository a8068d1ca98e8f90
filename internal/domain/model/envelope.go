// envelope.go — wire-типы протокола передачи: ключевой заголовок,
// набор инструкций передачи и конверт, отправляемый на perimeter
// endpoint получателя.
package model

import (
	"time"
)

// TransferInstructionSet — набор инструкций для одного получателя.
// Несёт завёрнутый симметричный ключ содержимого и метаданные,
// достаточные получателю для размещения/слияния файла.
type TransferInstructionSet struct {
	// TargetDrive — drive получателя, в который адресована передача.
	TargetDrive TargetDrive `json:"target_drive"`
	// GlobalTransitID — глобальный идентификатор логического файла.
	GlobalTransitID GlobalTransitID `json:"global_transit_id"`
	// PublicKeyCRC — CRC32C DER-представления публичного ключа получателя,
	// которым завёрнут ключевой заголовок. По нему получатель выбирает
	// соответствующий приватный ключ.
	PublicKeyCRC uint32 `json:"public_key_crc"`
	// EncryptedKeyHeader — ключевой заголовок (AES-ключ + IV),
	// завёрнутый RSA-OAEP под публичный ключ получателя.
	EncryptedKeyHeader []byte `json:"encrypted_key_header"`
	// TransferType — normal или feed; определяет маршрутизацию на приёме.
	TransferType TransferType `json:"transfer_type"`
	// IsUpdate — передача обновляет существующий файл
	// (у получателя уже есть файл с тем же GlobalTransitID).
	IsUpdate bool `json:"is_update,omitempty"`
}

// TransferEnvelope — полный wire-payload вызова filemetadata:
// инструкции + зашифрованные метаданные + зашифрованное содержимое.
// Содержимое зашифровано ключом из EncryptedKeyHeader, поэтому
// прочитать его может только владелец соответствующего приватного ключа.
type TransferEnvelope struct {
	// InstructionSet — инструкции передачи для этого получателя.
	InstructionSet TransferInstructionSet `json:"instruction_set"`
	// Metadata — метаданные файла, зашифрованные ключом содержимого (AES-GCM).
	Metadata []byte `json:"metadata"`
	// Payload — зашифрованное содержимое файла.
	Payload []byte `json:"payload"`
}

// FileMetadataDescriptor — передаваемая часть метаданных файла.
// Состав полей фиксирован явно: новый атрибут метаданных должен быть
// осознанно добавлен сюда, прежде чем уедет получателю.
type FileMetadataDescriptor struct {
	// ContentType — MIME-тип содержимого.
	ContentType string `json:"content_type"`
	// FileType — прикладной тип файла (интерпретируется приложением).
	FileType int `json:"file_type"`
	// Created — время создания файла у отправителя.
	Created time.Time `json:"created"`
	// Updated — время последнего изменения у отправителя.
	Updated time.Time `json:"updated"`
	// JSONContent — прикладной JSON-фрагмент (превью, заголовок и т.п.).
	JSONContent string `json:"json_content,omitempty"`
	// PayloadIsEncrypted — содержимое зашифровано ключевым заголовком.
	PayloadIsEncrypted bool `json:"payload_is_encrypted"`
}

// PublicKeyInfo — ответ endpoint'а /perimeter/transit/encryption/publickey.
type PublicKeyInfo struct {
	// PublicKeyDER — DER-представление публичного ключа, base64 в JSON.
	PublicKeyDER []byte `json:"public_key_der"`
	// CRC32C — контрольная сумма DER-представления.
	CRC32C uint32 `json:"crc32c"`
	// Expiration — момент, после которого ключ не следует использовать
	// для новых конвертов. Окно валидности позволяет хосту ротировать
	// ключ, не теряя доставки, завёрнутые под прежний ключ.
	Expiration time.Time `json:"expiration"`
}

// TransferStatus — статус передачи для одного получателя,
// возвращаемый клиенту при отправке.
type TransferStatus string

const (
	// TransferStatusQueued — передача поставлена в outbox.
	TransferStatusQueued TransferStatus = "queued"
	// TransferStatusDelivered — получатель принял передачу (синхронный режим).
	TransferStatusDelivered TransferStatus = "delivered"
	// TransferStatusRejected — получатель отверг передачу.
	TransferStatusRejected TransferStatus = "rejected"
	// TransferStatusPendingRetry — временная ошибка, передача будет повторена.
	TransferStatusPendingRetry TransferStatus = "pending_retry"
)
