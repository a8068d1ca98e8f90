// Пакет envelope — сборка и разбор конвертов передачи.
// Содержимое шифруется один раз ключевым заголовком; для каждого
// получателя заворачивается только заголовок под его публичный ключ.
package envelope

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/keys"
)

// Builder собирает instruction set и конверты для отправки.
type Builder struct {
	pubkeys *PublicKeyCache
}

// NewBuilder создаёт сборщик конвертов.
func NewBuilder(pubkeys *PublicKeyCache) *Builder {
	return &Builder{pubkeys: pubkeys}
}

// BuildInstructionSet заворачивает ключевой заголовок под действующий
// публичный ключ получателя и возвращает instruction set, который
// сохраняется в outbox-записи и переживает повторы доставки.
func (b *Builder) BuildInstructionSet(
	ctx context.Context,
	recipient model.HostID,
	kh *keys.KeyHeader,
	target model.TargetDrive,
	gtid model.GlobalTransitID,
	transferType model.TransferType,
	isUpdate bool,
) (*model.TransferInstructionSet, error) {
	info, err := b.pubkeys.Get(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("получение публичного ключа %s: %w", recipient, err)
	}
	pub, err := keys.ParsePublicKeyDER(info.PublicKeyDER)
	if err != nil {
		return nil, err
	}
	wrapped, err := keys.WrapKeyHeader(kh, pub)
	if err != nil {
		return nil, err
	}

	return &model.TransferInstructionSet{
		TargetDrive:        target,
		GlobalTransitID:    gtid,
		PublicKeyCRC:       info.CRC32C,
		EncryptedKeyHeader: wrapped,
		TransferType:       transferType,
		IsUpdate:           isUpdate,
	}, nil
}

// InvalidateRecipientKey сбрасывает кэшированный ключ получателя.
func (b *Builder) InvalidateRecipientKey(recipient model.HostID) {
	b.pubkeys.Invalidate(recipient)
}

// Seal собирает конверт: метаданные сериализуются и шифруются ключевым
// заголовком. Содержимое передаётся уже зашифрованным — at rest оно
// хранится под тем же ключевым заголовком и уходит на провод как есть.
func Seal(is *model.TransferInstructionSet, kh *keys.KeyHeader, descriptor *model.FileMetadataDescriptor, encryptedPayload []byte) (*model.TransferEnvelope, error) {
	metaJSON, err := json.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("сериализация метаданных: %w", err)
	}
	metaEnc, err := kh.Encrypt(metaJSON)
	if err != nil {
		return nil, fmt.Errorf("шифрование метаданных: %w", err)
	}

	return &model.TransferEnvelope{
		InstructionSet: *is,
		Metadata:       metaEnc,
		Payload:        encryptedPayload,
	}, nil
}

// OpenMetadata расшифровывает и парсит только метаданные конверта.
// Содержимое остаётся зашифрованным — при применении в drive оно
// сохраняется at rest в том виде, в котором пришло по сети.
func OpenMetadata(env *model.TransferEnvelope, kh *keys.KeyHeader) (*model.FileMetadataDescriptor, error) {
	metaJSON, err := kh.Decrypt(env.Metadata)
	if err != nil {
		return nil, fmt.Errorf("расшифровка метаданных: %w", err)
	}
	descriptor := &model.FileMetadataDescriptor{}
	if err := json.Unmarshal(metaJSON, descriptor); err != nil {
		return nil, fmt.Errorf("разбор метаданных: %w", err)
	}
	return descriptor, nil
}

// Open разбирает конверт развёрнутым ключевым заголовком: расшифровывает
// и парсит метаданные, расшифровывает содержимое.
func Open(env *model.TransferEnvelope, kh *keys.KeyHeader) (*model.FileMetadataDescriptor, []byte, error) {
	metaJSON, err := kh.Decrypt(env.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("расшифровка метаданных: %w", err)
	}
	descriptor := &model.FileMetadataDescriptor{}
	if err := json.Unmarshal(metaJSON, descriptor); err != nil {
		return nil, nil, fmt.Errorf("разбор метаданных: %w", err)
	}

	var payload []byte
	if len(env.Payload) > 0 {
		payload, err = kh.Decrypt(env.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("расшифровка содержимого: %w", err)
		}
	}
	return descriptor, payload, nil
}
