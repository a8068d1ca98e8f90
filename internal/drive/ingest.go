// ingest.go — приём локальных файлов владельца в drive.
// Содержимое шифруется свежим ключевым заголовком один раз при приёме;
// at rest и на проводе оно живёт только в зашифрованном виде.
package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/repository"
)

// Ingestor — запись файлов владельца в drive: шифрование содержимого,
// заголовок-сайдкар и запись в реестр файлов.
type Ingestor struct {
	store     *Store
	driveFile repository.DriveFileRepository
	masterKey []byte
	logger    *slog.Logger
}

// NewIngestor создаёт Ingestor.
func NewIngestor(store *Store, driveFile repository.DriveFileRepository, masterKey []byte, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:     store,
		driveFile: driveFile,
		masterKey: masterKey,
		logger:    logger.With(slog.String("component", "drive_ingest")),
	}
}

// Ingest принимает содержимое файла от владельца: генерирует ключевой
// заголовок, шифрует payload, пишет пару payload+header на диск и
// регистрирует файл в реестре drive. Возвращает адрес нового файла.
func (g *Ingestor) Ingest(
	ctx context.Context,
	tenantID model.TenantID,
	driveID model.DriveID,
	descriptor model.FileMetadataDescriptor,
	content io.Reader,
) (model.InternalFileID, error) {
	file := model.InternalFileID{DriveID: driveID, FileID: model.FileID(uuid.New())}

	plaintext, err := io.ReadAll(content)
	if err != nil {
		return file, fmt.Errorf("чтение содержимого: %w", err)
	}

	kh, err := keys.NewRandomKeyHeader()
	if err != nil {
		return file, err
	}
	encrypted, err := kh.Encrypt(plaintext)
	if err != nil {
		return file, fmt.Errorf("шифрование содержимого: %w", err)
	}

	size, checksum, err := g.store.SavePayload(tenantID, file, bytes.NewReader(encrypted))
	if err != nil {
		return file, err
	}

	khEnc, err := keys.SealWithMasterKey(g.masterKey, kh.Combine())
	if err != nil {
		return file, fmt.Errorf("шифрование ключевого заголовка: %w", err)
	}

	now := time.Now().UTC()
	descriptor.PayloadIsEncrypted = true
	if descriptor.Created.IsZero() {
		descriptor.Created = now
	}
	descriptor.Updated = now

	header := &FileHeader{
		FileID:          file.FileID,
		KeyHeaderEnc:    khEnc,
		Descriptor:      descriptor,
		PayloadSize:     size,
		PayloadChecksum: checksum,
		Created:         now,
		Updated:         now,
	}
	if err := g.store.WriteHeader(tenantID, file, header); err != nil {
		return file, err
	}

	if err := g.driveFile.Upsert(ctx, &model.DriveFileRecord{
		TenantID:  tenantID,
		DriveID:   driveID,
		FileID:    file.FileID,
		Metadata:  descriptor,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return file, fmt.Errorf("регистрация файла в реестре: %w", err)
	}

	g.logger.Debug("Файл принят в drive",
		slog.String("file", file.String()),
		slog.Int64("size", size),
	)
	return file, nil
}

// Fetch читает файл drive и возвращает расшифрованное содержимое
// вместе с метаданными.
func (g *Ingestor) Fetch(
	_ context.Context,
	tenantID model.TenantID,
	file model.InternalFileID,
) (*model.FileMetadataDescriptor, []byte, error) {
	header, err := g.store.ReadHeader(tenantID, file)
	if err != nil {
		return nil, nil, err
	}

	combined, err := keys.OpenWithMasterKey(g.masterKey, header.KeyHeaderEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("расшифровка ключевого заголовка: %w", err)
	}
	kh, err := keys.KeyHeaderFromCombined(combined)
	if err != nil {
		return nil, nil, err
	}

	f, err := g.store.OpenPayload(tenantID, file)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	encrypted, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("чтение содержимого: %w", err)
	}
	plaintext, err := kh.Decrypt(encrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("расшифровка содержимого: %w", err)
	}
	return &header.Descriptor, plaintext, nil
}
