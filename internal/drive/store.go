// Пакет drive — операции с файлами drive'ов на диске.
// Каждый файл хранится парой: payload + сопутствующий *.header.json
// с метаданными и ключевым заголовком, зашифрованным мастер-ключом.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package drive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// HeaderSuffix — суффикс файла-сайдкара с заголовком.
const HeaderSuffix = ".header.json"

// payloadSuffix — суффикс файла содержимого.
const payloadSuffix = ".payload"

// maxHeaderFileSize — максимальный допустимый размер header.json (64 КБ).
const maxHeaderFileSize = 64 * 1024

// FileHeader — заголовок файла на диске: единственный источник истины
// для метаданных содержимого.
type FileHeader struct {
	// FileID — идентификатор файла внутри drive.
	FileID model.FileID `json:"file_id"`
	// GlobalTransitID — глобальный идентификатор логического файла
	// (nil для файлов, никогда не участвовавших в передаче).
	GlobalTransitID *model.GlobalTransitID `json:"global_transit_id,omitempty"`
	// Sender — хост-отправитель (пустая строка — локальный файл).
	Sender model.HostID `json:"sender,omitempty"`
	// KeyHeaderEnc — ключевой заголовок содержимого, зашифрованный
	// мастер-ключом хоста.
	KeyHeaderEnc []byte `json:"key_header_enc"`
	// Descriptor — передаваемая часть метаданных.
	Descriptor model.FileMetadataDescriptor `json:"descriptor"`
	// PayloadSize — размер зашифрованного содержимого в байтах.
	PayloadSize int64 `json:"payload_size"`
	// PayloadChecksum — SHA-256 зашифрованного содержимого.
	PayloadChecksum string `json:"payload_checksum,omitempty"`
	// Created — момент появления файла на этом хосте.
	Created time.Time `json:"created"`
	// Updated — момент последнего изменения на этом хосте.
	Updated time.Time `json:"updated"`
}

// Store — управление файлами drive'ов на диске.
type Store struct {
	// dataDir — корневая директория хранения (IH_DATA_DIR)
	dataDir string
}

// NewStore создаёт Store. Проверяет и создаёт директорию
// если она не существует.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir}, nil
}

// SavePayload записывает содержимое файла на диск с подсчётом SHA-256
// на лету. Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (s *Store) SavePayload(tenantID model.TenantID, file model.InternalFileID, reader io.Reader) (int64, string, error) {
	fullPath := s.payloadPath(tenantID, file)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return 0, "", fmt.Errorf("не удалось создать директорию drive: %w", err)
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// OpenPayload открывает содержимое файла для чтения.
// Вызывающий код обязан закрыть возвращённый файл.
func (s *Store) OpenPayload(tenantID model.TenantID, file model.InternalFileID) (*os.File, error) {
	fullPath := s.payloadPath(tenantID, file)
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("содержимое файла не найдено: %s", file)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", file, err)
	}
	return f, nil
}

// WriteHeader атомарно записывает заголовок файла.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func (s *Store) WriteHeader(tenantID model.TenantID, file model.InternalFileID, header *FileHeader) error {
	data, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации заголовка: %w", err)
	}
	if len(data) > maxHeaderFileSize {
		return fmt.Errorf("размер header.json (%d байт) превышает максимум (%d байт)", len(data), maxHeaderFileSize)
	}

	path := s.headerPath(tenantID, file)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию drive: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// ReadHeader читает и парсит заголовок файла.
func (s *Store) ReadHeader(tenantID model.TenantID, file model.InternalFileID) (*FileHeader, error) {
	data, err := os.ReadFile(s.headerPath(tenantID, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("заголовок файла не найден: %s", file)
		}
		return nil, fmt.Errorf("ошибка чтения заголовка %s: %w", file, err)
	}

	header := &FileHeader{}
	if err := json.Unmarshal(data, header); err != nil {
		return nil, fmt.Errorf("ошибка разбора заголовка %s: %w", file, err)
	}
	return header, nil
}

// Delete удаляет содержимое и заголовок файла.
// Отсутствующие файлы не считаются ошибкой (идемпотентность).
func (s *Store) Delete(tenantID model.TenantID, file model.InternalFileID) error {
	if err := os.Remove(s.payloadPath(tenantID, file)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления содержимого %s: %w", file, err)
	}
	if err := os.Remove(s.headerPath(tenantID, file)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления заголовка %s: %w", file, err)
	}
	return nil
}

// Exists сообщает, записан ли заголовок файла на диск.
func (s *Store) Exists(tenantID model.TenantID, file model.InternalFileID) bool {
	_, err := os.Stat(s.headerPath(tenantID, file))
	return err == nil
}

// payloadPath возвращает абсолютный путь содержимого файла.
// Раскладка: {dataDir}/{tenant}/{drive}/{file}.payload
func (s *Store) payloadPath(tenantID model.TenantID, file model.InternalFileID) string {
	return s.filePath(tenantID, file) + payloadSuffix
}

// headerPath возвращает абсолютный путь заголовка файла.
func (s *Store) headerPath(tenantID model.TenantID, file model.InternalFileID) string {
	return s.filePath(tenantID, file) + HeaderSuffix
}

func (s *Store) filePath(tenantID model.TenantID, file model.InternalFileID) string {
	return filepath.Join(s.dataDir,
		uuid.UUID(tenantID).String(),
		uuid.UUID(file.DriveID).String(),
		uuid.UUID(file.FileID).String(),
	)
}
