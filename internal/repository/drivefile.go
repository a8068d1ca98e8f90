// drivefile.go — реестр файлов drive'ов.
// Идемпотентное применение входящих передач опирается на уникальность
// (tenant, drive, global_transit_id): повторная доставка того же
// логического файла обновляет существующую запись, а не создаёт вторую.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// DriveFileRepository — доступ к реестру файлов drive'ов.
type DriveFileRepository interface {
	// UpsertByGlobalTransitID применяет входящую передачу: если файл
	// с таким GlobalTransitID уже есть в drive — обновляет его
	// (created=false и возвращается существующий FileID), иначе
	// создаёт новую запись (created=true).
	UpsertByGlobalTransitID(ctx context.Context, rec *model.DriveFileRecord) (fileID model.FileID, created bool, err error)
	// Upsert сохраняет запись локально загруженного файла.
	Upsert(ctx context.Context, rec *model.DriveFileRecord) error
	// Get возвращает запись по локальному адресу или ErrNotFound.
	Get(ctx context.Context, tenantID model.TenantID, file model.InternalFileID) (*model.DriveFileRecord, error)
	// GetByGlobalTransitID возвращает запись по глобальному идентификатору.
	GetByGlobalTransitID(ctx context.Context, tenantID model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (*model.DriveFileRecord, error)
	// AssignGlobalTransitID назначает файлу глобальный идентификатор,
	// если он ещё не назначен. Однажды назначенный — не меняется.
	AssignGlobalTransitID(ctx context.Context, tenantID model.TenantID, file model.InternalFileID, gtid model.GlobalTransitID) (model.GlobalTransitID, error)
	// DeleteByGlobalTransitID удаляет запись (применение remote delete).
	// Идемпотентно: отсутствие записи не является ошибкой.
	DeleteByGlobalTransitID(ctx context.Context, tenantID model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (bool, error)
}

type driveFileRepo struct {
	db DBTX
}

// NewDriveFileRepository создаёт репозиторий реестра файлов.
func NewDriveFileRepository(db DBTX) DriveFileRepository {
	return &driveFileRepo{db: db}
}

func (r *driveFileRepo) UpsertByGlobalTransitID(ctx context.Context, rec *model.DriveFileRecord) (model.FileID, bool, error) {
	if rec.GlobalTransitID == nil || *rec.GlobalTransitID == uuid.Nil {
		return model.FileID{}, false, fmt.Errorf("%w: отсутствует global transit id", ErrInvalidArgument)
	}
	if rec.FileID == uuid.Nil {
		rec.FileID = uuid.New()
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return model.FileID{}, false, fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	// ON CONFLICT по (tenant, drive, global_transit_id): повторная
	// доставка сливается в существующую запись. RETURNING отдаёт
	// фактический file_id и признак вставки.
	query := `
		INSERT INTO drive_files (tenant_id, drive_id, file_id, global_transit_id, sender, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id, drive_id, global_transit_id)
		DO UPDATE SET metadata = EXCLUDED.metadata, sender = EXCLUDED.sender, updated_at = now()
		RETURNING file_id, (xmax = 0)`

	var (
		fileID  model.FileID
		created bool
	)
	err = r.db.QueryRow(ctx, query,
		rec.TenantID, rec.DriveID, rec.FileID, *rec.GlobalTransitID,
		rec.Sender.String(), metadata,
	).Scan(&fileID, &created)
	if err != nil {
		return model.FileID{}, false, fmt.Errorf("ошибка применения передачи: %w", err)
	}
	rec.FileID = fileID
	return fileID, created, nil
}

func (r *driveFileRepo) Upsert(ctx context.Context, rec *model.DriveFileRecord) error {
	if rec.FileID == uuid.Nil {
		rec.FileID = uuid.New()
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO drive_files (tenant_id, drive_id, file_id, global_transit_id, sender, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (tenant_id, drive_id, file_id)
		 DO UPDATE SET metadata = EXCLUDED.metadata, updated_at = now()`,
		rec.TenantID, rec.DriveID, rec.FileID, rec.GlobalTransitID, rec.Sender.String(), metadata,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения записи файла: %w", err)
	}
	return nil
}

func (r *driveFileRepo) Get(ctx context.Context, tenantID model.TenantID, file model.InternalFileID) (*model.DriveFileRecord, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT tenant_id, drive_id, file_id, global_transit_id, sender, metadata, created_at, updated_at
		 FROM drive_files WHERE tenant_id = $1 AND drive_id = $2 AND file_id = $3`,
		tenantID, file.DriveID, file.FileID,
	))
}

func (r *driveFileRepo) GetByGlobalTransitID(ctx context.Context, tenantID model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (*model.DriveFileRecord, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT tenant_id, drive_id, file_id, global_transit_id, sender, metadata, created_at, updated_at
		 FROM drive_files WHERE tenant_id = $1 AND drive_id = $2 AND global_transit_id = $3`,
		tenantID, driveID, gtid,
	))
}

// AssignGlobalTransitID назначает gtid только при NULL в записи —
// инвариант неизменности однажды назначенного идентификатора
// обеспечивается условием в UPDATE, а не кодом вызывающего.
func (r *driveFileRepo) AssignGlobalTransitID(ctx context.Context, tenantID model.TenantID, file model.InternalFileID, gtid model.GlobalTransitID) (model.GlobalTransitID, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE drive_files SET global_transit_id = $1, updated_at = now()
		 WHERE tenant_id = $2 AND drive_id = $3 AND file_id = $4 AND global_transit_id IS NULL`,
		gtid, tenantID, file.DriveID, file.FileID,
	)
	if err != nil {
		return model.GlobalTransitID{}, fmt.Errorf("ошибка назначения global transit id: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return gtid, nil
	}

	// Идентификатор уже назначен — возвращаем существующий.
	rec, err := r.Get(ctx, tenantID, file)
	if err != nil {
		return model.GlobalTransitID{}, err
	}
	if rec.GlobalTransitID == nil {
		return model.GlobalTransitID{}, fmt.Errorf("файл %s не найден при назначении идентификатора", file)
	}
	return *rec.GlobalTransitID, nil
}

func (r *driveFileRepo) DeleteByGlobalTransitID(ctx context.Context, tenantID model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM drive_files WHERE tenant_id = $1 AND drive_id = $2 AND global_transit_id = $3`,
		tenantID, driveID, gtid,
	)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления записи файла: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *driveFileRepo) scanOne(row pgx.Row) (*model.DriveFileRecord, error) {
	rec := &model.DriveFileRecord{}
	var (
		sender      string
		metadataRaw []byte
	)
	err := row.Scan(&rec.TenantID, &rec.DriveID, &rec.FileID, &rec.GlobalTransitID,
		&sender, &metadataRaw, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования записи файла: %w", err)
	}
	rec.Sender = model.HostID(sender)
	if err := json.Unmarshal(metadataRaw, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("ошибка десериализации метаданных: %w", err)
	}
	return rec, nil
}
