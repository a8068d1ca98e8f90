// tenant.go — репозиторий арендаторов и их drive'ов.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// TenantRepository — доступ к арендаторам процесса.
type TenantRepository interface {
	// GetByHostID резолвит арендатора по DNS-имени identity.
	GetByHostID(ctx context.Context, hostID model.HostID) (*model.Tenant, error)
	// Get возвращает арендатора по внутреннему идентификатору.
	Get(ctx context.Context, tenantID model.TenantID) (*model.Tenant, error)
	// List возвращает всех арендаторов (обход в фоновых заданиях).
	List(ctx context.Context) ([]*model.Tenant, error)
	// Create регистрирует арендатора.
	Create(ctx context.Context, tenant *model.Tenant) error
}

// DriveRepository — доступ к drive'ам арендатора.
type DriveRepository interface {
	// ResolveTargetDrive резолвит клиентский дескриптор во внутренний DriveID.
	ResolveTargetDrive(ctx context.Context, tenantID model.TenantID, target model.TargetDrive) (model.DriveID, error)
	// Get возвращает drive по внутреннему идентификатору.
	Get(ctx context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.Drive, error)
	// Create регистрирует drive.
	Create(ctx context.Context, drive *model.Drive) error
}

type tenantRepo struct {
	db DBTX
}

// NewTenantRepository создаёт репозиторий арендаторов.
func NewTenantRepository(db DBTX) TenantRepository {
	return &tenantRepo{db: db}
}

func (r *tenantRepo) GetByHostID(ctx context.Context, hostID model.HostID) (*model.Tenant, error) {
	t := &model.Tenant{}
	var host string
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, host_id, created_at FROM tenants WHERE host_id = $1`,
		hostID.String(),
	).Scan(&t.TenantID, &host, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска арендатора: %w", err)
	}
	t.HostID = model.HostID(host)
	return t, nil
}

func (r *tenantRepo) Get(ctx context.Context, tenantID model.TenantID) (*model.Tenant, error) {
	t := &model.Tenant{}
	var host string
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, host_id, created_at FROM tenants WHERE tenant_id = $1`,
		tenantID,
	).Scan(&t.TenantID, &host, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения арендатора: %w", err)
	}
	t.HostID = model.HostID(host)
	return t, nil
}

func (r *tenantRepo) List(ctx context.Context) ([]*model.Tenant, error) {
	rows, err := r.db.Query(ctx, `SELECT tenant_id, host_id, created_at FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки арендаторов: %w", err)
	}
	defer rows.Close()

	var result []*model.Tenant
	for rows.Next() {
		t := &model.Tenant{}
		var host string
		if err := rows.Scan(&t.TenantID, &host, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования арендатора: %w", err)
		}
		t.HostID = model.HostID(host)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации арендаторов: %w", err)
	}
	return result, nil
}

func (r *tenantRepo) Create(ctx context.Context, tenant *model.Tenant) error {
	if !tenant.HostID.IsValid() {
		return fmt.Errorf("%w: пустой host_id", ErrInvalidArgument)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO tenants (tenant_id, host_id) VALUES ($1, $2)`,
		tenant.TenantID, tenant.HostID.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка регистрации арендатора: %w", err)
	}
	return nil
}

type driveRepo struct {
	db DBTX
}

// NewDriveRepository создаёт репозиторий drive'ов.
func NewDriveRepository(db DBTX) DriveRepository {
	return &driveRepo{db: db}
}

func (r *driveRepo) ResolveTargetDrive(ctx context.Context, tenantID model.TenantID, target model.TargetDrive) (model.DriveID, error) {
	if !target.IsValid() {
		return model.DriveID{}, fmt.Errorf("%w: незаполненный target drive", ErrInvalidArgument)
	}
	var driveID model.DriveID
	err := r.db.QueryRow(ctx,
		`SELECT drive_id FROM drives WHERE tenant_id = $1 AND alias = $2 AND drive_type = $3`,
		tenantID, target.Alias, target.Type,
	).Scan(&driveID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DriveID{}, ErrNotFound
		}
		return model.DriveID{}, fmt.Errorf("ошибка резолва target drive: %w", err)
	}
	return driveID, nil
}

func (r *driveRepo) Get(ctx context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.Drive, error) {
	d := &model.Drive{}
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, drive_id, alias, drive_type, name, created_at
		 FROM drives WHERE tenant_id = $1 AND drive_id = $2`,
		tenantID, driveID,
	).Scan(&d.TenantID, &d.DriveID, &d.TargetDrive.Alias, &d.TargetDrive.Type, &d.Name, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения drive: %w", err)
	}
	return d, nil
}

func (r *driveRepo) Create(ctx context.Context, drive *model.Drive) error {
	if !drive.TargetDrive.IsValid() {
		return fmt.Errorf("%w: незаполненный target drive", ErrInvalidArgument)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO drives (tenant_id, drive_id, alias, drive_type, name)
		 VALUES ($1, $2, $3, $4, $5)`,
		drive.TenantID, drive.DriveID, drive.TargetDrive.Alias, drive.TargetDrive.Type, drive.Name,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка регистрации drive: %w", err)
	}
	return nil
}
