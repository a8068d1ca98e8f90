// connection.go — репозиторий установленных соединений (circle network)
// и прав на запись в drive'ы. Сам граф соединений здесь не вычисляется —
// репозиторий лишь хранит результат установления соединения и выданные гранты.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// ConnectionRepository — доступ к соединениям арендатора.
type ConnectionRepository interface {
	// Get возвращает соединение с удалённым хостом или ErrNotFound.
	Get(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID) (*model.Connection, error)
	// Upsert сохраняет соединение (установление или обновление токена).
	Upsert(ctx context.Context, conn *model.Connection) error
	// SetStatus меняет состояние соединения (connected/blocked).
	SetStatus(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID, status model.ConnectionStatus) error
	// GrantDriveWrite выдаёт соединению право записи в drive.
	GrantDriveWrite(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID, driveID model.DriveID) error
	// CanWriteToDrive сообщает, может ли соединение писать в drive.
	// false без ошибки — грант отсутствует или соединение заблокировано.
	CanWriteToDrive(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID, driveID model.DriveID) (bool, error)
	// ListConnected возвращает все активные соединения арендатора.
	ListConnected(ctx context.Context, tenantID model.TenantID) ([]*model.Connection, error)
}

type connectionRepo struct {
	db DBTX
}

// NewConnectionRepository создаёт репозиторий соединений.
func NewConnectionRepository(db DBTX) ConnectionRepository {
	return &connectionRepo{db: db}
}

func (r *connectionRepo) Get(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID) (*model.Connection, error) {
	c := &model.Connection{}
	var host, status string
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, remote_host, status, auth_token_enc, created_at
		 FROM connections WHERE tenant_id = $1 AND remote_host = $2`,
		tenantID, remoteHost.String(),
	).Scan(&c.TenantID, &host, &status, &c.EncryptedAuthToken, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения соединения: %w", err)
	}
	c.RemoteHost = model.HostID(host)
	c.Status = model.ConnectionStatus(status)
	return c, nil
}

func (r *connectionRepo) Upsert(ctx context.Context, conn *model.Connection) error {
	if !conn.RemoteHost.IsValid() {
		return fmt.Errorf("%w: пустой удалённый хост", ErrInvalidArgument)
	}
	if conn.Status == "" {
		conn.Status = model.ConnectionStatusConnected
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO connections (tenant_id, remote_host, status, auth_token_enc)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, remote_host)
		 DO UPDATE SET status = EXCLUDED.status, auth_token_enc = EXCLUDED.auth_token_enc`,
		conn.TenantID, conn.RemoteHost.String(), string(conn.Status), conn.EncryptedAuthToken,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения соединения: %w", err)
	}
	return nil
}

func (r *connectionRepo) SetStatus(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID, status model.ConnectionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE connections SET status = $1 WHERE tenant_id = $2 AND remote_host = $3`,
		string(status), tenantID, remoteHost.String(),
	)
	if err != nil {
		return fmt.Errorf("ошибка смены статуса соединения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) GrantDriveWrite(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID, driveID model.DriveID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO connection_drive_grants (tenant_id, remote_host, drive_id, can_write)
		 VALUES ($1, $2, $3, true)
		 ON CONFLICT (tenant_id, remote_host, drive_id) DO UPDATE SET can_write = true`,
		tenantID, remoteHost.String(), driveID,
	)
	if err != nil {
		return fmt.Errorf("ошибка выдачи гранта: %w", err)
	}
	return nil
}

// CanWriteToDrive — одиночный запрос: соединение активно и грант выдан.
func (r *connectionRepo) CanWriteToDrive(ctx context.Context, tenantID model.TenantID, remoteHost model.HostID, driveID model.DriveID) (bool, error) {
	var canWrite bool
	err := r.db.QueryRow(ctx,
		`SELECT g.can_write
		 FROM connection_drive_grants g
		 JOIN connections c ON c.tenant_id = g.tenant_id AND c.remote_host = g.remote_host
		 WHERE g.tenant_id = $1 AND g.remote_host = $2 AND g.drive_id = $3
		   AND c.status = 'connected'`,
		tenantID, remoteHost.String(), driveID,
	).Scan(&canWrite)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка проверки гранта: %w", err)
	}
	return canWrite, nil
}

func (r *connectionRepo) ListConnected(ctx context.Context, tenantID model.TenantID) ([]*model.Connection, error) {
	rows, err := r.db.Query(ctx,
		`SELECT tenant_id, remote_host, status, auth_token_enc, created_at
		 FROM connections WHERE tenant_id = $1 AND status = 'connected'
		 ORDER BY remote_host`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки соединений: %w", err)
	}
	defer rows.Close()

	var result []*model.Connection
	for rows.Next() {
		c := &model.Connection{}
		var host, status string
		if err := rows.Scan(&c.TenantID, &host, &status, &c.EncryptedAuthToken, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования соединения: %w", err)
		}
		c.RemoteHost = model.HostID(host)
		c.Status = model.ConnectionStatus(status)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации соединений: %w", err)
	}
	return result, nil
}
