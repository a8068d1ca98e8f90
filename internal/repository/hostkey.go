// hostkey.go — репозиторий ключевых пар хоста.
// Приватные ключи хранятся зашифрованными мастер-ключом; выбор ключа
// для разворачивания конверта идёт по CRC32C публичного ключа.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// HostKeyRecord — одна ключевая пара хоста.
type HostKeyRecord struct {
	TenantID model.TenantID
	KeyID    uuid.UUID
	// CRC32C — контрольная сумма DER публичного ключа.
	CRC32C uint32
	// PublicKeyDER — DER-представление публичного ключа.
	PublicKeyDER []byte
	// PrivateKeyEnc — приватный ключ (PKCS#8 DER), зашифрованный мастер-ключом.
	PrivateKeyEnc []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// HostKeyRepository — доступ к ключевым парам арендатора.
type HostKeyRepository interface {
	// Insert сохраняет новую ключевую пару.
	Insert(ctx context.Context, rec *HostKeyRecord) error
	// GetCurrent возвращает действующий ключ с самым поздним ExpiresAt.
	GetCurrent(ctx context.Context, tenantID model.TenantID) (*HostKeyRecord, error)
	// GetByCRC возвращает ключ по CRC32C публичной части
	// (включая недавно ротированные — окно валидности).
	GetByCRC(ctx context.Context, tenantID model.TenantID, crc uint32) (*HostKeyRecord, error)
	// ListValid возвращает ключи, срок которых ещё не истёк к моменту
	// cutoff (cutoff в прошлом включает grace-окно), новые первыми.
	ListValid(ctx context.Context, tenantID model.TenantID, cutoff time.Time) ([]*HostKeyRecord, error)
	// DeleteExpiredBefore удаляет ключи, чей срок с учётом grace-окна
	// истёк до указанного момента. Возвращает количество удалённых.
	DeleteExpiredBefore(ctx context.Context, tenantID model.TenantID, cutoff time.Time) (int, error)
}

type hostKeyRepo struct {
	db DBTX
}

// NewHostKeyRepository создаёт репозиторий ключей хоста.
func NewHostKeyRepository(db DBTX) HostKeyRepository {
	return &hostKeyRepo{db: db}
}

func (r *hostKeyRepo) Insert(ctx context.Context, rec *HostKeyRecord) error {
	if rec.KeyID == uuid.Nil {
		rec.KeyID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO host_keys (tenant_id, key_id, crc32c, public_key_der, private_key_enc, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TenantID, rec.KeyID, int64(rec.CRC32C), rec.PublicKeyDER, rec.PrivateKeyEnc, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения ключа хоста: %w", err)
	}
	return nil
}

func (r *hostKeyRepo) GetCurrent(ctx context.Context, tenantID model.TenantID) (*HostKeyRecord, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT tenant_id, key_id, crc32c, public_key_der, private_key_enc, created_at, expires_at
		 FROM host_keys
		 WHERE tenant_id = $1 AND expires_at > now()
		 ORDER BY expires_at DESC LIMIT 1`,
		tenantID,
	))
}

func (r *hostKeyRepo) GetByCRC(ctx context.Context, tenantID model.TenantID, crc uint32) (*HostKeyRecord, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT tenant_id, key_id, crc32c, public_key_der, private_key_enc, created_at, expires_at
		 FROM host_keys
		 WHERE tenant_id = $1 AND crc32c = $2
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, int64(crc),
	))
}

func (r *hostKeyRepo) ListValid(ctx context.Context, tenantID model.TenantID, cutoff time.Time) ([]*HostKeyRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT tenant_id, key_id, crc32c, public_key_der, private_key_enc, created_at, expires_at
		 FROM host_keys
		 WHERE tenant_id = $1 AND expires_at > $2
		 ORDER BY expires_at DESC`,
		tenantID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки ключей хоста: %w", err)
	}
	defer rows.Close()

	var recs []*HostKeyRecord
	for rows.Next() {
		rec := &HostKeyRecord{}
		var crc int64
		if err := rows.Scan(&rec.TenantID, &rec.KeyID, &crc, &rec.PublicKeyDER,
			&rec.PrivateKeyEnc, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения ключа хоста: %w", err)
		}
		rec.CRC32C = uint32(crc)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка выборки ключей хоста: %w", err)
	}
	return recs, nil
}

func (r *hostKeyRepo) DeleteExpiredBefore(ctx context.Context, tenantID model.TenantID, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM host_keys WHERE tenant_id = $1 AND expires_at < $2`,
		tenantID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления истёкших ключей: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *hostKeyRepo) scanOne(row pgx.Row) (*HostKeyRecord, error) {
	rec := &HostKeyRecord{}
	var crc int64
	err := row.Scan(&rec.TenantID, &rec.KeyID, &crc, &rec.PublicKeyDER,
		&rec.PrivateKeyEnc, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ключа хоста: %w", err)
	}
	rec.CRC32C = uint32(crc)
	return rec, nil
}
