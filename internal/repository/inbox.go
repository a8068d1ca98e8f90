// inbox.go — репозиторий очереди входящих передач.
//
// Реализует протокол reserve/commit/cancel поверх таблицы inbox:
// Reserve атомарно помечает pending-элементы свежим маркером,
// Commit удаляет элементы под маркером, Cancel возвращает их
// в pending в неизменном виде. В любой момент элемент находится
// ровно в одном из состояний {pending, reserved-under-marker}.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// inboxColumns — список столбцов таблицы inbox для SELECT-запросов.
const inboxColumns = `id, tenant_id, drive_id, file_id, sender, item_type,
	priority, received_at, payload, marker`

// InboxRepository — интерфейс очереди входящих передач.
type InboxRepository interface {
	// Add добавляет элемент со штампом времени приёма.
	// Дубликаты (повторная доставка того же файла) допускаются —
	// идемпотентность обеспечивает применение при commit.
	Add(ctx context.Context, item *model.InboxItem) error
	// Reserve атомарно помечает до batchSize pending-элементов drive
	// свежим маркером и возвращает их в порядке поступления.
	// Элементы под чужими маркерами не видны.
	Reserve(ctx context.Context, tenantID model.TenantID, driveID model.DriveID, batchSize int) (uuid.UUID, []*model.InboxItem, error)
	// Commit окончательно удаляет все элементы под маркером.
	Commit(ctx context.Context, marker uuid.UUID) error
	// CommitItem удаляет один элемент под маркером (частичный commit batch).
	CommitItem(ctx context.Context, marker uuid.UUID, itemID uuid.UUID) error
	// Cancel снимает маркер: элементы возвращаются в pending без изменений.
	Cancel(ctx context.Context, marker uuid.UUID) error
	// CancelAll снимает все маркеры арендатора (восстановление после останова).
	CancelAll(ctx context.Context, tenantID model.TenantID) error
	// PendingCount возвращает диагностику очереди drive.
	PendingCount(ctx context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.InboxStatus, error)
	// List возвращает элементы очереди арендатора (диагностика).
	List(ctx context.Context, tenantID model.TenantID) ([]*model.InboxItem, error)
	// Remove принудительно удаляет элемент (операторская операция).
	Remove(ctx context.Context, tenantID model.TenantID, itemID uuid.UUID) error
}

// inboxRepo — реализация InboxRepository через pgx.
type inboxRepo struct {
	db DBTX
}

// NewInboxRepository создаёт репозиторий inbox.
func NewInboxRepository(db DBTX) InboxRepository {
	return &inboxRepo{db: db}
}

// Add добавляет элемент со штампом времени приёма.
func (r *inboxRepo) Add(ctx context.Context, item *model.InboxItem) error {
	if item.DriveID == uuid.Nil || item.FileID == uuid.Nil {
		return fmt.Errorf("%w: незаполненный идентификатор файла", ErrInvalidArgument)
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now().UTC()
	}
	if item.Type == "" {
		item.Type = model.InboxItemTypeFile
	}

	query := `
		INSERT INTO inbox (id, tenant_id, drive_id, file_id, sender, item_type, priority, received_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		item.ID, item.TenantID, item.DriveID, item.FileID, item.Sender.String(),
		string(item.Type), item.Priority, item.ReceivedAt, item.Payload,
	)
	if err != nil {
		return fmt.Errorf("ошибка добавления в inbox: %w", err)
	}
	return nil
}

// Reserve атомарно помечает batch свежим маркером и возвращает его.
// Одиночный UPDATE с условием marker IS NULL гарантирует, что два
// конкурентных Reserve не получат один элемент.
func (r *inboxRepo) Reserve(ctx context.Context, tenantID model.TenantID, driveID model.DriveID, batchSize int) (uuid.UUID, []*model.InboxItem, error) {
	marker := uuid.New()

	reserve := `
		UPDATE inbox SET marker = $1
		WHERE id IN (
			SELECT id FROM inbox
			WHERE tenant_id = $2 AND drive_id = $3 AND marker IS NULL
			ORDER BY priority ASC, received_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)`
	if _, err := r.db.Exec(ctx, reserve, marker, tenantID, driveID, batchSize); err != nil {
		return uuid.Nil, nil, fmt.Errorf("ошибка резервирования inbox: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM inbox
		WHERE marker = $1
		ORDER BY priority ASC, received_at ASC`, inboxColumns)

	rows, err := r.db.Query(ctx, query, marker)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("ошибка выборки зарезервированных элементов: %w", err)
	}
	defer rows.Close()

	var result []*model.InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("ошибка сканирования элемента inbox: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, nil, fmt.Errorf("ошибка итерации inbox: %w", err)
	}
	return marker, result, nil
}

// Commit окончательно удаляет все элементы под маркером.
func (r *inboxRepo) Commit(ctx context.Context, marker uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM inbox WHERE marker = $1`, marker); err != nil {
		return fmt.Errorf("ошибка commit маркера: %w", err)
	}
	return nil
}

// CommitItem удаляет один элемент под маркером.
func (r *inboxRepo) CommitItem(ctx context.Context, marker uuid.UUID, itemID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM inbox WHERE marker = $1 AND id = $2`, marker, itemID)
	if err != nil {
		return fmt.Errorf("ошибка commit элемента: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel снимает маркер, возвращая элементы в pending.
func (r *inboxRepo) Cancel(ctx context.Context, marker uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `UPDATE inbox SET marker = NULL WHERE marker = $1`, marker); err != nil {
		return fmt.Errorf("ошибка cancel маркера: %w", err)
	}
	return nil
}

// CancelAll снимает все маркеры арендатора.
// Вызывается при завершении процесса: зарезервированные элементы
// возвращаются в pending, а не теряются под осиротевшим маркером.
func (r *inboxRepo) CancelAll(ctx context.Context, tenantID model.TenantID) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE inbox SET marker = NULL WHERE tenant_id = $1 AND marker IS NOT NULL`,
		tenantID,
	); err != nil {
		return fmt.Errorf("ошибка снятия маркеров: %w", err)
	}
	return nil
}

// PendingCount возвращает диагностику очереди drive.
func (r *inboxRepo) PendingCount(ctx context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.InboxStatus, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE marker IS NOT NULL),
		       MIN(received_at) FILTER (WHERE marker IS NULL)
		FROM inbox WHERE tenant_id = $1 AND drive_id = $2`

	status := &model.InboxStatus{}
	err := r.db.QueryRow(ctx, query, tenantID, driveID).Scan(
		&status.TotalItems, &status.ReservedItems, &status.OldestPending,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статуса inbox: %w", err)
	}
	return status, nil
}

// List возвращает все элементы очереди арендатора.
func (r *inboxRepo) List(ctx context.Context, tenantID model.TenantID) ([]*model.InboxItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM inbox
		WHERE tenant_id = $1
		ORDER BY received_at ASC`, inboxColumns)

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки inbox: %w", err)
	}
	defer rows.Close()

	var result []*model.InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования элемента inbox: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации inbox: %w", err)
	}
	return result, nil
}

// Remove принудительно удаляет элемент.
func (r *inboxRepo) Remove(ctx context.Context, tenantID model.TenantID, itemID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM inbox WHERE tenant_id = $1 AND id = $2`, tenantID, itemID)
	if err != nil {
		return fmt.Errorf("ошибка удаления элемента inbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanInboxItem читает один элемент inbox из строки результата.
func scanInboxItem(row pgx.Row) (*model.InboxItem, error) {
	item := &model.InboxItem{}
	var (
		sender   string
		itemType string
	)
	err := row.Scan(
		&item.ID, &item.TenantID, &item.DriveID, &item.FileID, &sender, &itemType,
		&item.Priority, &item.ReceivedAt, &item.Payload, &item.Marker,
	)
	if err != nil {
		return nil, err
	}
	item.Sender = model.HostID(sender)
	item.Type = model.InboxItemType(itemType)
	return item, nil
}
