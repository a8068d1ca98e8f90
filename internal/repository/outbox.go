// outbox.go — репозиторий очереди исходящих передач.
//
// Протокол работы: Enqueue (идемпотентный upsert по (recipient, file)),
// GetNextBatch (резервирование batch свежим checkout stamp),
// RecordAttempt (append попытки; терминальный исход удаляет элемент
// и переносит историю в outbox_history).
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// outboxColumns — список столбцов таблицы outbox для SELECT-запросов.
const outboxColumns = `id, tenant_id, recipient, drive_id, file_id, priority,
	created_at, next_run_time, attempts, checkout_stamp,
	instruction_set, options, auth_token_enc`

// OutboxRepository — интерфейс очереди исходящих передач.
type OutboxRepository interface {
	// Enqueue ставит элемент в очередь. Идемпотентный upsert по ключу
	// (tenant, recipient, drive, file): повторная отправка обновляет
	// элемент, история попыток сохраняется.
	// Возвращает ErrInvalidArgument при пустом получателе или файле.
	Enqueue(ctx context.Context, item *model.OutboxItem) error
	// Get возвращает живой элемент по (recipient, file) или ErrNotFound.
	Get(ctx context.Context, tenantID model.TenantID, recipient model.HostID, file model.InternalFileID) (*model.OutboxItem, error)
	// GetNextBatch резервирует до maxItems свободных дозревших элементов
	// свежим checkout stamp и возвращает их в порядке priority ASC,
	// created_at ASC (устойчивый FIFO внутри класса приоритета).
	// Элементы остаются в таблице — снятие только через RecordAttempt.
	GetNextBatch(ctx context.Context, tenantID model.TenantID, maxItems int) ([]*model.OutboxItem, error)
	// RecordAttempt фиксирует попытку доставки. Терминальный исход
	// удаляет элемент и переносит историю в outbox_history; retryable
	// снимает checkout stamp и назначает next_run_time = nextRun.
	RecordAttempt(ctx context.Context, item *model.OutboxItem, attempt model.TransferAttempt, nextRun time.Time) error
	// ReleaseStamps снимает все checkout stamp арендатора.
	// Вызывается при восстановлении после останова: недоотправленные
	// элементы возвращаются в очередь.
	ReleaseStamps(ctx context.Context, tenantID model.TenantID) error
	// Status возвращает диагностику очереди арендатора.
	Status(ctx context.Context, tenantID model.TenantID) (*model.OutboxStatus, error)
	// NextRunTime возвращает ближайший запланированный момент отправки
	// свободного элемента (nil — очередь пуста).
	NextRunTime(ctx context.Context, tenantID model.TenantID) (*time.Time, error)
	// LiveCountForFile возвращает количество живых элементов очереди,
	// ссылающихся на файл (по всем получателям).
	LiveCountForFile(ctx context.Context, tenantID model.TenantID, file model.InternalFileID) (int, error)
	// History возвращает историю попыток завершённых передач файла.
	History(ctx context.Context, tenantID model.TenantID, file model.InternalFileID) ([]model.TransferAttempt, error)
}

// outboxRepo — реализация OutboxRepository через pgx.
type outboxRepo struct {
	db DBTX
}

// NewOutboxRepository создаёт репозиторий outbox.
func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepo{db: db}
}

// Enqueue ставит элемент в очередь (идемпотентный upsert).
func (r *outboxRepo) Enqueue(ctx context.Context, item *model.OutboxItem) error {
	if !item.Recipient.IsValid() {
		return fmt.Errorf("%w: пустой получатель", ErrInvalidArgument)
	}
	if !item.File.IsValid() {
		return fmt.Errorf("%w: незаполненный идентификатор файла", ErrInvalidArgument)
	}

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextRunTime.IsZero() {
		item.NextRunTime = item.CreatedAt
	}

	instructionSet, err := json.Marshal(item.InstructionSet)
	if err != nil {
		return fmt.Errorf("ошибка сериализации instruction set: %w", err)
	}
	options, err := json.Marshal(item.Options)
	if err != nil {
		return fmt.Errorf("ошибка сериализации options: %w", err)
	}

	// История попыток и checkout stamp при upsert не трогаются:
	// повторная отправка обновляет содержимое, а не жизненный цикл.
	// RETURNING отдаёт фактический id — при конфликте строка сохраняет свой.
	query := `
		INSERT INTO outbox (id, tenant_id, recipient, drive_id, file_id, priority,
			created_at, next_run_time, attempts, instruction_set, options, auth_token_enc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]', $9, $10, $11)
		ON CONFLICT (tenant_id, recipient, drive_id, file_id)
		DO UPDATE SET
			priority        = EXCLUDED.priority,
			next_run_time   = EXCLUDED.next_run_time,
			instruction_set = EXCLUDED.instruction_set,
			options         = EXCLUDED.options,
			auth_token_enc  = EXCLUDED.auth_token_enc
		RETURNING id`

	err = r.db.QueryRow(ctx, query,
		item.ID, item.TenantID, item.Recipient.String(), item.File.DriveID, item.File.FileID,
		item.Priority, item.CreatedAt, item.NextRunTime, instructionSet, options,
		item.EncryptedClientAuthToken,
	).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("ошибка постановки в outbox: %w", err)
	}
	return nil
}

// Get возвращает живой элемент по (recipient, file) или ErrNotFound.
func (r *outboxRepo) Get(ctx context.Context, tenantID model.TenantID, recipient model.HostID, file model.InternalFileID) (*model.OutboxItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM outbox
		WHERE tenant_id = $1 AND recipient = $2 AND drive_id = $3 AND file_id = $4`, outboxColumns)

	item, err := scanOutboxItem(r.db.QueryRow(ctx, query, tenantID, recipient.String(), file.DriveID, file.FileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения элемента outbox: %w", err)
	}
	return item, nil
}

// GetNextBatch резервирует и возвращает очередной batch.
// Два запроса без транзакции: stamp — свежий UUID, гонка исключена
// условием checkout_stamp IS NULL в UPDATE.
func (r *outboxRepo) GetNextBatch(ctx context.Context, tenantID model.TenantID, maxItems int) ([]*model.OutboxItem, error) {
	stamp := uuid.New()

	reserve := `
		UPDATE outbox SET checkout_stamp = $1
		WHERE id IN (
			SELECT id FROM outbox
			WHERE tenant_id = $2 AND checkout_stamp IS NULL AND next_run_time <= now()
			ORDER BY priority ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)`
	if _, err := r.db.Exec(ctx, reserve, stamp, tenantID, maxItems); err != nil {
		return nil, fmt.Errorf("ошибка резервирования batch outbox: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM outbox
		WHERE checkout_stamp = $1
		ORDER BY priority ASC, created_at ASC`, outboxColumns)

	rows, err := r.db.Query(ctx, query, stamp)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки batch outbox: %w", err)
	}
	defer rows.Close()

	var result []*model.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования элемента outbox: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации batch outbox: %w", err)
	}
	return result, nil
}

// RecordAttempt фиксирует попытку доставки.
func (r *outboxRepo) RecordAttempt(ctx context.Context, item *model.OutboxItem, attempt model.TransferAttempt, nextRun time.Time) error {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}

	if attempt.Outcome.IsTerminal() {
		return r.finishItem(ctx, item, attempt)
	}

	attemptJSON, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("ошибка сериализации попытки: %w", err)
	}

	query := `
		UPDATE outbox
		SET attempts = attempts || $1::jsonb,
		    checkout_stamp = NULL,
		    next_run_time = $2
		WHERE id = $3`

	tag, err := r.db.Exec(ctx, query, attemptJSON, nextRun.UTC(), item.ID)
	if err != nil {
		return fmt.Errorf("ошибка записи попытки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// finishItem переносит элемент с терминальным исходом в outbox_history
// и удаляет его из очереди.
func (r *outboxRepo) finishItem(ctx context.Context, item *model.OutboxItem, attempt model.TransferAttempt) error {
	attempts := append(append([]model.TransferAttempt{}, item.Attempts...), attempt)
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("ошибка сериализации истории попыток: %w", err)
	}

	history := `
		INSERT INTO outbox_history (id, tenant_id, recipient, drive_id, file_id, attempts, final_outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.Exec(ctx, history,
		uuid.New(), item.TenantID, item.Recipient.String(),
		item.File.DriveID, item.File.FileID, attemptsJSON, string(attempt.Outcome),
	); err != nil {
		return fmt.Errorf("ошибка записи истории передачи: %w", err)
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, item.ID); err != nil {
		return fmt.Errorf("ошибка удаления элемента outbox: %w", err)
	}
	return nil
}

// ReleaseStamps снимает все checkout stamp арендатора.
func (r *outboxRepo) ReleaseStamps(ctx context.Context, tenantID model.TenantID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE outbox SET checkout_stamp = NULL WHERE tenant_id = $1 AND checkout_stamp IS NOT NULL`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("ошибка снятия checkout stamp: %w", err)
	}
	return nil
}

// Status возвращает диагностику очереди арендатора.
func (r *outboxRepo) Status(ctx context.Context, tenantID model.TenantID) (*model.OutboxStatus, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE checkout_stamp IS NOT NULL),
		       MIN(next_run_time) FILTER (WHERE checkout_stamp IS NULL)
		FROM outbox WHERE tenant_id = $1`

	status := &model.OutboxStatus{}
	err := r.db.QueryRow(ctx, query, tenantID).Scan(
		&status.TotalItems, &status.CheckedOutItems, &status.NextRunTime,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статуса outbox: %w", err)
	}
	return status, nil
}

// NextRunTime возвращает ближайший момент отправки или nil.
func (r *outboxRepo) NextRunTime(ctx context.Context, tenantID model.TenantID) (*time.Time, error) {
	var next *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT MIN(next_run_time) FROM outbox WHERE tenant_id = $1 AND checkout_stamp IS NULL`,
		tenantID,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения next_run_time: %w", err)
	}
	return next, nil
}

// LiveCountForFile возвращает количество живых элементов очереди для файла.
func (r *outboxRepo) LiveCountForFile(ctx context.Context, tenantID model.TenantID, file model.InternalFileID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE tenant_id = $1 AND drive_id = $2 AND file_id = $3`,
		tenantID, file.DriveID, file.FileID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта элементов outbox: %w", err)
	}
	return count, nil
}

// History возвращает историю попыток завершённых передач файла
// (по всем получателям, в порядке записи).
func (r *outboxRepo) History(ctx context.Context, tenantID model.TenantID, file model.InternalFileID) ([]model.TransferAttempt, error) {
	rows, err := r.db.Query(ctx,
		`SELECT attempts FROM outbox_history
		 WHERE tenant_id = $1 AND drive_id = $2 AND file_id = $3
		 ORDER BY recorded_at ASC`,
		tenantID, file.DriveID, file.FileID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки истории передач: %w", err)
	}
	defer rows.Close()

	var result []model.TransferAttempt
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("ошибка сканирования истории: %w", err)
		}
		var attempts []model.TransferAttempt
		if err := json.Unmarshal(raw, &attempts); err != nil {
			return nil, fmt.Errorf("ошибка десериализации истории: %w", err)
		}
		result = append(result, attempts...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации истории: %w", err)
	}
	return result, nil
}

// scanOutboxItem читает один элемент outbox из строки результата.
func scanOutboxItem(row pgx.Row) (*model.OutboxItem, error) {
	item := &model.OutboxItem{}
	var (
		recipient       string
		attemptsRaw     []byte
		instructionsRaw []byte
		optionsRaw      []byte
	)
	err := row.Scan(
		&item.ID, &item.TenantID, &recipient, &item.File.DriveID, &item.File.FileID,
		&item.Priority, &item.CreatedAt, &item.NextRunTime, &attemptsRaw,
		&item.CheckOutStamp, &instructionsRaw, &optionsRaw, &item.EncryptedClientAuthToken,
	)
	if err != nil {
		return nil, err
	}
	item.Recipient = model.HostID(recipient)
	if err := json.Unmarshal(attemptsRaw, &item.Attempts); err != nil {
		return nil, fmt.Errorf("ошибка десериализации попыток: %w", err)
	}
	if err := json.Unmarshal(instructionsRaw, &item.InstructionSet); err != nil {
		return nil, fmt.Errorf("ошибка десериализации instruction set: %w", err)
	}
	if err := json.Unmarshal(optionsRaw, &item.Options); err != nil {
		return nil, fmt.Errorf("ошибка десериализации options: %w", err)
	}
	return item, nil
}
