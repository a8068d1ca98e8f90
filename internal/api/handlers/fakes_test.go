// fakes_test.go — репозитории в памяти для тестов HTTP API.
// Упрощённые аналоги SQL-реализаций: достаточно семантики,
// наблюдаемой через HTTP-поверхность.
package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// --- Арендаторы ---

type fakeTenantRepo struct {
	tenants []*model.Tenant
}

func (r *fakeTenantRepo) GetByHostID(_ context.Context, hostID model.HostID) (*model.Tenant, error) {
	for _, t := range r.tenants {
		if t.HostID == hostID {
			return t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeTenantRepo) Get(_ context.Context, tenantID model.TenantID) (*model.Tenant, error) {
	for _, t := range r.tenants {
		if t.TenantID == tenantID {
			return t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeTenantRepo) List(_ context.Context) ([]*model.Tenant, error) { return r.tenants, nil }

func (r *fakeTenantRepo) Create(_ context.Context, tenant *model.Tenant) error {
	r.tenants = append(r.tenants, tenant)
	return nil
}

// --- Drives ---

type fakeDriveRepo struct {
	drives []*model.Drive
}

func (r *fakeDriveRepo) ResolveTargetDrive(_ context.Context, tenantID model.TenantID, target model.TargetDrive) (model.DriveID, error) {
	for _, d := range r.drives {
		if d.TenantID == tenantID && d.TargetDrive == target {
			return d.DriveID, nil
		}
	}
	return model.DriveID(uuid.Nil), repository.ErrNotFound
}

func (r *fakeDriveRepo) Get(_ context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.Drive, error) {
	for _, d := range r.drives {
		if d.TenantID == tenantID && d.DriveID == driveID {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDriveRepo) Create(_ context.Context, drive *model.Drive) error {
	for _, d := range r.drives {
		if d.TenantID == drive.TenantID && d.TargetDrive == drive.TargetDrive {
			return repository.ErrConflict
		}
	}
	r.drives = append(r.drives, drive)
	return nil
}

// --- Соединения ---

type connKey struct {
	tenant model.TenantID
	host   model.HostID
}

type grantKey struct {
	tenant model.TenantID
	host   model.HostID
	drive  model.DriveID
}

type fakeConnectionRepo struct {
	mu     sync.Mutex
	conns  map[connKey]*model.Connection
	grants map[grantKey]bool
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{
		conns:  make(map[connKey]*model.Connection),
		grants: make(map[grantKey]bool),
	}
}

func (r *fakeConnectionRepo) Get(_ context.Context, tenantID model.TenantID, remoteHost model.HostID) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connKey{tenantID, remoteHost}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return conn, nil
}

func (r *fakeConnectionRepo) Upsert(_ context.Context, conn *model.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connKey{conn.TenantID, conn.RemoteHost}] = conn
	return nil
}

func (r *fakeConnectionRepo) SetStatus(_ context.Context, tenantID model.TenantID, remoteHost model.HostID, status model.ConnectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connKey{tenantID, remoteHost}]
	if !ok {
		return repository.ErrNotFound
	}
	conn.Status = status
	return nil
}

func (r *fakeConnectionRepo) GrantDriveWrite(_ context.Context, tenantID model.TenantID, remoteHost model.HostID, driveID model.DriveID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connKey{tenantID, remoteHost}]; !ok {
		return repository.ErrNotFound
	}
	r.grants[grantKey{tenantID, remoteHost, driveID}] = true
	return nil
}

func (r *fakeConnectionRepo) CanWriteToDrive(_ context.Context, tenantID model.TenantID, remoteHost model.HostID, driveID model.DriveID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connKey{tenantID, remoteHost}]
	if !ok || conn.Status != model.ConnectionStatusConnected {
		return false, nil
	}
	return r.grants[grantKey{tenantID, remoteHost, driveID}], nil
}

func (r *fakeConnectionRepo) ListConnected(_ context.Context, tenantID model.TenantID) ([]*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Connection
	for key, conn := range r.conns {
		if key.tenant == tenantID && conn.Status == model.ConnectionStatusConnected {
			result = append(result, conn)
		}
	}
	return result, nil
}

// --- Ключи хоста ---

type fakeHostKeyRepo struct {
	records []*repository.HostKeyRecord
}

func (r *fakeHostKeyRepo) Insert(_ context.Context, rec *repository.HostKeyRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeHostKeyRepo) GetCurrent(_ context.Context, tenantID model.TenantID) (*repository.HostKeyRecord, error) {
	var current *repository.HostKeyRecord
	for _, rec := range r.records {
		if rec.TenantID != tenantID {
			continue
		}
		if current == nil || rec.ExpiresAt.After(current.ExpiresAt) {
			current = rec
		}
	}
	if current == nil {
		return nil, repository.ErrNotFound
	}
	return current, nil
}

func (r *fakeHostKeyRepo) GetByCRC(_ context.Context, tenantID model.TenantID, crc uint32) (*repository.HostKeyRecord, error) {
	for _, rec := range r.records {
		if rec.TenantID == tenantID && rec.CRC32C == crc {
			return rec, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeHostKeyRepo) ListValid(_ context.Context, tenantID model.TenantID, cutoff time.Time) ([]*repository.HostKeyRecord, error) {
	var result []*repository.HostKeyRecord
	for _, rec := range r.records {
		if rec.TenantID == tenantID && rec.ExpiresAt.After(cutoff) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (r *fakeHostKeyRepo) DeleteExpiredBefore(_ context.Context, tenantID model.TenantID, cutoff time.Time) (int, error) {
	var kept []*repository.HostKeyRecord
	removed := 0
	for _, rec := range r.records {
		if rec.TenantID == tenantID && rec.ExpiresAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return removed, nil
}

// --- Inbox ---

type fakeInboxRepo struct {
	mu    sync.Mutex
	items []*model.InboxItem
}

func (r *fakeInboxRepo) Add(_ context.Context, item *model.InboxItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *item
	cp.ID = uuid.New()
	cp.ReceivedAt = time.Now().UTC()
	r.items = append(r.items, &cp)
	return nil
}

func (r *fakeInboxRepo) Reserve(_ context.Context, tenantID model.TenantID, driveID model.DriveID, batchSize int) (uuid.UUID, []*model.InboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	marker := uuid.New()
	var batch []*model.InboxItem
	for _, it := range r.items {
		if len(batch) >= batchSize {
			break
		}
		if it.TenantID == tenantID && it.DriveID == driveID && it.Marker == nil {
			m := marker
			it.Marker = &m
			batch = append(batch, it)
		}
	}
	return marker, batch, nil
}

func (r *fakeInboxRepo) Commit(_ context.Context, marker uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*model.InboxItem
	for _, it := range r.items {
		if it.Marker == nil || *it.Marker != marker {
			kept = append(kept, it)
		}
	}
	r.items = kept
	return nil
}

func (r *fakeInboxRepo) CommitItem(_ context.Context, marker uuid.UUID, itemID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*model.InboxItem
	for _, it := range r.items {
		if it.ID == itemID && it.Marker != nil && *it.Marker == marker {
			continue
		}
		kept = append(kept, it)
	}
	r.items = kept
	return nil
}

func (r *fakeInboxRepo) Cancel(_ context.Context, marker uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.Marker != nil && *it.Marker == marker {
			it.Marker = nil
		}
	}
	return nil
}

func (r *fakeInboxRepo) CancelAll(_ context.Context, tenantID model.TenantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.TenantID == tenantID {
			it.Marker = nil
		}
	}
	return nil
}

func (r *fakeInboxRepo) PendingCount(_ context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.InboxStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := &model.InboxStatus{}
	for _, it := range r.items {
		if it.TenantID != tenantID || it.DriveID != driveID {
			continue
		}
		status.TotalItems++
		if it.Marker != nil {
			status.ReservedItems++
		} else if status.OldestPending == nil || it.ReceivedAt.Before(*status.OldestPending) {
			ts := it.ReceivedAt
			status.OldestPending = &ts
		}
	}
	return status, nil
}

func (r *fakeInboxRepo) List(_ context.Context, tenantID model.TenantID) ([]*model.InboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.InboxItem
	for _, it := range r.items {
		if it.TenantID == tenantID {
			result = append(result, it)
		}
	}
	return result, nil
}

func (r *fakeInboxRepo) Remove(_ context.Context, tenantID model.TenantID, itemID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.items {
		if it.TenantID == tenantID && it.ID == itemID {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *fakeInboxRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// --- Outbox ---

type fakeOutboxRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.OutboxItem
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{items: make(map[uuid.UUID]*model.OutboxItem)}
}

func (r *fakeOutboxRepo) Enqueue(_ context.Context, item *model.OutboxItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing.TenantID == item.TenantID && existing.Recipient == item.Recipient && existing.File == item.File {
			item.ID = existing.ID
			*existing = *item
			return nil
		}
	}
	item.ID = uuid.New()
	item.CreatedAt = time.Now().UTC()
	cp := *item
	r.items[item.ID] = &cp
	return nil
}

func (r *fakeOutboxRepo) Get(_ context.Context, tenantID model.TenantID, recipient model.HostID, file model.InternalFileID) (*model.OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.TenantID == tenantID && it.Recipient == recipient && it.File == file {
			return it, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeOutboxRepo) GetNextBatch(_ context.Context, tenantID model.TenantID, maxItems int) ([]*model.OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var batch []*model.OutboxItem
	for _, it := range r.items {
		if len(batch) >= maxItems {
			break
		}
		if it.TenantID == tenantID && it.CheckOutStamp == nil && !it.NextRunTime.After(time.Now()) {
			stamp := uuid.New()
			it.CheckOutStamp = &stamp
			batch = append(batch, it)
		}
	}
	return batch, nil
}

func (r *fakeOutboxRepo) RecordAttempt(_ context.Context, item *model.OutboxItem, attempt model.TransferAttempt, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[item.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if attempt.Outcome.IsTerminal() {
		delete(r.items, item.ID)
		return nil
	}
	stored.Attempts = append(stored.Attempts, attempt)
	stored.CheckOutStamp = nil
	stored.NextRunTime = nextRun
	return nil
}

func (r *fakeOutboxRepo) ReleaseStamps(_ context.Context, tenantID model.TenantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.TenantID == tenantID {
			it.CheckOutStamp = nil
		}
	}
	return nil
}

func (r *fakeOutboxRepo) Status(_ context.Context, tenantID model.TenantID) (*model.OutboxStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := &model.OutboxStatus{}
	for _, it := range r.items {
		if it.TenantID != tenantID {
			continue
		}
		status.TotalItems++
		if it.CheckOutStamp != nil {
			status.CheckedOutItems++
		}
	}
	return status, nil
}

func (r *fakeOutboxRepo) NextRunTime(_ context.Context, tenantID model.TenantID) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *time.Time
	for _, it := range r.items {
		if it.TenantID == tenantID && it.CheckOutStamp == nil {
			if next == nil || it.NextRunTime.Before(*next) {
				ts := it.NextRunTime
				next = &ts
			}
		}
	}
	return next, nil
}

func (r *fakeOutboxRepo) LiveCountForFile(_ context.Context, tenantID model.TenantID, file model.InternalFileID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, it := range r.items {
		if it.TenantID == tenantID && it.File == file {
			count++
		}
	}
	return count, nil
}

func (r *fakeOutboxRepo) History(_ context.Context, _ model.TenantID, _ model.InternalFileID) ([]model.TransferAttempt, error) {
	return nil, nil
}

// --- Реестр файлов drive ---

type driveFileKey struct {
	drive model.DriveID
	file  model.FileID
}

type fakeDriveFileRepo struct {
	mu   sync.Mutex
	recs map[driveFileKey]*model.DriveFileRecord
}

func newFakeDriveFileRepo() *fakeDriveFileRepo {
	return &fakeDriveFileRepo{recs: make(map[driveFileKey]*model.DriveFileRecord)}
}

func (r *fakeDriveFileRepo) UpsertByGlobalTransitID(_ context.Context, rec *model.DriveFileRecord) (model.FileID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.recs {
		if existing.DriveID == rec.DriveID && existing.GlobalTransitID != nil && rec.GlobalTransitID != nil &&
			*existing.GlobalTransitID == *rec.GlobalTransitID {
			existing.Metadata = rec.Metadata
			existing.UpdatedAt = time.Now().UTC()
			return existing.FileID, false, nil
		}
	}
	if rec.FileID == uuid.Nil {
		rec.FileID = uuid.New()
	}
	cp := *rec
	r.recs[driveFileKey{rec.DriveID, rec.FileID}] = &cp
	return rec.FileID, true, nil
}

func (r *fakeDriveFileRepo) Upsert(_ context.Context, rec *model.DriveFileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.recs[driveFileKey{rec.DriveID, rec.FileID}] = &cp
	return nil
}

func (r *fakeDriveFileRepo) Get(_ context.Context, _ model.TenantID, file model.InternalFileID) (*model.DriveFileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[driveFileKey{file.DriveID, file.FileID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func (r *fakeDriveFileRepo) GetByGlobalTransitID(_ context.Context, _ model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (*model.DriveFileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.DriveID == driveID && rec.GlobalTransitID != nil && *rec.GlobalTransitID == gtid {
			return rec, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDriveFileRepo) AssignGlobalTransitID(_ context.Context, _ model.TenantID, file model.InternalFileID, gtid model.GlobalTransitID) (model.GlobalTransitID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[driveFileKey{file.DriveID, file.FileID}]
	if !ok {
		return gtid, repository.ErrNotFound
	}
	if rec.GlobalTransitID != nil {
		return *rec.GlobalTransitID, nil
	}
	rec.GlobalTransitID = &gtid
	return gtid, nil
}

func (r *fakeDriveFileRepo) DeleteByGlobalTransitID(_ context.Context, _ model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rec := range r.recs {
		if rec.DriveID == driveID && rec.GlobalTransitID != nil && *rec.GlobalTransitID == gtid {
			delete(r.recs, key)
			return true, nil
		}
	}
	return false, nil
}
