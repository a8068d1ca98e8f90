package transit

// fakes_test.go — in-memory репозитории для unit-тестов пакета.
// Поведенческие инварианты (резервирование, upsert, терминальные исходы)
// повторяют SQL-реализации из internal/repository.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/repository"
)

// --- outbox ---

type fakeOutboxRepo struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*model.OutboxItem
	history map[string][]model.TransferAttempt
	finals  map[string]model.AttemptOutcome
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{
		items:   make(map[uuid.UUID]*model.OutboxItem),
		history: make(map[string][]model.TransferAttempt),
		finals:  make(map[string]model.AttemptOutcome),
	}
}

func outboxKey(recipient model.HostID, file model.InternalFileID) string {
	return recipient.String() + "/" + file.String()
}

func (f *fakeOutboxRepo) Enqueue(_ context.Context, item *model.OutboxItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextRunTime.IsZero() {
		item.NextRunTime = item.CreatedAt
	}
	for _, existing := range f.items {
		if existing.Recipient == item.Recipient && existing.File == item.File {
			existing.Priority = item.Priority
			existing.NextRunTime = item.NextRunTime
			existing.InstructionSet = item.InstructionSet
			existing.Options = item.Options
			existing.EncryptedClientAuthToken = item.EncryptedClientAuthToken
			*item = *existing
			return nil
		}
	}
	cp := *item
	f.items[item.ID] = &cp
	return nil
}

func (f *fakeOutboxRepo) Get(_ context.Context, _ model.TenantID, recipient model.HostID, file model.InternalFileID) (*model.OutboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.Recipient == recipient && item.File == file {
			cp := *item
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeOutboxRepo) GetNextBatch(_ context.Context, tenantID model.TenantID, maxItems int) ([]*model.OutboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stamp := uuid.New()
	var free []*model.OutboxItem
	now := time.Now()
	for _, item := range f.items {
		if item.TenantID == tenantID && item.CheckOutStamp == nil && !item.NextRunTime.After(now) {
			free = append(free, item)
		}
	}
	sort.Slice(free, func(i, j int) bool {
		if free[i].Priority != free[j].Priority {
			return free[i].Priority < free[j].Priority
		}
		return free[i].CreatedAt.Before(free[j].CreatedAt)
	})
	if len(free) > maxItems {
		free = free[:maxItems]
	}
	var out []*model.OutboxItem
	for _, item := range free {
		item.CheckOutStamp = &stamp
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeOutboxRepo) RecordAttempt(_ context.Context, item *model.OutboxItem, attempt model.TransferAttempt, nextRun time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.items[item.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if attempt.Outcome.IsTerminal() {
		key := outboxKey(item.Recipient, item.File)
		f.history[key] = append(f.history[key], append(append([]model.TransferAttempt{}, stored.Attempts...), attempt)...)
		f.finals[key] = attempt.Outcome
		delete(f.items, item.ID)
		return nil
	}
	stored.Attempts = append(stored.Attempts, attempt)
	stored.CheckOutStamp = nil
	stored.NextRunTime = nextRun
	return nil
}

func (f *fakeOutboxRepo) ReleaseStamps(_ context.Context, tenantID model.TenantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.TenantID == tenantID {
			item.CheckOutStamp = nil
		}
	}
	return nil
}

func (f *fakeOutboxRepo) Status(_ context.Context, tenantID model.TenantID) (*model.OutboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := &model.OutboxStatus{}
	for _, item := range f.items {
		if item.TenantID != tenantID {
			continue
		}
		status.TotalItems++
		if item.CheckOutStamp != nil {
			status.CheckedOutItems++
		}
	}
	return status, nil
}

func (f *fakeOutboxRepo) NextRunTime(_ context.Context, tenantID model.TenantID) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next *time.Time
	for _, item := range f.items {
		if item.TenantID == tenantID && item.CheckOutStamp == nil {
			t := item.NextRunTime
			if next == nil || t.Before(*next) {
				next = &t
			}
		}
	}
	return next, nil
}

func (f *fakeOutboxRepo) LiveCountForFile(_ context.Context, tenantID model.TenantID, file model.InternalFileID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, item := range f.items {
		if item.TenantID == tenantID && item.File == file {
			count++
		}
	}
	return count, nil
}

func (f *fakeOutboxRepo) History(_ context.Context, _ model.TenantID, file model.InternalFileID) ([]model.TransferAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TransferAttempt
	for key, attempts := range f.history {
		if len(key) > len(file.String()) && key[len(key)-len(file.String()):] == file.String() {
			out = append(out, attempts...)
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fakeOutboxRepo) finalOutcome(recipient model.HostID, file model.InternalFileID) (model.AttemptOutcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome, ok := f.finals[outboxKey(recipient, file)]
	return outcome, ok
}

// --- inbox ---

type fakeInboxRepo struct {
	mu    sync.Mutex
	items []*model.InboxItem
}

func (f *fakeInboxRepo) Add(_ context.Context, item *model.InboxItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now().UTC()
	}
	cp := *item
	f.items = append(f.items, &cp)
	return nil
}

func (f *fakeInboxRepo) Reserve(_ context.Context, tenantID model.TenantID, driveID model.DriveID, batchSize int) (uuid.UUID, []*model.InboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	marker := uuid.New()
	var pending []*model.InboxItem
	for _, item := range f.items {
		if item.TenantID == tenantID && item.DriveID == driveID && item.Marker == nil {
			pending = append(pending, item)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].ReceivedAt.Before(pending[j].ReceivedAt)
	})
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	var out []*model.InboxItem
	for _, item := range pending {
		item.Marker = &marker
		cp := *item
		out = append(out, &cp)
	}
	return marker, out, nil
}

func (f *fakeInboxRepo) Commit(_ context.Context, marker uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	for _, item := range f.items {
		if item.Marker == nil || *item.Marker != marker {
			kept = append(kept, item)
		}
	}
	f.items = kept
	return nil
}

func (f *fakeInboxRepo) CommitItem(_ context.Context, marker uuid.UUID, itemID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.items {
		if item.ID == itemID && item.Marker != nil && *item.Marker == marker {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeInboxRepo) Cancel(_ context.Context, marker uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.Marker != nil && *item.Marker == marker {
			item.Marker = nil
		}
	}
	return nil
}

func (f *fakeInboxRepo) CancelAll(_ context.Context, tenantID model.TenantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.TenantID == tenantID {
			item.Marker = nil
		}
	}
	return nil
}

func (f *fakeInboxRepo) PendingCount(_ context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.InboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := &model.InboxStatus{}
	for _, item := range f.items {
		if item.TenantID != tenantID || item.DriveID != driveID {
			continue
		}
		status.TotalItems++
		if item.Marker != nil {
			status.ReservedItems++
		}
	}
	return status, nil
}

func (f *fakeInboxRepo) List(_ context.Context, tenantID model.TenantID) ([]*model.InboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.InboxItem
	for _, item := range f.items {
		if item.TenantID == tenantID {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeInboxRepo) Remove(_ context.Context, tenantID model.TenantID, itemID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.items {
		if item.TenantID == tenantID && item.ID == itemID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeInboxRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// --- drive files ---

type fakeDriveFileRepo struct {
	mu   sync.Mutex
	recs map[string]*model.DriveFileRecord // по локальному адресу

	// failUpsert имитирует временную ошибку БД.
	failUpsert error
}

func newFakeDriveFileRepo() *fakeDriveFileRepo {
	return &fakeDriveFileRepo{recs: make(map[string]*model.DriveFileRecord)}
}

func driveFileKey(driveID model.DriveID, fileID model.FileID) string {
	return fmt.Sprintf("%s/%s", uuid.UUID(driveID), uuid.UUID(fileID))
}

func (f *fakeDriveFileRepo) UpsertByGlobalTransitID(_ context.Context, rec *model.DriveFileRecord) (model.FileID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert != nil {
		return model.FileID{}, false, f.failUpsert
	}
	for _, existing := range f.recs {
		if existing.DriveID == rec.DriveID && existing.GlobalTransitID != nil &&
			rec.GlobalTransitID != nil && *existing.GlobalTransitID == *rec.GlobalTransitID {
			existing.Metadata = rec.Metadata
			existing.Sender = rec.Sender
			existing.UpdatedAt = time.Now().UTC()
			return existing.FileID, false, nil
		}
	}
	cp := *rec
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	f.recs[driveFileKey(rec.DriveID, rec.FileID)] = &cp
	return rec.FileID, true, nil
}

func (f *fakeDriveFileRepo) Upsert(_ context.Context, rec *model.DriveFileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs[driveFileKey(rec.DriveID, rec.FileID)] = &cp
	return nil
}

func (f *fakeDriveFileRepo) Get(_ context.Context, _ model.TenantID, file model.InternalFileID) (*model.DriveFileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[driveFileKey(file.DriveID, file.FileID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDriveFileRepo) GetByGlobalTransitID(_ context.Context, _ model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (*model.DriveFileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.DriveID == driveID && rec.GlobalTransitID != nil && *rec.GlobalTransitID == gtid {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDriveFileRepo) AssignGlobalTransitID(_ context.Context, _ model.TenantID, file model.InternalFileID, gtid model.GlobalTransitID) (model.GlobalTransitID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[driveFileKey(file.DriveID, file.FileID)]
	if !ok {
		return model.GlobalTransitID{}, repository.ErrNotFound
	}
	if rec.GlobalTransitID != nil {
		return *rec.GlobalTransitID, nil
	}
	rec.GlobalTransitID = &gtid
	return gtid, nil
}

func (f *fakeDriveFileRepo) DeleteByGlobalTransitID(_ context.Context, _ model.TenantID, driveID model.DriveID, gtid model.GlobalTransitID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.recs {
		if rec.DriveID == driveID && rec.GlobalTransitID != nil && *rec.GlobalTransitID == gtid {
			delete(f.recs, key)
			return true, nil
		}
	}
	return false, nil
}

// --- tenants и drives ---

type fakeTenantRepo struct {
	tenants map[model.TenantID]*model.Tenant
}

func newFakeTenantRepo(tenants ...*model.Tenant) *fakeTenantRepo {
	f := &fakeTenantRepo{tenants: make(map[model.TenantID]*model.Tenant)}
	for _, tenant := range tenants {
		f.tenants[tenant.TenantID] = tenant
	}
	return f
}

func (f *fakeTenantRepo) GetByHostID(_ context.Context, hostID model.HostID) (*model.Tenant, error) {
	for _, tenant := range f.tenants {
		if tenant.HostID == hostID {
			return tenant, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeTenantRepo) Get(_ context.Context, tenantID model.TenantID) (*model.Tenant, error) {
	tenant, ok := f.tenants[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return tenant, nil
}

func (f *fakeTenantRepo) List(_ context.Context) ([]*model.Tenant, error) {
	var out []*model.Tenant
	for _, tenant := range f.tenants {
		out = append(out, tenant)
	}
	return out, nil
}

func (f *fakeTenantRepo) Create(_ context.Context, tenant *model.Tenant) error {
	f.tenants[tenant.TenantID] = tenant
	return nil
}

type fakeDriveRepo struct {
	drives map[model.DriveID]*model.Drive
}

func newFakeDriveRepo(drives ...*model.Drive) *fakeDriveRepo {
	f := &fakeDriveRepo{drives: make(map[model.DriveID]*model.Drive)}
	for _, d := range drives {
		f.drives[d.DriveID] = d
	}
	return f
}

func (f *fakeDriveRepo) ResolveTargetDrive(_ context.Context, tenantID model.TenantID, target model.TargetDrive) (model.DriveID, error) {
	for _, d := range f.drives {
		if d.TenantID == tenantID && d.TargetDrive == target {
			return d.DriveID, nil
		}
	}
	return model.DriveID(uuid.Nil), repository.ErrNotFound
}

func (f *fakeDriveRepo) Get(_ context.Context, _ model.TenantID, driveID model.DriveID) (*model.Drive, error) {
	d, ok := f.drives[driveID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (f *fakeDriveRepo) Create(_ context.Context, d *model.Drive) error {
	f.drives[d.DriveID] = d
	return nil
}

// --- connections ---

type fakeConnectionRepo struct {
	mu     sync.Mutex
	conns  map[model.HostID]*model.Connection
	grants map[model.HostID]map[model.DriveID]bool
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{
		conns:  make(map[model.HostID]*model.Connection),
		grants: make(map[model.HostID]map[model.DriveID]bool),
	}
}

func (f *fakeConnectionRepo) Get(_ context.Context, _ model.TenantID, remoteHost model.HostID) (*model.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[remoteHost]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return conn, nil
}

func (f *fakeConnectionRepo) Upsert(_ context.Context, conn *model.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[conn.RemoteHost] = conn
	return nil
}

func (f *fakeConnectionRepo) SetStatus(_ context.Context, _ model.TenantID, remoteHost model.HostID, status model.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[remoteHost]
	if !ok {
		return repository.ErrNotFound
	}
	conn.Status = status
	return nil
}

func (f *fakeConnectionRepo) GrantDriveWrite(_ context.Context, _ model.TenantID, remoteHost model.HostID, driveID model.DriveID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants[remoteHost] == nil {
		f.grants[remoteHost] = make(map[model.DriveID]bool)
	}
	f.grants[remoteHost][driveID] = true
	return nil
}

func (f *fakeConnectionRepo) CanWriteToDrive(_ context.Context, _ model.TenantID, remoteHost model.HostID, driveID model.DriveID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[remoteHost]
	if !ok || conn.Status != model.ConnectionStatusConnected {
		return false, nil
	}
	return f.grants[remoteHost][driveID], nil
}

func (f *fakeConnectionRepo) ListConnected(_ context.Context, _ model.TenantID) ([]*model.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Connection
	for _, conn := range f.conns {
		if conn.Status == model.ConnectionStatusConnected {
			out = append(out, conn)
		}
	}
	return out, nil
}

// --- host keys ---

type fakeHostKeyRepo struct {
	mu   sync.Mutex
	recs []*repository.HostKeyRecord
}

func (f *fakeHostKeyRepo) Insert(_ context.Context, rec *repository.HostKeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.KeyID == uuid.Nil {
		rec.KeyID = uuid.New()
	}
	rec.CreatedAt = time.Now()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeHostKeyRepo) GetCurrent(_ context.Context, tenantID model.TenantID) (*repository.HostKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *repository.HostKeyRecord
	for _, rec := range f.recs {
		if rec.TenantID != tenantID || !rec.ExpiresAt.After(time.Now()) {
			continue
		}
		if best == nil || rec.ExpiresAt.After(best.ExpiresAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (f *fakeHostKeyRepo) GetByCRC(_ context.Context, tenantID model.TenantID, crc uint32) (*repository.HostKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.recs) - 1; i >= 0; i-- {
		if f.recs[i].TenantID == tenantID && f.recs[i].CRC32C == crc {
			return f.recs[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeHostKeyRepo) ListValid(_ context.Context, tenantID model.TenantID, cutoff time.Time) ([]*repository.HostKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.HostKeyRecord
	for _, rec := range f.recs {
		if rec.TenantID == tenantID && rec.ExpiresAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeHostKeyRepo) DeleteExpiredBefore(_ context.Context, tenantID model.TenantID, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.recs[:0]
	removed := 0
	for _, rec := range f.recs {
		if rec.TenantID == tenantID && rec.ExpiresAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	f.recs = kept
	return removed, nil
}
