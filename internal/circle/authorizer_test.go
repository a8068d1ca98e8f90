package circle

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/repository"
)

// fakeConnections — in-memory реестр соединений для тестов.
type fakeConnections struct {
	conns  map[model.HostID]*model.Connection
	grants map[model.HostID]map[model.DriveID]bool
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{
		conns:  make(map[model.HostID]*model.Connection),
		grants: make(map[model.HostID]map[model.DriveID]bool),
	}
}

func (f *fakeConnections) Get(_ context.Context, _ model.TenantID, remoteHost model.HostID) (*model.Connection, error) {
	conn, ok := f.conns[remoteHost]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return conn, nil
}

func (f *fakeConnections) Upsert(_ context.Context, conn *model.Connection) error {
	f.conns[conn.RemoteHost] = conn
	return nil
}

func (f *fakeConnections) SetStatus(_ context.Context, _ model.TenantID, remoteHost model.HostID, status model.ConnectionStatus) error {
	conn, ok := f.conns[remoteHost]
	if !ok {
		return repository.ErrNotFound
	}
	conn.Status = status
	return nil
}

func (f *fakeConnections) GrantDriveWrite(_ context.Context, _ model.TenantID, remoteHost model.HostID, driveID model.DriveID) error {
	if f.grants[remoteHost] == nil {
		f.grants[remoteHost] = make(map[model.DriveID]bool)
	}
	f.grants[remoteHost][driveID] = true
	return nil
}

func (f *fakeConnections) CanWriteToDrive(_ context.Context, _ model.TenantID, remoteHost model.HostID, driveID model.DriveID) (bool, error) {
	conn, ok := f.conns[remoteHost]
	if !ok || conn.Status != model.ConnectionStatusConnected {
		return false, nil
	}
	return f.grants[remoteHost][driveID], nil
}

func (f *fakeConnections) ListConnected(_ context.Context, _ model.TenantID) ([]*model.Connection, error) {
	var out []*model.Connection
	for _, conn := range f.conns {
		if conn.Status == model.ConnectionStatusConnected {
			out = append(out, conn)
		}
	}
	return out, nil
}

// fakeSigner выпускает фиксированный токен.
type fakeSigner struct{ token string }

func (f *fakeSigner) SignConnectionToken(context.Context, model.TenantID, model.HostID, model.HostID, time.Duration) (string, error) {
	return f.token, nil
}

func newTestAuthorizer(t *testing.T, conns repository.ConnectionRepository, token string) *Authorizer {
	t.Helper()
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		t.Fatalf("ошибка генерации мастер-ключа: %v", err)
	}
	return NewAuthorizer(conns, &fakeSigner{token: token}, master)
}

func TestAuthorizer_EstablishIssuesTokenForPeer(t *testing.T) {
	conns := newFakeConnections()
	a := newTestAuthorizer(t, conns, "signed-token")
	tenantID := model.TenantID(uuid.New())

	conn, issued, err := a.Establish(context.Background(), tenantID, "alice.example.com", "bob.example.com", time.Hour)
	if err != nil {
		t.Fatalf("ошибка установления соединения: %v", err)
	}
	if conn.Status != model.ConnectionStatusConnected {
		t.Errorf("ожидался статус connected, получено %s", conn.Status)
	}
	if issued != "signed-token" {
		t.Errorf("выпущенный токен = %q, ожидался signed-token", issued)
	}
	// Выпущенный токен предназначен peer'у и в реестре не хранится —
	// исходящие доставки используют токен, выпущенный получателем.
	if len(conn.EncryptedAuthToken) != 0 {
		t.Error("Establish не должен записывать собственный токен в реестр")
	}
	if _, err := a.EncryptedTokenFor(context.Background(), tenantID, "bob.example.com"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("до импорта токена получателя ожидалась ErrNotConnected, получено %v", err)
	}
}

func TestAuthorizer_ImportPeerTokenAndDecrypt(t *testing.T) {
	conns := newFakeConnections()
	a := newTestAuthorizer(t, conns, "own-token")
	tenantID := model.TenantID(uuid.New())

	if _, _, err := a.Establish(context.Background(), tenantID, "alice.example.com", "bob.example.com", time.Hour); err != nil {
		t.Fatalf("ошибка установления соединения: %v", err)
	}
	if err := a.ImportPeerToken(context.Background(), tenantID, "bob.example.com", "issued-by-bob"); err != nil {
		t.Fatalf("ошибка импорта токена получателя: %v", err)
	}

	conn, err := conns.Get(context.Background(), tenantID, "bob.example.com")
	if err != nil {
		t.Fatalf("чтение соединения: %v", err)
	}
	if string(conn.EncryptedAuthToken) == "issued-by-bob" {
		t.Fatal("токен должен храниться зашифрованным")
	}

	tokenEnc, err := a.EncryptedTokenFor(context.Background(), tenantID, "bob.example.com")
	if err != nil {
		t.Fatalf("ошибка получения токена: %v", err)
	}
	token, err := a.DecryptToken(tokenEnc)
	if err != nil {
		t.Fatalf("ошибка расшифровки токена: %v", err)
	}
	if token != "issued-by-bob" {
		t.Errorf("ожидался токен issued-by-bob, получено %q", token)
	}
}

func TestAuthorizer_ImportPeerToken_CreatesConnection(t *testing.T) {
	conns := newFakeConnections()
	a := newTestAuthorizer(t, conns, "t")
	tenantID := model.TenantID(uuid.New())

	// Импорт без предварительного Establish создаёт соединение:
	// инициатором установки мог выступить удалённый хост.
	if err := a.ImportPeerToken(context.Background(), tenantID, "bob.example.com", "issued-by-bob"); err != nil {
		t.Fatalf("ошибка импорта токена: %v", err)
	}
	if _, err := a.EncryptedTokenFor(context.Background(), tenantID, "bob.example.com"); err != nil {
		t.Errorf("после импорта токен должен быть доступен: %v", err)
	}
}

func TestAuthorizer_ImportPeerToken_Blocked(t *testing.T) {
	conns := newFakeConnections()
	a := newTestAuthorizer(t, conns, "t")
	tenantID := model.TenantID(uuid.New())

	if _, _, err := a.Establish(context.Background(), tenantID, "alice.example.com", "bob.example.com", time.Hour); err != nil {
		t.Fatalf("ошибка установления соединения: %v", err)
	}
	if err := conns.SetStatus(context.Background(), tenantID, "bob.example.com", model.ConnectionStatusBlocked); err != nil {
		t.Fatalf("ошибка блокировки: %v", err)
	}

	if err := a.ImportPeerToken(context.Background(), tenantID, "bob.example.com", "issued-by-bob"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("заблокированное соединение не должно принимать токен, получено %v", err)
	}
}

func TestAuthorizer_ReEstablishKeepsImportedToken(t *testing.T) {
	conns := newFakeConnections()
	a := newTestAuthorizer(t, conns, "own-token")
	tenantID := model.TenantID(uuid.New())

	if err := a.ImportPeerToken(context.Background(), tenantID, "bob.example.com", "issued-by-bob"); err != nil {
		t.Fatalf("ошибка импорта токена: %v", err)
	}
	if _, _, err := a.Establish(context.Background(), tenantID, "alice.example.com", "bob.example.com", time.Hour); err != nil {
		t.Fatalf("ошибка повторного установления: %v", err)
	}

	tokenEnc, err := a.EncryptedTokenFor(context.Background(), tenantID, "bob.example.com")
	if err != nil {
		t.Fatalf("ошибка получения токена: %v", err)
	}
	if token, err := a.DecryptToken(tokenEnc); err != nil || token != "issued-by-bob" {
		t.Errorf("повторный Establish не должен затирать импортированный токен: %q, %v", token, err)
	}
}

func TestAuthorizer_EncryptedTokenFor_NotConnected(t *testing.T) {
	a := newTestAuthorizer(t, newFakeConnections(), "t")

	_, err := a.EncryptedTokenFor(context.Background(), model.TenantID(uuid.New()), "stranger.example.com")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("ожидалась ошибка ErrNotConnected, получено %v", err)
	}
}

func TestAuthorizer_EncryptedTokenFor_Blocked(t *testing.T) {
	conns := newFakeConnections()
	a := newTestAuthorizer(t, conns, "t")
	tenantID := model.TenantID(uuid.New())

	if err := a.ImportPeerToken(context.Background(), tenantID, "bob.example.com", "issued-by-bob"); err != nil {
		t.Fatalf("ошибка импорта токена: %v", err)
	}
	if err := conns.SetStatus(context.Background(), tenantID, "bob.example.com", model.ConnectionStatusBlocked); err != nil {
		t.Fatalf("ошибка блокировки: %v", err)
	}

	if _, err := a.EncryptedTokenFor(context.Background(), tenantID, "bob.example.com"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("заблокированное соединение должно давать ErrNotConnected, получено %v", err)
	}
}

func TestAuthorizer_AssertCanWriteToDrive(t *testing.T) {
	conns := newFakeConnections()
	a := newTestAuthorizer(t, conns, "t")
	tenantID := model.TenantID(uuid.New())
	driveID := model.DriveID(uuid.New())

	if _, _, err := a.Establish(context.Background(), tenantID, "alice.example.com", "bob.example.com", time.Hour); err != nil {
		t.Fatalf("ошибка установления соединения: %v", err)
	}

	// Соединение есть, гранта нет.
	err := a.AssertCanWriteToDrive(context.Background(), tenantID, "bob.example.com", driveID)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("без гранта ожидалась ErrNotAuthorized, получено %v", err)
	}

	if err := conns.GrantDriveWrite(context.Background(), tenantID, "bob.example.com", driveID); err != nil {
		t.Fatalf("ошибка выдачи гранта: %v", err)
	}
	if err := a.AssertCanWriteToDrive(context.Background(), tenantID, "bob.example.com", driveID); err != nil {
		t.Errorf("с грантом ошибка не ожидалась: %v", err)
	}

	// Блокировка соединения отзывает доступ даже при наличии гранта.
	if err := conns.SetStatus(context.Background(), tenantID, "bob.example.com", model.ConnectionStatusBlocked); err != nil {
		t.Fatalf("ошибка блокировки: %v", err)
	}
	if err := a.AssertCanWriteToDrive(context.Background(), tenantID, "bob.example.com", driveID); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("после блокировки ожидалась ErrNotAuthorized, получено %v", err)
	}
}
