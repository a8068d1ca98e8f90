// Пакет circle — авторизация операций передачи на базе реестра
// соединений: проверка прав отправителя на запись в drive и доступ
// к connection-токенам для исходящих доставок.
package circle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/repository"
)

// ErrNotAuthorized — отправитель не имеет права на операцию.
var ErrNotAuthorized = errors.New("операция не авторизована")

// ErrNotConnected — соединение с хостом отсутствует или заблокировано.
var ErrNotConnected = errors.New("соединение не установлено")

// TokenSigner выпускает connection-токены. Реализуется keys.Service.
type TokenSigner interface {
	SignConnectionToken(ctx context.Context, tenantID model.TenantID, self, peer model.HostID, ttl time.Duration) (string, error)
}

// Authorizer — проверки circle network поверх реестра соединений.
type Authorizer struct {
	connections repository.ConnectionRepository
	signer      TokenSigner
	masterKey   []byte
}

// NewAuthorizer создаёт авторизатор.
func NewAuthorizer(connections repository.ConnectionRepository, signer TokenSigner, masterKey []byte) *Authorizer {
	return &Authorizer{
		connections: connections,
		signer:      signer,
		masterKey:   masterKey,
	}
}

// AssertCanWriteToDrive проверяет, что отправитель соединён с арендатором
// и имеет грант записи в указанный drive. Возвращает ErrNotAuthorized
// при отсутствии гранта или заблокированном соединении.
func (a *Authorizer) AssertCanWriteToDrive(ctx context.Context, tenantID model.TenantID, sender model.HostID, driveID model.DriveID) error {
	ok, err := a.connections.CanWriteToDrive(ctx, tenantID, sender, driveID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: хост %s не имеет права записи в drive %s", ErrNotAuthorized, sender, driveID)
	}
	return nil
}

// Establish устанавливает соединение с удалённым хостом и выпускает
// для него connection-токен. Токен предъявляется peer'ом на ВХОДЯЩИХ
// вызовах этого хоста (iss/aud = self, sub = peer) и возвращается
// владельцу открытым текстом для передачи peer'у по внешнему каналу;
// в реестре он не хранится — проверка идёт по JWKS арендатора.
//
// Токен для ИСХОДЯЩИХ доставок выпускает сам получатель; он попадает
// в реестр через ImportPeerToken.
func (a *Authorizer) Establish(ctx context.Context, tenantID model.TenantID, self, peer model.HostID, tokenTTL time.Duration) (*model.Connection, string, error) {
	token, err := a.signer.SignConnectionToken(ctx, tenantID, self, peer, tokenTTL)
	if err != nil {
		return nil, "", err
	}

	conn, err := a.connections.Get(ctx, tenantID, peer)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		conn = &model.Connection{
			TenantID:   tenantID,
			RemoteHost: peer,
			Status:     model.ConnectionStatusConnected,
		}
	case err != nil:
		return nil, "", err
	default:
		// Повторный Establish обновляет токен peer'а, не трогая
		// импортированный ранее токен получателя.
		conn.Status = model.ConnectionStatusConnected
	}

	if err := a.connections.Upsert(ctx, conn); err != nil {
		return nil, "", err
	}
	return conn, token, nil
}

// ImportPeerToken сохраняет connection-токен, выпущенный удалённым
// хостом для этого арендатора. Именно он предъявляется получателю
// на исходящих доставках; хранится зашифрованным мастер-ключом.
// Отсутствующее соединение создаётся, заблокированное — не принимает
// токен (ErrNotConnected).
func (a *Authorizer) ImportPeerToken(ctx context.Context, tenantID model.TenantID, peer model.HostID, token string) error {
	tokenEnc, err := keys.SealWithMasterKey(a.masterKey, []byte(token))
	if err != nil {
		return err
	}

	conn, err := a.connections.Get(ctx, tenantID, peer)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		conn = &model.Connection{
			TenantID:   tenantID,
			RemoteHost: peer,
			Status:     model.ConnectionStatusConnected,
		}
	case err != nil:
		return err
	case conn.Status != model.ConnectionStatusConnected:
		return fmt.Errorf("%w: хост %s в состоянии %s", ErrNotConnected, peer, conn.Status)
	}

	conn.EncryptedAuthToken = tokenEnc
	return a.connections.Upsert(ctx, conn)
}

// EncryptedTokenFor возвращает зашифрованный connection-токен
// получателя для исходящих доставок. Токен остаётся зашифрованным —
// расшифровка происходит непосредственно перед HTTP-вызовом.
func (a *Authorizer) EncryptedTokenFor(ctx context.Context, tenantID model.TenantID, recipient model.HostID) ([]byte, error) {
	conn, err := a.connections.Get(ctx, tenantID, recipient)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: хост %s", ErrNotConnected, recipient)
		}
		return nil, err
	}
	if conn.Status != model.ConnectionStatusConnected {
		return nil, fmt.Errorf("%w: хост %s в состоянии %s", ErrNotConnected, recipient, conn.Status)
	}
	if len(conn.EncryptedAuthToken) == 0 {
		return nil, fmt.Errorf("%w: токен хоста %s не импортирован", ErrNotConnected, recipient)
	}
	return conn.EncryptedAuthToken, nil
}

// DecryptToken расшифровывает connection-токен из outbox-записи.
func (a *Authorizer) DecryptToken(tokenEnc []byte) (string, error) {
	token, err := keys.OpenWithMasterKey(a.masterKey, tokenEnc)
	if err != nil {
		return "", fmt.Errorf("расшифровка connection-токена: %w", err)
	}
	return string(token), nil
}
