package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/keys"
)

// fakeFetcher — источник публичных ключей для тестов, считает обращения.
type fakeFetcher struct {
	info  *model.PublicKeyInfo
	err   error
	calls int
}

func (f *fakeFetcher) GetPublicKey(_ context.Context, _ model.HostID) (*model.PublicKeyInfo, error) {
	f.calls++
	return f.info, f.err
}

func newRecipientKey(t *testing.T, expiration time.Time) (*rsa.PrivateKey, *model.PublicKeyInfo) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("ошибка генерации RSA-ключа: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("ошибка сериализации публичного ключа: %v", err)
	}
	return priv, &model.PublicKeyInfo{
		PublicKeyDER: der,
		CRC32C:       keys.CRC32C(der),
		Expiration:   expiration,
	}
}

func TestBuilder_BuildInstructionSet(t *testing.T) {
	priv, info := newRecipientKey(t, time.Now().Add(24*time.Hour))
	fetcher := &fakeFetcher{info: info}
	b := NewBuilder(NewPublicKeyCache(16, time.Minute, fetcher))

	kh, err := keys.NewRandomKeyHeader()
	if err != nil {
		t.Fatalf("ошибка генерации заголовка: %v", err)
	}
	gtid := model.GlobalTransitID(uuid.New())
	target := model.TargetDrive{Alias: uuid.New(), Type: uuid.New()}

	is, err := b.BuildInstructionSet(context.Background(), "bob.example.com", kh, target, gtid, model.TransferTypeNormal, false)
	if err != nil {
		t.Fatalf("ошибка сборки instruction set: %v", err)
	}

	if is.PublicKeyCRC != info.CRC32C {
		t.Errorf("ожидался CRC 0x%X, получено 0x%X", info.CRC32C, is.PublicKeyCRC)
	}
	if is.GlobalTransitID != gtid {
		t.Errorf("ожидался transit id %s, получено %s", uuid.UUID(gtid), uuid.UUID(is.GlobalTransitID))
	}

	// Получатель разворачивает заголовок своим приватным ключом.
	restored, err := keys.UnwrapKeyHeader(is.EncryptedKeyHeader, priv)
	if err != nil {
		t.Fatalf("ошибка разворачивания заголовка: %v", err)
	}
	if !bytes.Equal(restored.AESKey, kh.AESKey) {
		t.Error("развёрнутый ключ не совпадает с исходным")
	}
}

func TestPublicKeyCache_CachesUntilTTL(t *testing.T) {
	_, info := newRecipientKey(t, time.Now().Add(24*time.Hour))
	fetcher := &fakeFetcher{info: info}
	cache := NewPublicKeyCache(16, time.Minute, fetcher)

	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background(), "bob.example.com"); err != nil {
			t.Fatalf("ошибка получения ключа: %v", err)
		}
	}
	if fetcher.calls != 1 {
		t.Errorf("ожидался 1 запрос к хосту, получено %d", fetcher.calls)
	}

	cache.Invalidate("bob.example.com")
	if _, err := cache.Get(context.Background(), "bob.example.com"); err != nil {
		t.Fatalf("ошибка получения ключа: %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("после инвалидации ожидался повторный запрос, получено %d", fetcher.calls)
	}
}

func TestPublicKeyCache_RefetchesExpiringKey(t *testing.T) {
	// Ключ истекает раньше запаса — кэш не должен его отдавать.
	_, expiring := newRecipientKey(t, time.Now().Add(time.Minute))
	fetcher := &fakeFetcher{info: expiring}
	cache := NewPublicKeyCache(16, time.Hour, fetcher)

	if _, err := cache.Get(context.Background(), "bob.example.com"); err != nil {
		t.Fatalf("ошибка получения ключа: %v", err)
	}
	if _, err := cache.Get(context.Background(), "bob.example.com"); err != nil {
		t.Fatalf("ошибка получения ключа: %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("доживающий ключ должен запрашиваться заново, запросов %d", fetcher.calls)
	}
}

func TestPublicKeyCache_FetchError(t *testing.T) {
	wantErr := errors.New("хост недоступен")
	cache := NewPublicKeyCache(16, time.Minute, &fakeFetcher{err: wantErr})

	if _, err := cache.Get(context.Background(), "bob.example.com"); !errors.Is(err, wantErr) {
		t.Errorf("ожидалась ошибка получения ключа, получено %v", err)
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	kh, err := keys.NewRandomKeyHeader()
	if err != nil {
		t.Fatalf("ошибка генерации заголовка: %v", err)
	}

	descriptor := &model.FileMetadataDescriptor{
		ContentType:        "image/jpeg",
		FileType:           100,
		Created:            time.Now().UTC().Truncate(time.Second),
		Updated:            time.Now().UTC().Truncate(time.Second),
		JSONContent:        `{"caption":"закат"}`,
		PayloadIsEncrypted: true,
	}
	payload := []byte("бинарное содержимое файла")
	payloadEnc, err := kh.Encrypt(payload)
	if err != nil {
		t.Fatalf("ошибка шифрования содержимого: %v", err)
	}
	is := &model.TransferInstructionSet{
		GlobalTransitID: model.GlobalTransitID(uuid.New()),
		TransferType:    model.TransferTypeNormal,
	}

	env, err := Seal(is, kh, descriptor, payloadEnc)
	if err != nil {
		t.Fatalf("ошибка сборки конверта: %v", err)
	}
	if bytes.Contains(env.Payload, payload) {
		t.Fatal("содержимое конверта не зашифровано")
	}
	if bytes.Contains(env.Metadata, []byte(descriptor.JSONContent)) {
		t.Fatal("метаданные конверта не зашифрованы")
	}

	gotDesc, gotPayload, err := Open(env, kh)
	if err != nil {
		t.Fatalf("ошибка разбора конверта: %v", err)
	}
	if gotDesc.ContentType != descriptor.ContentType || gotDesc.JSONContent != descriptor.JSONContent {
		t.Error("метаданные после разбора не совпадают с исходными")
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Error("содержимое после разбора не совпадает с исходным")
	}
}

func TestOpen_WrongKeyHeader(t *testing.T) {
	kh1, _ := keys.NewRandomKeyHeader()
	kh2, _ := keys.NewRandomKeyHeader()

	payloadEnc, _ := kh1.Encrypt([]byte("данные"))
	env, err := Seal(&model.TransferInstructionSet{}, kh1, &model.FileMetadataDescriptor{}, payloadEnc)
	if err != nil {
		t.Fatalf("ошибка сборки конверта: %v", err)
	}
	if _, _, err := Open(env, kh2); err == nil {
		t.Error("ожидалась ошибка разбора чужим заголовком")
	}
}
