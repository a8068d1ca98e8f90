// Пакет keys — криптографический материал хоста: ключевые пары для
// разворачивания конвертов и подписи connection-токенов, мастер-ключ
// для шифрования секретов at rest, ключевой заголовок содержимого.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"hash/crc32"
	"io"
)

// castagnoli — таблица CRC32C (Castagnoli), ею считается контрольная
// сумма DER публичного ключа в instruction set.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C возвращает контрольную сумму Castagnoli.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// KeyHeader — симметричный ключевой заголовок содержимого файла:
// AES-256 ключ + IV. Содержимое шифруется один раз этим заголовком,
// для каждого получателя заворачивается только сам заголовок.
type KeyHeader struct {
	// AESKey — 32 байта ключа AES-256.
	AESKey []byte
	// IV — 16 байт вектора инициализации.
	IV []byte
}

const (
	keyHeaderKeyLen = 32
	keyHeaderIVLen  = 16
)

// NewRandomKeyHeader генерирует случайный ключевой заголовок.
func NewRandomKeyHeader() (*KeyHeader, error) {
	kh := &KeyHeader{
		AESKey: make([]byte, keyHeaderKeyLen),
		IV:     make([]byte, keyHeaderIVLen),
	}
	if _, err := io.ReadFull(rand.Reader, kh.AESKey); err != nil {
		return nil, fmt.Errorf("ошибка генерации ключа: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, kh.IV); err != nil {
		return nil, fmt.Errorf("ошибка генерации IV: %w", err)
	}
	return kh, nil
}

// Combine сериализует заголовок в 48 байт (ключ || IV) для заворачивания.
func (kh *KeyHeader) Combine() []byte {
	out := make([]byte, 0, keyHeaderKeyLen+keyHeaderIVLen)
	out = append(out, kh.AESKey...)
	return append(out, kh.IV...)
}

// KeyHeaderFromCombined восстанавливает заголовок из 48 байт.
func KeyHeaderFromCombined(combined []byte) (*KeyHeader, error) {
	if len(combined) != keyHeaderKeyLen+keyHeaderIVLen {
		return nil, fmt.Errorf("некорректная длина ключевого заголовка: %d", len(combined))
	}
	return &KeyHeader{
		AESKey: append([]byte(nil), combined[:keyHeaderKeyLen]...),
		IV:     append([]byte(nil), combined[keyHeaderKeyLen:]...),
	}, nil
}

// Encrypt шифрует данные ключом заголовка (AES-GCM, случайный nonce
// в префиксе шифртекста).
func (kh *KeyHeader) Encrypt(plaintext []byte) ([]byte, error) {
	return gcmSeal(kh.AESKey, plaintext)
}

// Decrypt расшифровывает данные, зашифрованные Encrypt.
func (kh *KeyHeader) Decrypt(ciphertext []byte) ([]byte, error) {
	return gcmOpen(kh.AESKey, ciphertext)
}

// WrapKeyHeader заворачивает ключевой заголовок под публичный ключ
// получателя (RSA-OAEP SHA-256). Развернуть может только владелец
// соответствующего приватного ключа.
func WrapKeyHeader(kh *KeyHeader, pub *rsa.PublicKey) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, kh.Combine(), nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка заворачивания ключевого заголовка: %w", err)
	}
	return wrapped, nil
}

// ParsePublicKeyDER парсит RSA публичный ключ из DER (PKIX),
// полученного от удалённого хоста.
func ParsePublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга публичного ключа: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("неожиданный тип публичного ключа %T", key)
	}
	return pub, nil
}

// UnwrapKeyHeader разворачивает ключевой заголовок приватным ключом.
func UnwrapKeyHeader(wrapped []byte, priv *rsa.PrivateKey) (*KeyHeader, error) {
	combined, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка разворачивания ключевого заголовка: %w", err)
	}
	return KeyHeaderFromCombined(combined)
}

// SealWithMasterKey шифрует секрет мастер-ключом хоста (AES-GCM).
// Используется для client auth token'ов в outbox и приватных ключей at rest.
func SealWithMasterKey(masterKey, plaintext []byte) ([]byte, error) {
	return gcmSeal(masterKey, plaintext)
}

// OpenWithMasterKey расшифровывает секрет, зашифрованный SealWithMasterKey.
func OpenWithMasterKey(masterKey, ciphertext []byte) ([]byte, error) {
	return gcmOpen(masterKey, ciphertext)
}

// gcmSeal — AES-GCM шифрование со случайным nonce в префиксе.
func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации AES: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("ошибка генерации nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// gcmOpen — AES-GCM расшифровка (nonce в префиксе шифртекста).
func gcmOpen(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации AES: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("шифртекст короче nonce")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка расшифровки: %w", err)
	}
	return plaintext, nil
}
