package keys

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestKeyHeader_CombineRoundTrip(t *testing.T) {
	kh, err := NewRandomKeyHeader()
	if err != nil {
		t.Fatalf("ошибка генерации ключевого заголовка: %v", err)
	}

	combined := kh.Combine()
	if len(combined) != 48 {
		t.Fatalf("ожидалась длина 48 байт, получено %d", len(combined))
	}

	restored, err := KeyHeaderFromCombined(combined)
	if err != nil {
		t.Fatalf("ошибка восстановления заголовка: %v", err)
	}
	if !bytes.Equal(restored.AESKey[:], kh.AESKey[:]) || !bytes.Equal(restored.IV[:], kh.IV[:]) {
		t.Error("восстановленный заголовок не совпадает с исходным")
	}
}

func TestKeyHeaderFromCombined_BadLength(t *testing.T) {
	if _, err := KeyHeaderFromCombined(make([]byte, 47)); err == nil {
		t.Error("ожидалась ошибка для заголовка неверной длины")
	}
}

func TestKeyHeader_EncryptDecrypt(t *testing.T) {
	kh, err := NewRandomKeyHeader()
	if err != nil {
		t.Fatalf("ошибка генерации ключевого заголовка: %v", err)
	}

	plain := []byte("содержимое файла для передачи")
	enc, err := kh.Encrypt(plain)
	if err != nil {
		t.Fatalf("ошибка шифрования: %v", err)
	}
	if bytes.Equal(enc, plain) {
		t.Fatal("шифртекст совпадает с открытым текстом")
	}

	dec, err := kh.Decrypt(enc)
	if err != nil {
		t.Fatalf("ошибка расшифровки: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("ожидалось %q, получено %q", plain, dec)
	}
}

func TestKeyHeader_DecryptTampered(t *testing.T) {
	kh, err := NewRandomKeyHeader()
	if err != nil {
		t.Fatalf("ошибка генерации ключевого заголовка: %v", err)
	}
	enc, err := kh.Encrypt([]byte("данные"))
	if err != nil {
		t.Fatalf("ошибка шифрования: %v", err)
	}

	enc[len(enc)-1] ^= 0xFF
	if _, err := kh.Decrypt(enc); err == nil {
		t.Error("ожидалась ошибка расшифровки повреждённого шифртекста")
	}
}

func TestWrapKeyHeader_RoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("ошибка генерации RSA-ключа: %v", err)
	}
	kh, err := NewRandomKeyHeader()
	if err != nil {
		t.Fatalf("ошибка генерации ключевого заголовка: %v", err)
	}

	wrapped, err := WrapKeyHeader(kh, &priv.PublicKey)
	if err != nil {
		t.Fatalf("ошибка заворачивания заголовка: %v", err)
	}

	restored, err := UnwrapKeyHeader(wrapped, priv)
	if err != nil {
		t.Fatalf("ошибка разворачивания заголовка: %v", err)
	}
	if !bytes.Equal(restored.AESKey[:], kh.AESKey[:]) || !bytes.Equal(restored.IV[:], kh.IV[:]) {
		t.Error("развёрнутый заголовок не совпадает с исходным")
	}
}

func TestWrapKeyHeader_WrongKey(t *testing.T) {
	priv1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("ошибка генерации RSA-ключа: %v", err)
	}
	priv2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("ошибка генерации RSA-ключа: %v", err)
	}
	kh, err := NewRandomKeyHeader()
	if err != nil {
		t.Fatalf("ошибка генерации ключевого заголовка: %v", err)
	}

	wrapped, err := WrapKeyHeader(kh, &priv1.PublicKey)
	if err != nil {
		t.Fatalf("ошибка заворачивания заголовка: %v", err)
	}
	if _, err := UnwrapKeyHeader(wrapped, priv2); err == nil {
		t.Error("ожидалась ошибка разворачивания чужим ключом")
	}
}

func TestMasterKey_SealOpen(t *testing.T) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		t.Fatalf("ошибка генерации мастер-ключа: %v", err)
	}

	plain := []byte("приватный ключ в PKCS#8")
	sealed, err := SealWithMasterKey(master, plain)
	if err != nil {
		t.Fatalf("ошибка шифрования мастер-ключом: %v", err)
	}

	opened, err := OpenWithMasterKey(master, sealed)
	if err != nil {
		t.Fatalf("ошибка расшифровки мастер-ключом: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Error("расшифрованные данные не совпадают с исходными")
	}

	sealed[0] ^= 0xFF
	if _, err := OpenWithMasterKey(master, sealed); err == nil {
		t.Error("ожидалась ошибка расшифровки повреждённых данных")
	}
}

func TestCRC32C_KnownValue(t *testing.T) {
	// Эталонное значение Castagnoli для строки "123456789".
	got := CRC32C([]byte("123456789"))
	if got != 0xE3069283 {
		t.Errorf("ожидалось 0xE3069283, получено 0x%X", got)
	}
}
