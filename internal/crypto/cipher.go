package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// NonceSize - размер nonce для AES-GCM (12 bytes стандартный размер)
	NonceSize = 12
	// KeySize - размер ключа AES-256
	KeySize = 32
)

// ErrAuthFailed данные повреждены, ключ неверен или associated data не совпадают
var ErrAuthFailed = errors.New("authentication failed or corrupted data")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Seal шифрует plaintext AES-256-GCM и аутентифицирует вместе с ним aad.
// aad не шифруется и не входит в результат, но без него Open не пройдет.
// Формат результата: nonce (12 bytes) + ciphertext + auth_tag (16 bytes)
func Seal(plaintext, key, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aesGCM.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	// ciphertext дописывается сразу за nonce
	return aesGCM.Seal(nonce, nonce, plaintext, aad), nil
}

// Open расшифровывает результат Seal, проверяя тот же aad.
func Open(encrypted, key, aad []byte) ([]byte, error) {
	if len(encrypted) < NonceSize {
		return nil, fmt.Errorf("encrypted data too short")
	}
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, encrypted[:NonceSize], encrypted[NonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", ErrAuthFailed)
	}
	return plaintext, nil
}

// Encrypt шифрует данные без associated data
func Encrypt(plaintext, key []byte) ([]byte, error) {
	return Seal(plaintext, key, nil)
}

// Decrypt дешифрует данные, зашифрованные с помощью Encrypt
func Decrypt(encrypted, key []byte) ([]byte, error) {
	return Open(encrypted, key, nil)
}

// EncryptToBase64 шифрует данные и возвращает результат в Base64
func EncryptToBase64(plaintext, key []byte) (string, error) {
	encrypted, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptFromBase64 дешифрует данные из Base64
func DecryptFromBase64(encryptedBase64 string, key []byte) ([]byte, error) {
	encrypted, err := base64.StdEncoding.DecodeString(encryptedBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return Decrypt(encrypted, key)
}
