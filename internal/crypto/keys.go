package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Keys ключи компании, производные от общей парольной фразы.
// Все устройства компании получают одинаковые ключи, поэтому
// relay хранит только шифротекст, который любое устройство может открыть.
type Keys struct {
	AuthKey       []byte // ключ для аутентификации на relay (32 bytes)
	EncryptionKey []byte // ключ шифрования payload изменений (32 bytes)
}

// Параметры Argon2id
const (
	Argon2Time    = 1
	Argon2Memory  = 64 * 1024 // KB
	Argon2Threads = 4
	Argon2KeyLen  = 32
	SaltSize      = 32
)

// GenerateSalt генерирует криптографически случайную соль
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateSaltBase64 генерирует соль и возвращает ее в Base64
func GenerateSaltBase64() (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DeriveKeys выводит два независимых ключа из парольной фразы компании.
// Ключи разделены контекстом ("auth" / "encrypt"), чтобы relay,
// видящий хеш AuthKey, ничего не узнавал об EncryptionKey.
func DeriveKeys(passphrase, company string, salt []byte) (*Keys, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if company == "" {
		return nil, fmt.Errorf("company cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	derive := func(purpose string) []byte {
		input := []byte(passphrase + "\x00" + company + "\x00" + purpose)
		return argon2.IDKey(input, salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
	}

	return &Keys{
		AuthKey:       derive("auth"),
		EncryptionKey: derive("encrypt"),
	}, nil
}

// DeriveKeysFromBase64Salt выводит ключи из Base64-кодированной соли
func DeriveKeysFromBase64Salt(passphrase, company, saltBase64 string) (*Keys, error) {
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	return DeriveKeys(passphrase, company, salt)
}
