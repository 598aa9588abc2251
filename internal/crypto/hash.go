package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidAuthKey ключ не совпадает с сохраненным хешем
var ErrInvalidAuthKey = errors.New("invalid auth key")

// HashAuthKey хеширует auth key (SHA256, hex). Relay хранит только хеш.
func HashAuthKey(authKey []byte) (string, error) {
	if len(authKey) == 0 {
		return "", fmt.Errorf("auth key cannot be empty")
	}
	hash := sha256.Sum256(authKey)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyAuthKey проверяет auth key против сохраненного хеша за постоянное время.
func VerifyAuthKey(authKey []byte, hashedAuthKey string) error {
	if hashedAuthKey == "" {
		return fmt.Errorf("hashed auth key cannot be empty")
	}
	computed, err := HashAuthKey(authKey)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(hashedAuthKey)) != 1 {
		return ErrInvalidAuthKey
	}
	return nil
}
