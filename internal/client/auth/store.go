package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/crypto"
)

// Store слой шифрования между сервисом и хранилищем сессии.
// Токены шифруются ключом компании перед сохранением
// и расшифровываются при чтении.
type Store struct {
	storage storage.AuthStorage
}

// NewStore creates a new Store over raw session storage
func NewStore(storage storage.AuthStorage) *Store {
	return &Store{storage: storage}
}

// SaveAuth шифрует токены и сохраняет сессию. Входная структура не меняется.
func (s *Store) SaveAuth(ctx context.Context, auth *storage.AuthData, encryptionKey []byte) error {
	if auth == nil {
		return fmt.Errorf("auth data is nil")
	}

	access, err := crypto.EncryptToBase64([]byte(auth.AccessToken), encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := crypto.EncryptToBase64([]byte(auth.RefreshToken), encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	stored := *auth
	stored.AccessToken = access
	stored.RefreshToken = refresh
	return s.storage.SaveAuth(ctx, &stored)
}

// GetAuthDecryptData загружает сессию и расшифровывает токены.
// Неверный ключ дает crypto.ErrAuthFailed.
func (s *Store) GetAuthDecryptData(ctx context.Context, encryptionKey []byte) (*storage.AuthData, error) {
	stored, err := s.storage.GetAuth(ctx)
	if err != nil {
		return nil, err
	}

	access, err := crypto.DecryptFromBase64(stored.AccessToken, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := crypto.DecryptFromBase64(stored.RefreshToken, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	auth := *stored
	auth.AccessToken = string(access)
	auth.RefreshToken = string(refresh)
	return &auth, nil
}

// GetAuthEncryptData загружает сессию как есть (для company и public salt)
func (s *Store) GetAuthEncryptData(ctx context.Context) (*storage.AuthData, error) {
	return s.storage.GetAuth(ctx)
}

// DeleteAuth удаляет сессию
func (s *Store) DeleteAuth(ctx context.Context) error {
	return s.storage.DeleteAuth(ctx)
}

// IsAuthenticated проверяет наличие неистекшей сессии
func (s *Store) IsAuthenticated(ctx context.Context) (bool, error) {
	return s.storage.IsAuthenticated(ctx)
}

// DeviceID возвращает идентификатор устройства, создавая его при первом обращении.
// Идентификатор постоянен: от него зависят номера изменений в журнале.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.storage.GetDeviceID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get device ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := s.storage.SaveDeviceID(ctx, id); err != nil {
		return "", fmt.Errorf("failed to save device ID: %w", err)
	}
	return id, nil
}

// company возвращает компанию сохраненной сессии или "" если сессии нет
func (s *Store) company(ctx context.Context) (string, error) {
	stored, err := s.storage.GetAuth(ctx)
	if errors.Is(err, storage.ErrAuthNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return stored.Company, nil
}
