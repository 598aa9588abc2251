package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/server/jwt"
	"github.com/iudanet/ledgerkeeper/internal/server/storage"
	"github.com/iudanet/ledgerkeeper/internal/validation"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// AuthStorage хранилище, нужное авторизации
type AuthStorage interface {
	storage.CompanyStorage
	storage.DeviceStorage
	storage.TokenStorage
}

// AuthHandler обрабатывает запросы авторизации компаний и устройств
type AuthHandler struct {
	logger  *slog.Logger
	storage AuthStorage
	jwt     *jwt.Service
	now     func() time.Time
}

// NewAuthHandler создает новый handler для авторизации
func NewAuthHandler(logger *slog.Logger, storage AuthStorage, jwtService *jwt.Service) *AuthHandler {
	return &AuthHandler{
		logger:  logger,
		storage: storage,
		jwt:     jwtService,
		now:     time.Now,
	}
}

// Register обрабатывает POST /api/v1/auth/register
// Регистрация новой компании
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode register request", slog.Any("error", err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := validation.ValidateCompany(req.Company); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AuthKeyHash == "" {
		sendError(h.logger, w, "auth_key_hash is required", http.StatusBadRequest)
		return
	}
	if req.PublicSalt == "" {
		sendError(h.logger, w, "public_salt is required", http.StatusBadRequest)
		return
	}

	now := h.now()
	company := &models.Company{
		ID:          uuid.New().String(),
		Name:        req.Company,
		AuthKeyHash: req.AuthKeyHash,
		PublicSalt:  req.PublicSalt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.storage.CreateCompany(ctx, company); err != nil {
		if errors.Is(err, storage.ErrCompanyExists) {
			h.logger.WarnContext(ctx, "company already exists", slog.String("company", req.Company))
			sendError(h.logger, w, "company name already taken", http.StatusConflict)
			return
		}
		h.logger.ErrorContext(ctx, "failed to create company", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "company registered",
		slog.String("company", company.Name),
		slog.String("company_id", company.ID))

	sendJSON(h.logger, w, api.RegisterResponse{
		CompanyID: company.ID,
		Message:   "Company registered successfully",
	}, http.StatusCreated)
}

// GetSalt обрабатывает GET /api/v1/auth/salt/{company}
// Публичная соль нужна устройству для вывода ключей до входа
func (h *AuthHandler) GetSalt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name := r.PathValue("company")
	if err := validation.ValidateCompany(name); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}

	company, err := h.storage.GetCompanyByName(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrCompanyNotFound) {
			sendError(h.logger, w, "company not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "failed to get company", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	sendJSON(h.logger, w, api.SaltResponse{PublicSalt: company.PublicSalt}, http.StatusOK)
}

// Login обрабатывает POST /api/v1/auth/login
// Вход устройства в компанию
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode login request", slog.Any("error", err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := validation.ValidateCompany(req.Company); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidateDeviceID(req.DeviceID); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AuthKeyHash == "" {
		sendError(h.logger, w, "auth_key_hash is required", http.StatusBadRequest)
		return
	}

	company, err := h.storage.GetCompanyByName(ctx, req.Company)
	if err != nil {
		if errors.Is(err, storage.ErrCompanyNotFound) {
			h.logger.WarnContext(ctx, "login failed: company not found", slog.String("company", req.Company))
			sendError(h.logger, w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h.logger.ErrorContext(ctx, "failed to get company", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if subtle.ConstantTimeCompare([]byte(company.AuthKeyHash), []byte(req.AuthKeyHash)) != 1 {
		h.logger.WarnContext(ctx, "login failed: invalid auth key", slog.String("company", req.Company))
		sendError(h.logger, w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	now := h.now()
	if err := h.storage.RegisterDevice(ctx, company.ID, req.DeviceID, now); err != nil {
		h.logger.ErrorContext(ctx, "failed to register device", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp, err := h.issueTokens(r, company.ID, req.DeviceID)
	if err != nil {
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.storage.UpdateLastLogin(ctx, company.ID, now); err != nil {
		h.logger.WarnContext(ctx, "failed to update last login", slog.Any("error", err))
	}

	h.logger.InfoContext(ctx, "device logged in",
		slog.String("company_id", company.ID),
		slog.String("device_id", req.DeviceID))

	sendJSON(h.logger, w, resp, http.StatusOK)
}

// Refresh обрабатывает POST /api/v1/auth/refresh
// Refresh token одноразовый: при обмене выдается новая пара
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		sendError(h.logger, w, "refresh_token is required", http.StatusBadRequest)
		return
	}

	stored, err := h.storage.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			h.logger.WarnContext(ctx, "refresh token not found")
			sendError(h.logger, w, "invalid refresh token", http.StatusUnauthorized)
			return
		}
		h.logger.ErrorContext(ctx, "failed to get refresh token", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.storage.DeleteRefreshToken(ctx, req.RefreshToken); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		h.logger.WarnContext(ctx, "failed to delete old refresh token", slog.Any("error", err))
	}

	if stored.IsExpired(h.now()) {
		h.logger.WarnContext(ctx, "refresh token expired", slog.String("device_id", stored.DeviceID))
		sendError(h.logger, w, "refresh token expired", http.StatusUnauthorized)
		return
	}

	if _, err := h.storage.GetCompanyByID(ctx, stored.CompanyID); err != nil {
		if errors.Is(err, storage.ErrCompanyNotFound) {
			sendError(h.logger, w, "invalid refresh token", http.StatusUnauthorized)
			return
		}
		h.logger.ErrorContext(ctx, "failed to get company", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp, err := h.issueTokens(r, stored.CompanyID, stored.DeviceID)
	if err != nil {
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "tokens refreshed", slog.String("device_id", stored.DeviceID))

	sendJSON(h.logger, w, resp, http.StatusOK)
}

// Logout обрабатывает POST /api/v1/auth/logout
// Отзывает все refresh token устройства, которому принадлежит переданный токен.
// Неизвестный токен не ошибка: устройство уже вышло.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		sendError(h.logger, w, "refresh_token is required", http.StatusBadRequest)
		return
	}

	stored, err := h.storage.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.ErrorContext(ctx, "failed to get refresh token", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	deleted, err := h.storage.DeleteDeviceTokens(ctx, stored.CompanyID, stored.DeviceID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to delete device tokens", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "device logged out",
		slog.String("company_id", stored.CompanyID),
		slog.String("device_id", stored.DeviceID),
		slog.Int("tokens_deleted", deleted))

	w.WriteHeader(http.StatusNoContent)
}

// issueTokens выпускает access token и сохраняет новый refresh token устройства
func (h *AuthHandler) issueTokens(r *http.Request, companyID, deviceID string) (*api.TokenResponse, error) {
	ctx := r.Context()

	accessToken, expiresIn, err := h.jwt.GenerateAccessToken(companyID, deviceID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to generate access token", slog.Any("error", err))
		return nil, err
	}

	refreshToken, expiresAt, err := h.jwt.GenerateRefreshToken()
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to generate refresh token", slog.Any("error", err))
		return nil, err
	}

	err = h.storage.SaveRefreshToken(ctx, &models.RefreshToken{
		Token:     refreshToken,
		CompanyID: companyID,
		DeviceID:  deviceID,
		ExpiresAt: expiresAt,
		CreatedAt: h.now(),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to save refresh token", slog.Any("error", err))
		return nil, err
	}

	return &api.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		CompanyID:    companyID,
		DeviceID:     deviceID,
		ExpiresIn:    expiresIn,
	}, nil
}
