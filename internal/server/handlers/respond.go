package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// contextKey тип для ключей контекста
type contextKey string

const (
	// CompanyIDKey ключ для company_id из access token
	CompanyIDKey contextKey = "company_id"
	// DeviceIDKey ключ для device_id из access token
	DeviceIDKey contextKey = "device_id"
)

// WithDevice кладет компанию и устройство аутентифицированного запроса в контекст
func WithDevice(ctx context.Context, companyID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, CompanyIDKey, companyID)
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

// GetCompanyID извлекает company_id из контекста запроса
func GetCompanyID(ctx context.Context) (string, bool) {
	companyID, ok := ctx.Value(CompanyIDKey).(string)
	return companyID, ok && companyID != ""
}

// GetDeviceID извлекает device_id из контекста запроса
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(DeviceIDKey).(string)
	return deviceID, ok && deviceID != ""
}

// sendJSON отправляет JSON ответ
func sendJSON(logger *slog.Logger, w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

// sendError отправляет JSON ответ с ошибкой
func sendError(logger *slog.Logger, w http.ResponseWriter, message string, statusCode int) {
	resp := api.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	sendJSON(logger, w, resp, statusCode)
}
