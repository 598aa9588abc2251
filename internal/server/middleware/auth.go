// Package middleware содержит HTTP middleware relay.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/ledgerkeeper/internal/server/handlers"
	"github.com/iudanet/ledgerkeeper/internal/server/jwt"
)

// AuthMiddleware проверяет access token и кладет компанию и устройство в контекст
func AuthMiddleware(logger *slog.Logger, jwtService *jwt.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "missing Authorization header", slog.String("path", r.URL.Path))
				writeError(w, "missing token", http.StatusUnauthorized)
				return
			}

			// Ожидаем формат: "Bearer <token>"
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				logger.WarnContext(r.Context(), "invalid Authorization header format")
				writeError(w, "invalid token format", http.StatusUnauthorized)
				return
			}

			claims, err := jwtService.ValidateAccessToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "invalid access token", slog.Any("error", err))
				writeError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := handlers.WithDevice(r.Context(), claims.CompanyID, claims.DeviceID)

			logger.DebugContext(ctx, "device authenticated",
				slog.String("company_id", claims.CompanyID),
				slog.String("device_id", claims.DeviceID))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeError JSON ответ в формате api.ErrorResponse
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = fmt.Fprintf(w, `{"error":%q,"message":%q}`, http.StatusText(statusCode), message)
}
