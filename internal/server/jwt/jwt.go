// Package jwt выпускает и проверяет токены доступа устройств.
package jwt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "ledgerrelay"

// ErrInvalidToken access token не прошел проверку
var ErrInvalidToken = errors.New("invalid access token")

// Claims access token устройства: компания и устройство, от имени которых идет синхронизация
type Claims struct {
	CompanyID string `json:"company_id"`
	DeviceID  string `json:"device_id"`
	jwt.RegisteredClaims
}

// Service provides JWT token generation and validation
type Service struct {
	now             func() time.Time
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

// NewService creates a new JWT service
// secret should be a cryptographically secure random string
func NewService(secret string, accessTokenTTL, refreshTokenTTL time.Duration) *Service {
	return &Service{
		secret:          []byte(secret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

// GenerateAccessToken создает JWT для устройства компании.
// Возвращает токен и время жизни в секундах.
func (s *Service) GenerateAccessToken(companyID, deviceID string) (string, int64, error) {
	now := s.now()

	claims := Claims{
		CompanyID: companyID,
		DeviceID:  deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	return token, int64(s.accessTokenTTL.Seconds()), nil
}

// GenerateRefreshToken creates a new random refresh token
func (s *Service) GenerateRefreshToken() (string, time.Time, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate random token: %w", err)
	}

	return base64.URLEncoding.EncodeToString(tokenBytes), s.now().Add(s.refreshTokenTTL), nil
}

// ValidateAccessToken проверяет подпись, срок действия и обязательные claims
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.CompanyID == "" || claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing company or device", ErrInvalidToken)
	}

	return claims, nil
}
