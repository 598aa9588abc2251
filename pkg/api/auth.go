package api

// RegisterRequest представляет запрос на регистрацию компании
type RegisterRequest struct {
	Company     string `json:"company"`       // имя компании (общий логин всех устройств)
	AuthKeyHash string `json:"auth_key_hash"` // SHA256 хеш auth_key (hex-encoded)
	PublicSalt  string `json:"public_salt"`   // base64 encoded salt (32 bytes)
}

// RegisterResponse представляет ответ на успешную регистрацию
type RegisterResponse struct {
	CompanyID string `json:"company_id"`
	Message   string `json:"message"`
}

// SaltResponse представляет ответ с публичной солью компании
type SaltResponse struct {
	PublicSalt string `json:"public_salt"`
}

// LoginRequest вход устройства в компанию
type LoginRequest struct {
	Company     string `json:"company"`
	AuthKeyHash string `json:"auth_key_hash"`
	DeviceID    string `json:"device_id"`
}

// RefreshRequest запрос на обновление токенов (также используется для logout)
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse представляет ответ с токенами доступа
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	CompanyID    string `json:"company_id"`
	DeviceID     string `json:"device_id"`
	ExpiresIn    int64  `json:"expires_in"` // время жизни access token в секундах
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
