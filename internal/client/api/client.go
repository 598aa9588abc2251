package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/iudanet/ledgerkeeper/internal/syncerr"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// ErrUnauthorized relay отклонил токен доступа
var ErrUnauthorized = errors.New("unauthorized")

// maxResponseSize ограничивает чтение тела ответа
const maxResponseSize = 32 << 20

// Client представляет HTTP клиент для взаимодействия с relay
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	mu          sync.RWMutex
}

// NewClient создает новый API клиент
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// SetAccessToken задает токен для запросов синхронизации
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Register регистрирует новую компанию
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	if err := c.doRequest(ctx, "register", http.MethodPost, "/api/v1/auth/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSalt получает public_salt компании
func (c *Client) GetSalt(ctx context.Context, company string) (*api.SaltResponse, error) {
	var resp api.SaltResponse
	path := "/api/v1/auth/salt/" + url.PathEscape(company)
	if err := c.doRequest(ctx, "salt", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login выполняет вход устройства
func (c *Client) Login(ctx context.Context, req api.LoginRequest) (*api.TokenResponse, error) {
	var resp api.TokenResponse
	if err := c.doRequest(ctx, "login", http.MethodPost, "/api/v1/auth/login", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh обменивает refresh token на новую пару токенов
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*api.TokenResponse, error) {
	var resp api.TokenResponse
	req := api.RefreshRequest{RefreshToken: refreshToken}
	if err := c.doRequest(ctx, "refresh", http.MethodPost, "/api/v1/auth/refresh", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout отзывает refresh token
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	req := api.RefreshRequest{RefreshToken: refreshToken}
	return c.doRequest(ctx, "logout", http.MethodPost, "/api/v1/auth/logout", req, nil)
}

// Push отправляет пачку изменений. Relay подтверждает каждое изменение
// и попутно возвращает изменения после req.SinceCursor.
func (c *Client) Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	var resp api.PushResponse
	if err := c.doRequest(ctx, "push", http.MethodPost, "/api/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Acks) > len(req.Changes) {
		return nil, syncerr.Malformed("push: more acks than changes", nil)
	}
	return &resp, nil
}

// Pull запрашивает изменения после курсора
func (c *Client) Pull(ctx context.Context, req api.PullRequest) (*api.PullResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(req.SinceCursor, 10))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var resp api.PullResponse
	if err := c.doRequest(ctx, "pull", http.MethodGet, "/api/v1/sync/pull?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.NewCursor < req.SinceCursor {
		return nil, syncerr.Malformed(fmt.Sprintf("pull: cursor moved back from %d to %d", req.SinceCursor, resp.NewCursor), nil)
	}
	return &resp, nil
}

// doRequest выполняет HTTP запрос. Сетевые сбои и ответы 5xx/429 становятся
// повторяемой TransportError, 422 - MalformedBatchError, остальные 4xx -
// неповторяемой TransportError.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.Transport(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return syncerr.Transport(op, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return syncerr.Malformed(op+": failed to decode response", err)
		}
	}
	return nil
}

func statusError(op string, status int, body []byte) error {
	msg := string(body)
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
		if errResp.Message != "" {
			msg += ": " + errResp.Message
		}
	}
	cause := fmt.Errorf("server error: %s", msg)

	switch {
	case status == http.StatusUnprocessableEntity:
		return syncerr.Malformed(op+": rejected by relay", cause)
	case status == http.StatusUnauthorized:
		cause = fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		te := syncerr.Transport(op, cause)
		te.StatusCode = status
		return te
	}
	return &syncerr.TransportError{Op: op, Err: cause, StatusCode: status}
}
