package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ledgerkeeper/internal/syncerr"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080")

	assert.Equal(t, "http://localhost:8080", client.baseURL)
	require.NotNil(t, client.httpClient)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

func TestClient_Register(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/auth/register", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req api.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acme", req.Company)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.RegisterResponse{CompanyID: "company-1", Message: "ok"})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).Register(context.Background(), api.RegisterRequest{
		Company:     "acme",
		AuthKeyHash: "hash",
		PublicSalt:  "salt",
	})
	require.NoError(t, err)
	assert.Equal(t, "company-1", resp.CompanyID)
}

func TestClient_GetSalt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/salt/acme co", r.URL.Path)
		_ = json.NewEncoder(w).Encode(api.SaltResponse{PublicSalt: "c2FsdA=="})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).GetSalt(context.Background(), "acme co")
	require.NoError(t, err)
	assert.Equal(t, "c2FsdA==", resp.PublicSalt)
}

func TestClient_LoginRefreshLogout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			var req api.LoginRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "device-A", req.DeviceID)
			_ = json.NewEncoder(w).Encode(api.TokenResponse{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 900})
		case "/api/v1/auth/refresh":
			var req api.RefreshRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "refresh-1", req.RefreshToken)
			_ = json.NewEncoder(w).Encode(api.TokenResponse{AccessToken: "access-2", RefreshToken: "refresh-2"})
		case "/api/v1/auth/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewClient(server.URL)

	tokens, err := client.Login(ctx, api.LoginRequest{Company: "acme", AuthKeyHash: "h", DeviceID: "device-A"})
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, int64(900), tokens.ExpiresIn)

	tokens, err = client.Refresh(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tokens.AccessToken)

	assert.NoError(t, client.Logout(ctx, "refresh-2"))
}

func TestClient_Push(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		var req api.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Changes, 2)
		assert.Equal(t, int64(7), req.SinceCursor)

		_ = json.NewEncoder(w).Encode(api.PushResponse{
			Acks: []api.Ack{
				{ChangeID: req.Changes[0].ChangeID, Status: api.AckAccepted},
				{ChangeID: req.Changes[1].ChangeID, Status: api.AckDuplicate},
			},
			Changes:   []api.Envelope{{ChangeID: "remote-1", DeviceID: "B", Seq: 1, RelaySeq: 8, Payload: []byte{1}}},
			NewCursor: 8,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.SetAccessToken("token-1")

	resp, err := client.Push(context.Background(), api.PushRequest{
		DeviceID:    "A",
		SinceCursor: 7,
		Changes: []api.Envelope{
			{ChangeID: "c1", DeviceID: "A", Seq: 1, Payload: []byte{1}},
			{ChangeID: "c2", DeviceID: "A", Seq: 2, Payload: []byte{2}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Acks, 2)
	assert.Equal(t, api.AckDuplicate, resp.Acks[1].Status)
	assert.Equal(t, int64(8), resp.NewCursor)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, []byte{1}, resp.Changes[0].Payload)
}

func TestClient_Pull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/sync/pull", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("since"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(api.PullResponse{
			Changes:          []api.Envelope{{ChangeID: "x", DeviceID: "B", Seq: 4, RelaySeq: 4}},
			NewCursor:        4,
			HasMore:          true,
			Acknowledgements: map[string]map[string]int64{"B": {"A": 2}},
		})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).Pull(context.Background(), api.PullRequest{SinceCursor: 3, Limit: 10})
	require.NoError(t, err)
	assert.True(t, resp.HasMore)
	assert.Equal(t, int64(4), resp.NewCursor)
	assert.Equal(t, int64(2), resp.Acknowledgements["B"]["A"])
}

func TestClient_Pull_CursorMovedBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.PullResponse{NewCursor: 1})
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Pull(context.Background(), api.PullRequest{SinceCursor: 5})
	assert.True(t, syncerr.IsMalformed(err))
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		status        int
		wantMalformed bool
		wantRetryable bool
		wantUnauth    bool
	}{
		{name: "server error is retryable", status: http.StatusInternalServerError, body: `{"error":"boom"}`, wantRetryable: true},
		{name: "bad gateway is retryable", status: http.StatusBadGateway, body: "upstream down", wantRetryable: true},
		{name: "rate limited is retryable", status: http.StatusTooManyRequests, body: `{"error":"slow down"}`, wantRetryable: true},
		{name: "rejected batch is malformed", status: http.StatusUnprocessableEntity, body: `{"error":"sequence conflict"}`, wantMalformed: true},
		{name: "unauthorized is permanent", status: http.StatusUnauthorized, body: `{"error":"token expired"}`, wantUnauth: true},
		{name: "bad request is permanent", status: http.StatusBadRequest, body: `{"error":"bad"}`},
		{name: "too large is permanent", status: http.StatusRequestEntityTooLarge, body: `{"error":"batch too large"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL).Push(context.Background(), api.PushRequest{})
			require.Error(t, err)

			assert.Equal(t, tt.wantMalformed, syncerr.IsMalformed(err))
			assert.Equal(t, tt.wantRetryable, syncerr.IsRetryable(err))
			assert.Equal(t, tt.wantUnauth, errors.Is(err, ErrUnauthorized))

			if !tt.wantMalformed {
				var te *syncerr.TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.status, te.StatusCode)
				assert.Equal(t, "push", te.Op)
			}
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(url).Pull(context.Background(), api.PullRequest{})
	require.Error(t, err)
	assert.True(t, syncerr.IsRetryable(err))
}

func TestClient_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Pull(context.Background(), api.PullRequest{})
	assert.True(t, syncerr.IsMalformed(err))
}
