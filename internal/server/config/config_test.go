package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ledgerkeeper/internal/server/handlers"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGERRELAY_JWT_SECRET", testSecret)

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "ledgerrelay.db", cfg.DBPath)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 720*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, handlers.DefaultSyncConfig(), cfg.Sync.Handlers())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: 127.0.0.1:9000
jwt_secret: `+testSecret+`
sync:
  max_push_batch: 50
rate_limit:
  requests: 5
`), 0o600))
	t.Setenv("LEDGERRELAY_DB", "/var/lib/relay.db")
	t.Setenv("LEDGERRELAY_AUTH_ACCESS_TOKEN_TTL", "5m")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Address)
	assert.Equal(t, "/var/lib/relay.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 50, cfg.Sync.MaxPushBatch)
	assert.Equal(t, 5, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		env     map[string]string
		name    string
		wantErr string
	}{
		{name: "missing secret", wantErr: "jwt_secret"},
		{
			name:    "short secret",
			env:     map[string]string{"LEDGERRELAY_JWT_SECRET": "short"},
			wantErr: "jwt_secret",
		},
		{
			name:    "bad level",
			env:     map[string]string{"LEDGERRELAY_JWT_SECRET": testSecret, "LEDGERRELAY_LOG_LEVEL": "loud"},
			wantErr: "invalid log level",
		},
		{
			name: "refresh shorter than access",
			env: map[string]string{
				"LEDGERRELAY_JWT_SECRET":             testSecret,
				"LEDGERRELAY_AUTH_REFRESH_TOKEN_TTL": "1m",
			},
			wantErr: "refresh_token_ttl",
		},
		{
			name:    "pull limit above max",
			env:     map[string]string{"LEDGERRELAY_JWT_SECRET": testSecret, "LEDGERRELAY_SYNC_PULL_LIMIT": "5000"},
			wantErr: "max_pull_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(New(), "")
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
