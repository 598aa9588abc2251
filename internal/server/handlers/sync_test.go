package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ledgerkeeper/internal/metrics"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/server/storage/sqlite"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

type syncFixture struct {
	handler   *SyncHandler
	storage   *sqlite.Storage
	metrics   *metrics.Relay
	companyID string
}

func setupSyncHandler(t *testing.T, cfg SyncConfig) *syncFixture {
	t.Helper()
	ctx := context.Background()
	s := setupTestStorage(t)

	now := time.Now()
	companyID := "company-1"
	require.NoError(t, s.CreateCompany(ctx, &models.Company{
		ID: companyID, Name: "acme", AuthKeyHash: "h", PublicSalt: "s", CreatedAt: now, UpdatedAt: now,
	}))
	for _, d := range []string{"A", "B"} {
		require.NoError(t, s.RegisterDevice(ctx, companyID, d, now))
	}

	m := metrics.NewRelay(prometheus.NewRegistry())
	h, err := NewSyncHandler(setupTestLogger(), s, m, cfg)
	require.NoError(t, err)

	return &syncFixture{handler: h, storage: s, metrics: m, companyID: companyID}
}

func env(device string, seq int64) api.Envelope {
	return api.Envelope{
		ChangeID: fmt.Sprintf("%s-%d", device, seq),
		DeviceID: device,
		Seq:      seq,
		Payload:  []byte("sealed"),
	}
}

func (f *syncFixture) push(t *testing.T, device string, req api.PushRequest) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(req))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", &buf)
	r = r.WithContext(WithDevice(r.Context(), f.companyID, device))
	w := httptest.NewRecorder()
	f.handler.Push(w, r)
	return w
}

func (f *syncFixture) pull(t *testing.T, device, query string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull?"+query, nil)
	r = r.WithContext(WithDevice(r.Context(), f.companyID, device))
	w := httptest.NewRecorder()
	f.handler.Pull(w, r)
	return w
}

func decodePush(t *testing.T, w *httptest.ResponseRecorder) api.PushResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.PushResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func decodePull(t *testing.T, w *httptest.ResponseRecorder) api.PullResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.PullResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestSyncHandler_PushAndPiggyback(t *testing.T) {
	f := setupSyncHandler(t, DefaultSyncConfig())

	resp := decodePush(t, f.push(t, "B", api.PushRequest{Changes: []api.Envelope{env("B", 1)}}))
	assert.Equal(t, []api.Ack{{ChangeID: "B-1", Status: api.AckAccepted}}, resp.Acks)

	resp = decodePush(t, f.push(t, "A", api.PushRequest{
		CompanyID: f.companyID,
		DeviceID:  "A",
		Changes:   []api.Envelope{env("A", 1), env("A", 2)},
	}))
	assert.Equal(t, []api.Ack{
		{ChangeID: "A-1", Status: api.AckAccepted},
		{ChangeID: "A-2", Status: api.AckAccepted},
	}, resp.Acks)

	// попутная выдача включает все изменения после курсора
	require.Len(t, resp.Changes, 3)
	assert.Equal(t, "B-1", resp.Changes[0].ChangeID)
	assert.Equal(t, resp.Changes[2].RelaySeq, resp.NewCursor)

	// повторная отправка: A-2 из кеша, A-3 новое
	resp = decodePush(t, f.push(t, "A", api.PushRequest{
		SinceCursor: resp.NewCursor,
		Changes:     []api.Envelope{env("A", 2), env("A", 3)},
	}))
	assert.Equal(t, []api.Ack{
		{ChangeID: "A-2", Status: api.AckDuplicate},
		{ChangeID: "A-3", Status: api.AckAccepted},
	}, resp.Acks)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "A-3", resp.Changes[0].ChangeID)

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Changes.WithLabelValues(api.AckAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Changes.WithLabelValues(api.AckDuplicate)))
}

func TestSyncHandler_PushDuplicateWithoutCache(t *testing.T) {
	cfg := DefaultSyncConfig()
	cfg.IdempotencyCache = 1
	f := setupSyncHandler(t, cfg)

	decodePush(t, f.push(t, "A", api.PushRequest{Changes: []api.Envelope{env("A", 1), env("A", 2)}}))

	// A-1 вытеснен из кеша, дубликат распознает хранилище
	resp := decodePush(t, f.push(t, "A", api.PushRequest{Changes: []api.Envelope{env("A", 1)}}))
	assert.Equal(t, []api.Ack{{ChangeID: "A-1", Status: api.AckDuplicate}}, resp.Acks)
}

func TestSyncHandler_PushRejected(t *testing.T) {
	cfg := DefaultSyncConfig()
	cfg.MaxPushBatch = 2
	f := setupSyncHandler(t, cfg)

	decodePush(t, f.push(t, "A", api.PushRequest{Changes: []api.Envelope{env("A", 1)}}))

	reused := env("A", 1)
	reused.ChangeID = "A-other"
	foreign := env("B", 5)
	noPayload := env("A", 2)
	noPayload.Payload = nil

	tests := []struct {
		name     string
		req      api.PushRequest
		wantCode int
	}{
		{name: "seq reused", req: api.PushRequest{Changes: []api.Envelope{reused}}, wantCode: http.StatusUnprocessableEntity},
		{name: "foreign device change", req: api.PushRequest{Changes: []api.Envelope{foreign}}, wantCode: http.StatusUnprocessableEntity},
		{name: "empty payload", req: api.PushRequest{Changes: []api.Envelope{noPayload}}, wantCode: http.StatusUnprocessableEntity},
		{name: "company mismatch", req: api.PushRequest{CompanyID: "other"}, wantCode: http.StatusForbidden},
		{name: "device mismatch", req: api.PushRequest{DeviceID: "B"}, wantCode: http.StatusForbidden},
		{
			name:     "batch too large",
			req:      api.PushRequest{Changes: []api.Envelope{env("A", 2), env("A", 3), env("A", 4)}},
			wantCode: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.push(t, "A", tt.req)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.RejectedBatches))

	changes, _, err := f.storage.ChangesSince(context.Background(), f.companyID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestSyncHandler_Pull(t *testing.T) {
	f := setupSyncHandler(t, DefaultSyncConfig())

	decodePush(t, f.push(t, "A", api.PushRequest{Changes: []api.Envelope{env("A", 1), env("A", 2), env("A", 3)}}))

	page := decodePull(t, f.pull(t, "B", "since=0&limit=2"))
	require.Len(t, page.Changes, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, page.Changes[1].RelaySeq, page.NewCursor)

	page = decodePull(t, f.pull(t, "B", fmt.Sprintf("since=%d&limit=2", page.NewCursor)))
	require.Len(t, page.Changes, 1)
	assert.False(t, page.HasMore)
	cursor := page.NewCursor

	// пустая выдача сохраняет курсор, подтверждения учитывают полученное
	page = decodePull(t, f.pull(t, "B", fmt.Sprintf("since=%d", cursor)))
	assert.Empty(t, page.Changes)
	assert.Equal(t, cursor, page.NewCursor)
	assert.Equal(t, map[string]map[string]int64{
		"A": {"A": 3},
		"B": {"A": 3},
	}, page.Acknowledgements)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Pulls))

	for _, q := range []string{"since=-1", "since=x", "limit=0", "limit=abc"} {
		w := f.pull(t, "B", q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestSyncHandler_Unauthenticated(t *testing.T) {
	f := setupSyncHandler(t, DefaultSyncConfig())

	w := httptest.NewRecorder()
	f.handler.Pull(w, httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
