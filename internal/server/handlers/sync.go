package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iudanet/ledgerkeeper/internal/metrics"
	"github.com/iudanet/ledgerkeeper/internal/server/storage"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// SyncStorage хранилище, нужное синхронизации
type SyncStorage interface {
	storage.ChangeStorage
	TouchDevice(ctx context.Context, companyID, deviceID string, cursor int64, now time.Time) error
}

// SyncConfig ограничения обмена изменениями
type SyncConfig struct {
	MaxPushBatch     int
	DefaultPullLimit int
	MaxPullLimit     int
	IdempotencyCache int
}

// DefaultSyncConfig значения по умолчанию
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxPushBatch:     500,
		DefaultPullLimit: 200,
		MaxPullLimit:     1000,
		IdempotencyCache: 10000,
	}
}

// seqRef маршрут уже принятого изменения
type seqRef struct {
	deviceID string
	seq      int64
}

// SyncHandler принимает и раздает зашифрованные изменения устройств.
// Содержимое конвертов relay не читает.
type SyncHandler struct {
	logger  *slog.Logger
	storage SyncStorage
	metrics *metrics.Relay
	// seen недавно принятые изменения по ключу company/change_id,
	// повторная отправка подтверждается без обращения к БД
	seen *lru.Cache[string, seqRef]
	now  func() time.Time
	cfg  SyncConfig
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, storage SyncStorage, m *metrics.Relay, cfg SyncConfig) (*SyncHandler, error) {
	seen, err := lru.New[string, seqRef](max(cfg.IdempotencyCache, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency cache: %w", err)
	}
	if m == nil {
		m = metrics.NewRelay(nil)
	}
	return &SyncHandler{
		logger:  logger,
		storage: storage,
		metrics: m,
		seen:    seen,
		now:     time.Now,
		cfg:     cfg,
	}, nil
}

// Push обрабатывает POST /api/v1/sync/push
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req api.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode push request", slog.Any("error", err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !h.sameIdentity(w, req.CompanyID, req.DeviceID, companyID, deviceID) {
		return
	}
	if len(req.Changes) > h.cfg.MaxPushBatch {
		sendError(h.logger, w, fmt.Sprintf("batch exceeds %d changes", h.cfg.MaxPushBatch), http.StatusRequestEntityTooLarge)
		return
	}
	if err := validateEnvelopes(req.Changes, deviceID); err != nil {
		h.metrics.RejectedBatches.Inc()
		sendError(h.logger, w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	acks, err := h.save(r, companyID, req.Changes)
	if err != nil {
		if errors.Is(err, storage.ErrSequenceConflict) {
			h.metrics.RejectedBatches.Inc()
			h.logger.WarnContext(ctx, "push batch rejected",
				slog.String("company_id", companyID),
				slog.String("device_id", deviceID),
				slog.Any("error", err))
			sendError(h.logger, w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.ErrorContext(ctx, "failed to save changes", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	changes, _, err := h.storage.ChangesSince(ctx, companyID, req.SinceCursor, h.cfg.DefaultPullLimit)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load changes", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.touch(r, companyID, deviceID, req.SinceCursor)

	h.logger.InfoContext(ctx, "push accepted",
		slog.String("company_id", companyID),
		slog.String("device_id", deviceID),
		slog.Int("changes", len(req.Changes)),
		slog.Int("piggyback", len(changes)))

	sendJSON(h.logger, w, api.PushResponse{
		Acks:      acks,
		Changes:   nonNil(changes),
		NewCursor: cursorAfter(changes, req.SinceCursor),
	}, http.StatusOK)
}

// Pull обрабатывает GET /api/v1/sync/pull?since=&limit=
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	since, err := queryInt(r, "since", 0)
	if err != nil || since < 0 {
		sendError(h.logger, w, "invalid since parameter", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", int64(h.cfg.DefaultPullLimit))
	if err != nil || limit <= 0 {
		sendError(h.logger, w, "invalid limit parameter", http.StatusBadRequest)
		return
	}
	limit = min(limit, int64(h.cfg.MaxPullLimit))

	changes, hasMore, err := h.storage.ChangesSince(ctx, companyID, since, int(limit))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load changes", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.touch(r, companyID, deviceID, since)

	acks, err := h.storage.Acknowledgements(ctx, companyID)
	if err != nil {
		// Без подтверждений устройство просто не сожмет журнал
		h.logger.WarnContext(ctx, "failed to load acknowledgements", slog.Any("error", err))
		acks = nil
	}

	h.metrics.Pulls.Inc()
	h.logger.DebugContext(ctx, "pull served",
		slog.String("company_id", companyID),
		slog.String("device_id", deviceID),
		slog.Int64("since", since),
		slog.Int("changes", len(changes)),
		slog.Bool("has_more", hasMore))

	sendJSON(h.logger, w, api.PullResponse{
		Changes:          nonNil(changes),
		NewCursor:        cursorAfter(changes, since),
		HasMore:          hasMore,
		Acknowledgements: acks,
	}, http.StatusOK)
}

// save пропускает изменения, известные по кешу, остальные сохраняет
// одной транзакцией. Порядок подтверждений совпадает с порядком пакета.
func (h *SyncHandler) save(r *http.Request, companyID string, envs []api.Envelope) ([]api.Ack, error) {
	acks := make([]api.Ack, len(envs))
	var (
		fresh []api.Envelope
		index []int
	)
	for i, env := range envs {
		ref, ok := h.seen.Get(cacheKey(companyID, env.ChangeID))
		if ok && ref.deviceID == env.DeviceID && ref.seq == env.Seq {
			acks[i] = api.Ack{ChangeID: env.ChangeID, Status: api.AckDuplicate}
			continue
		}
		fresh = append(fresh, env)
		index = append(index, i)
	}

	if len(fresh) > 0 {
		saved, err := h.storage.SaveChanges(r.Context(), companyID, fresh)
		if err != nil {
			return nil, err
		}
		for j, ack := range saved {
			acks[index[j]] = ack
			env := fresh[j]
			h.seen.Add(cacheKey(companyID, env.ChangeID), seqRef{deviceID: env.DeviceID, seq: env.Seq})
		}
	}

	for _, ack := range acks {
		h.metrics.Changes.WithLabelValues(ack.Status).Inc()
	}
	return acks, nil
}

// touch запоминает курсор, до которого устройство все применило
func (h *SyncHandler) touch(r *http.Request, companyID, deviceID string, cursor int64) {
	if err := h.storage.TouchDevice(r.Context(), companyID, deviceID, cursor, h.now()); err != nil {
		h.logger.WarnContext(r.Context(), "failed to update device cursor",
			slog.String("device_id", deviceID),
			slog.Any("error", err))
	}
}

func (h *SyncHandler) identity(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	companyID, ok := GetCompanyID(r.Context())
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	deviceID, ok := GetDeviceID(r.Context())
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	return companyID, deviceID, true
}

// sameIdentity маршрутные поля запроса, если заданы, должны совпадать с токеном
func (h *SyncHandler) sameIdentity(w http.ResponseWriter, reqCompany, reqDevice, companyID, deviceID string) bool {
	if (reqCompany != "" && reqCompany != companyID) || (reqDevice != "" && reqDevice != deviceID) {
		sendError(h.logger, w, "company or device does not match access token", http.StatusForbidden)
		return false
	}
	return true
}

// validateEnvelopes устройство отправляет только собственные изменения
func validateEnvelopes(envs []api.Envelope, deviceID string) error {
	for i, env := range envs {
		switch {
		case env.ChangeID == "":
			return fmt.Errorf("change %d: change_id is required", i)
		case env.DeviceID != deviceID:
			return fmt.Errorf("change %s: device %q does not match sender", env.ChangeID, env.DeviceID)
		case env.Seq <= 0:
			return fmt.Errorf("change %s: seq must be positive", env.ChangeID)
		case len(env.Payload) == 0:
			return fmt.Errorf("change %s: empty payload", env.ChangeID)
		}
	}
	return nil
}

func cacheKey(companyID, changeID string) string {
	return companyID + "/" + changeID
}

func cursorAfter(changes []api.Envelope, since int64) int64 {
	if len(changes) == 0 {
		return since
	}
	return changes[len(changes)-1].RelaySeq
}

func nonNil(changes []api.Envelope) []api.Envelope {
	if changes == nil {
		return []api.Envelope{}
	}
	return changes
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
