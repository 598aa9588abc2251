// Package sync реализует сессию синхронизации устройства с relay:
// push локальных изменений, pull удаленных и их применение через
// сравнение векторов, CRDT слияние и детектор конфликтов.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/iudanet/ledgerkeeper/internal/client/changelog"
	"github.com/iudanet/ledgerkeeper/internal/client/device"
	"github.com/iudanet/ledgerkeeper/internal/client/envelope"
	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/conflict"
	"github.com/iudanet/ledgerkeeper/internal/crdt"
	"github.com/iudanet/ledgerkeeper/internal/metrics"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/syncerr"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

var (
	// ErrSyncInProgress другой цикл синхронизации уже выполняется
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrSuspended синхронизация приостановлена приложением
	ErrSuspended = errors.New("sync suspended")
	// errNoProgress relay ответил, но не подтвердил ни одного изменения
	errNoProgress = errors.New("relay acknowledged none of the pushed changes")
)

//go:generate moq -out transport_mock.go . Transport

// Transport обмен с relay
type Transport interface {
	Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error)
	Pull(ctx context.Context, req api.PullRequest) (*api.PullResponse, error)
}

// Result итог одного цикла
type Result struct {
	Pushed     int   // подтвержденные relay локальные изменения
	Pulled     int   // примененные удаленные изменения
	Duplicates int   // уже известные изменения, пропущенные при повторной доставке
	Conflicts  int   // созданные или дополненные записи о конфликтах
	Cursor     int64 // курсор после цикла
}

// StatusReport состояние синхронизации для приложения
type StatusReport struct {
	LastSyncAt          time.Time
	LastError           string
	State               State
	Health              Health
	Pending             int64 // локальные изменения, еще не подтвержденные relay
	UnresolvedConflicts int
	Failures            int // подряд неудачных циклов
	Cursor              int64
}

// Manager сессия синхронизации устройства
type Manager struct {
	lastSyncAt time.Time
	lastErr    error
	store      storage.Store
	transport  Transport
	log        *changelog.Log
	engine     *crdt.Engine
	detector   *conflict.Detector
	sealer     *envelope.Sealer
	metrics    *metrics.Sync
	logger     *slog.Logger
	breaker    *gobreaker.CircuitBreaker
	newBackOff func() backoff.BackOff
	state      State
	health     Health
	cfg        Config
	failures   int
	suspended  bool
	cycle      sync.Mutex
	mu         sync.Mutex
}

// NewManager создает сессию синхронизации. m может быть nil.
func NewManager(
	store storage.Store,
	log *changelog.Log,
	engine *crdt.Engine,
	detector *conflict.Detector,
	sealer *envelope.Sealer,
	transport Transport,
	m *metrics.Sync,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.NewSync(nil)
	}
	mgr := &Manager{
		store:     store,
		log:       log,
		engine:    engine,
		detector:  detector,
		sealer:    sealer,
		transport: transport,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
		health:    HealthOK,
	}
	mgr.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialBackoff
		b.MaxInterval = cfg.MaxBackoff
		b.MaxElapsedTime = 0 // число попыток ограничивает MaxRetries
		return b
	}
	mgr.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// размыкают цепь только сбои транспорта
		IsSuccessful: func(err error) bool {
			return err == nil || !syncerr.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return mgr
}

// Sync выполняет один цикл: push, затем pull.
// Одновременно выполняется не больше одного цикла.
func (m *Manager) Sync(ctx context.Context) (*Result, error) {
	if !m.cycle.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer m.cycle.Unlock()

	if m.IsSuspended() {
		return nil, ErrSuspended
	}

	started := time.Now()
	res := &Result{}
	_, err := m.breaker.Execute(func() (interface{}, error) {
		if err := m.push(ctx, res); err != nil {
			return nil, err
		}
		return nil, m.pull(ctx, res)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &syncerr.TransportError{Op: "sync", Err: err}
	}
	m.metrics.CycleDuration.Observe(time.Since(started).Seconds())
	m.finish(ctx, res, err)
	if err != nil {
		return res, err
	}
	return res, nil
}

// finish фиксирует итог цикла в статусе
func (m *Manager) finish(ctx context.Context, res *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspended {
		m.state = StateSuspended
	} else {
		m.state = StateIdle
	}
	if err == nil {
		m.health = HealthOK
		m.lastErr = nil
		m.failures = 0
		m.lastSyncAt = time.Now()
		m.metrics.Cycles.WithLabelValues("ok").Inc()
		m.logger.InfoContext(ctx, "sync completed",
			slog.Int("pushed", res.Pushed),
			slog.Int("pulled", res.Pulled),
			slog.Int("duplicates", res.Duplicates),
			slog.Int("conflicts", res.Conflicts),
			slog.Int64("cursor", res.Cursor),
		)
		return
	}

	m.health = HealthDegraded
	m.lastErr = err
	m.failures++
	result := "transport_error"
	switch {
	case syncerr.IsMalformed(err):
		result = "malformed"
	case errors.As(err, new(*syncerr.StorageError)):
		result = "storage_error"
	}
	m.metrics.Cycles.WithLabelValues(result).Inc()
	m.logger.WarnContext(ctx, "sync failed, local operation continues",
		slog.String("result", result),
		slog.Int("failures", m.failures),
		slog.Any("error", err),
	)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Suspend приостанавливает синхронизацию (например, офлайн режим).
// Идущий цикл завершается, новые не начинаются.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
	if !m.state.Active() {
		m.state = StateSuspended
	}
}

// Resume снимает паузу
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = false
	if m.state == StateSuspended {
		m.state = StateIdle
	}
}

// IsSuspended сообщает, приостановлена ли синхронизация
func (m *Manager) IsSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// State возвращает текущее состояние сессии
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run запускает периодическую синхронизацию до отмены ctx.
// Ошибки циклов только логируются: локальная работа от них не зависит.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !m.IsSuspended() {
			if _, err := m.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				m.logger.DebugContext(ctx, "sync cycle failed", slog.Any("error", err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// retry выполняет fn с таймаутом на попытку и экспоненциальным backoff.
// Повторяются только сбои транспорта (включая истекший таймаут попытки).
func (m *Manager) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !syncerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.setState(StateErrorBackoff)
		m.metrics.Retries.Inc()
		m.logger.WarnContext(ctx, "transport failure, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), m.cfg.MaxRetries), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		var te *syncerr.TransportError
		if !errors.As(err, &te) {
			return syncerr.Transport(op, err)
		}
	}
	return err
}

// Push отправляет неподтвержденные локальные изменения пачками.
func (m *Manager) Push(ctx context.Context) (*Result, error) {
	if !m.cycle.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer m.cycle.Unlock()

	res := &Result{}
	err := m.push(ctx, res)
	m.finish(ctx, res, err)
	return res, err
}

// Pull запрашивает и применяет удаленные изменения.
func (m *Manager) Pull(ctx context.Context) (*Result, error) {
	if !m.cycle.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer m.cycle.Unlock()

	res := &Result{}
	err := m.pull(ctx, res)
	m.finish(ctx, res, err)
	return res, err
}

func (m *Manager) push(ctx context.Context, res *Result) error {
	dev := m.log.Device()
	for {
		m.setState(StatePushing)

		var (
			mark   int64
			cursor *models.SyncCursor
		)
		err := m.store.View(ctx, func(tx storage.Tx) error {
			var err error
			if mark, err = tx.GetPushMark(m.cfg.Endpoint); err != nil {
				return err
			}
			cursor, err = tx.GetCursor(m.cfg.Endpoint)
			return err
		})
		if err != nil {
			return syncerr.Storage("push", err)
		}

		recs, err := m.log.Unsent(ctx, mark, m.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		envs, err := m.sealer.SealAll(recs)
		if err != nil {
			return fmt.Errorf("failed to seal changes: %w", err)
		}

		req := api.PushRequest{
			DeviceID:    dev.DeviceID,
			CompanyID:   dev.CompanyID,
			SinceCursor: cursor.Position,
			Changes:     envs,
		}
		var resp *api.PushResponse
		err = m.retry(ctx, "push", func(actx context.Context) error {
			var err error
			resp, err = m.transport.Push(actx, req)
			return err
		})
		if err != nil {
			return err
		}

		acked := make(map[string]bool, len(resp.Acks))
		for _, ack := range resp.Acks {
			if ack.Status == api.AckAccepted || ack.Status == api.AckDuplicate {
				acked[ack.ChangeID] = true
			}
		}
		// отметка продвигается только по непрерывному префиксу подтверждений
		newMark := mark
		for _, rec := range recs {
			if !acked[rec.ID] {
				break
			}
			newMark = rec.Seq
		}
		if newMark == mark {
			return &syncerr.TransportError{Op: "push", Err: errNoProgress}
		}
		if err := m.store.Update(ctx, func(tx storage.Tx) error {
			return tx.PutPushMark(m.cfg.Endpoint, newMark)
		}); err != nil {
			return syncerr.Storage("push mark", err)
		}
		pushed := int(newMark - mark)
		res.Pushed += pushed
		m.metrics.Pushed.Add(float64(pushed))
		m.logger.DebugContext(ctx, "changes pushed", slog.Int("count", pushed), slog.Int64("mark", newMark))

		// попутно полученные изменения идут тем же путем, что и pull
		if len(resp.Changes) > 0 || resp.NewCursor > cursor.Position {
			if err := m.apply(ctx, resp.Changes, resp.NewCursor, nil, res); err != nil {
				return err
			}
		}
		if len(recs) < m.cfg.BatchSize {
			return nil
		}
	}
}

func (m *Manager) pull(ctx context.Context, res *Result) error {
	dev := m.log.Device()
	for {
		m.setState(StatePulling)

		var cursor *models.SyncCursor
		err := m.store.View(ctx, func(tx storage.Tx) error {
			var err error
			cursor, err = tx.GetCursor(m.cfg.Endpoint)
			return err
		})
		if err != nil {
			return syncerr.Storage("pull", err)
		}

		req := api.PullRequest{
			DeviceID:    dev.DeviceID,
			CompanyID:   dev.CompanyID,
			SinceCursor: cursor.Position,
			Limit:       m.cfg.PullLimit,
		}
		var resp *api.PullResponse
		err = m.retry(ctx, "pull", func(actx context.Context) error {
			var err error
			resp, err = m.transport.Pull(actx, req)
			return err
		})
		if err != nil {
			return err
		}

		if err := m.apply(ctx, resp.Changes, resp.NewCursor, resp.Acknowledgements, res); err != nil {
			return err
		}
		res.Cursor = max(res.Cursor, resp.NewCursor)
		if !resp.HasMore || resp.NewCursor <= cursor.Position {
			return nil
		}
	}
}

// apply применяет пачку удаленных изменений. Пачка сначала открывается
// целиком: при любой ошибке ничего не применяется и курсор не двигается.
// Затем все изменения, записи о конфликтах, сущности и курсор фиксируются
// одной транзакцией.
func (m *Manager) apply(ctx context.Context, envs []api.Envelope, newCursor int64, acks map[string]map[string]int64, res *Result) error {
	m.setState(StateMerging)
	dev := m.log.Device()

	recs, err := m.sealer.OpenBatch(envs, dev.CompanyID)
	if err != nil {
		m.metrics.MalformedBatches.Inc()
		return err
	}

	var applied, duplicates, conflicts int
	byClass := make(map[models.Classification]int)
	err = m.store.Update(ctx, func(tx storage.Tx) error {
		applied, duplicates, conflicts = 0, 0, 0
		clear(byClass)
		for _, rec := range recs {
			known, err := tx.HasChange(rec.ID)
			if err != nil {
				return err
			}
			if known {
				duplicates++
				continue
			}
			c, err := m.applyChange(tx, rec)
			if err != nil {
				return err
			}
			if c != nil {
				conflicts++
				byClass[c.Classification]++
			}
			applied++
		}

		cursor, err := tx.GetCursor(m.cfg.Endpoint)
		if err != nil {
			return err
		}
		if newCursor > cursor.Position {
			cursor.Endpoint = m.cfg.Endpoint
			cursor.Position = newCursor
			cursor.UpdatedAt = time.Now().UTC()
			if err := tx.PutCursor(cursor); err != nil {
				return err
			}
		}
		if acks != nil {
			vectors := make(map[string]models.VersionVector, len(acks))
			for d, v := range acks {
				vectors[d] = models.VersionVector(v)
			}
			return tx.PutAcks(vectors)
		}
		return nil
	})
	if err != nil {
		if syncerr.IsMalformed(err) {
			m.metrics.MalformedBatches.Inc()
			return err
		}
		return syncerr.Storage("apply", err)
	}

	res.Pulled += applied
	res.Duplicates += duplicates
	res.Conflicts += conflicts
	res.Cursor = max(res.Cursor, newCursor)
	m.metrics.Pulled.Add(float64(applied))
	m.metrics.Duplicates.Add(float64(duplicates))
	for class, n := range byClass {
		m.metrics.Conflicts.WithLabelValues(string(class)).Add(float64(n))
	}
	if len(recs) > 0 {
		m.logger.DebugContext(ctx, "batch applied",
			slog.Int("received", len(recs)),
			slog.Int("applied", applied),
			slog.Int("duplicates", duplicates),
			slog.Int64("cursor", newCursor),
		)
	}
	return nil
}

// applyChange проводит одно изменение через слияние и детектор конфликтов.
// Возвращает запись о конфликте, если она создана или дополнена.
func (m *Manager) applyChange(tx storage.Tx, rec *models.ChangeRecord) (*models.ConflictRecord, error) {
	if err := tx.PutChange(rec); err != nil {
		if errors.Is(err, storage.ErrSequenceTaken) {
			return nil, syncerr.Malformed(fmt.Sprintf("change %s reuses seq %d of %s", rec.ID, rec.Seq, rec.DeviceID), err)
		}
		return nil, err
	}

	local, err := tx.GetEntity(rec.EntityID)
	if err != nil && !errors.Is(err, storage.ErrEntityNotFound) {
		return nil, err
	}
	res, err := m.engine.Merge(local, crdt.ChangeState(rec))
	if err != nil {
		if errors.Is(err, crdt.ErrEntityMismatch) {
			return nil, syncerr.Malformed("change "+rec.ID, err)
		}
		return nil, err
	}

	open, err := tx.OpenConflict(rec.EntityID)
	if err != nil && !errors.Is(err, storage.ErrConflictNotFound) {
		return nil, err
	}

	if open != nil && res.FastForward() {
		// изменение причинно после нашего состояния: его автор видел конфликт
		if updated, changed := m.detector.Supersede(open, rec); changed {
			if err := tx.PutConflict(updated); err != nil {
				return nil, err
			}
			open = nil
			if updated.IsOpen() {
				open = updated
			}
		}
	}

	c := m.detector.Classify(res, rec.ID)
	if c != nil {
		if c.IsOpen() && open != nil {
			c = m.detector.Fold(open, c)
		}
		if err := tx.PutConflict(c); err != nil {
			return nil, err
		}
	}

	if res.IsMalformed() {
		// локальное состояние не трогаем до решения пользователя
		return c, nil
	}
	if err := tx.PutEntity(res.Entity); err != nil {
		return nil, err
	}
	m.log.Device().Clock.Observe(rec.Timestamp)
	return c, nil
}

// Status собирает отчет о состоянии синхронизации
func (m *Manager) Status(ctx context.Context) (*StatusReport, error) {
	report, err := ReadStatus(ctx, m.store, m.log.Device(), m.cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	report.State = m.state
	report.Health = m.health
	report.Failures = m.failures
	if !m.lastSyncAt.IsZero() {
		report.LastSyncAt = m.lastSyncAt
	}
	if m.lastErr != nil {
		report.LastError = m.lastErr.Error()
	}
	return report, nil
}

// ReadStatus собирает счетчики отчета из локального хранилища, без сессии:
// неподтвержденные изменения, открытые конфликты, курсор и время его сдвига.
func ReadStatus(ctx context.Context, store storage.Store, dev *device.Context, endpoint string) (*StatusReport, error) {
	report := &StatusReport{State: StateIdle, Health: HealthOK}
	err := store.View(ctx, func(tx storage.Tx) error {
		last, err := tx.LastSeq(dev.DeviceID)
		if err != nil {
			return err
		}
		mark, err := tx.GetPushMark(endpoint)
		if err != nil {
			return err
		}
		report.Pending = last - mark

		cursor, err := tx.GetCursor(endpoint)
		if err != nil {
			return err
		}
		report.Cursor = cursor.Position
		report.LastSyncAt = cursor.UpdatedAt

		list, err := tx.ListConflicts(dev.CompanyID)
		if err != nil {
			return err
		}
		for _, c := range list {
			if c.IsOpen() {
				report.UnresolvedConflicts++
			}
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.Storage("status", err)
	}
	return report, nil
}

// UserStatus сводит состояние к одному из статусов для приложения:
// syncing, degraded, conflicts-pending или idle.
func (m *Manager) UserStatus(ctx context.Context) string {
	report, err := m.Status(ctx)
	if err != nil {
		return UserStatusDegraded
	}
	switch {
	case report.State.Active():
		return UserStatusSyncing
	case report.Health == HealthDegraded:
		return UserStatusDegraded
	case report.UnresolvedConflicts > 0:
		return UserStatusConflictsPending
	}
	return UserStatusIdle
}

// CompactAcknowledged сжимает журнал до последнего собственного изменения,
// подтвержденного relay. Остальные условия compaction проверяет журнал.
func (m *Manager) CompactAcknowledged(ctx context.Context) (int, error) {
	var mark int64
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		mark, err = tx.GetPushMark(m.cfg.Endpoint)
		return err
	})
	if err != nil {
		return 0, syncerr.Storage("compact", err)
	}
	if mark == 0 {
		return 0, nil
	}
	recs, err := m.log.Unsent(ctx, mark-1, 1)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 || recs[0].Seq != mark {
		return 0, nil
	}
	return m.log.Compact(ctx, recs[0].ID)
}
