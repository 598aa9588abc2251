// Package resolve связывает записи о конфликтах с приложением: отдает
// нерешенные конфликты и превращает выбор пользователя в новые изменения
// журнала, которые затем синхронизируются как обычные правки.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/ledgerkeeper/internal/client/changelog"
	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/syncerr"
)

var (
	ErrConflictNotFound     = errors.New("conflict not found")
	ErrAlreadyResolved      = errors.New("conflict already resolved")
	ErrEntityChoiceRequired = errors.New("conflict requires choosing a whole side")
	ErrFieldNotContended    = errors.New("field is not in conflict")
	ErrInvalidSide          = errors.New("invalid side")
)

// Bridge мост между записями о конфликтах и интерфейсом пользователя
type Bridge struct {
	store  storage.Store
	log    *changelog.Log
	logger *slog.Logger
	now    func() time.Time
}

// NewBridge создает мост
func NewBridge(store storage.Store, log *changelog.Log, logger *slog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		log:    log,
		logger: logger,
		now:    time.Now,
	}
}

// ListUnresolved возвращает конфликты, ожидающие решения, от старых к новым.
// Отложенные конфликты тоже входят в список.
func (b *Bridge) ListUnresolved(ctx context.Context, companyID string) ([]*models.ConflictRecord, error) {
	return b.List(ctx, companyID, models.StatusUnresolved)
}

// List возвращает конфликты с указанным статусом; пустой статус - все.
func (b *Bridge) List(ctx context.Context, companyID string, status models.ConflictStatus) ([]*models.ConflictRecord, error) {
	var list []*models.ConflictRecord
	err := b.store.View(ctx, func(tx storage.Tx) error {
		all, err := tx.ListConflicts(companyID)
		if err != nil {
			return err
		}
		for _, c := range all {
			if status == "" || c.Status == status {
				list = append(list, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.Storage("list conflicts", err)
	}
	return list, nil
}

// Get возвращает запись о конфликте
func (b *Bridge) Get(ctx context.Context, conflictID string) (*models.ConflictRecord, error) {
	var c *models.ConflictRecord
	err := b.store.View(ctx, func(tx storage.Tx) error {
		var err error
		c, err = tx.GetConflict(conflictID)
		return err
	})
	if errors.Is(err, storage.ErrConflictNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if err != nil {
		return nil, syncerr.Storage("get conflict", err)
	}
	return c, nil
}

func (b *Bridge) getOpen(ctx context.Context, conflictID string) (*models.ConflictRecord, error) {
	c, err := b.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, conflictID, c.Status)
	}
	return c, nil
}

// observe поднимает часы устройства над всеми кандидатами, чтобы
// изменение-решение было новее любого из них и победило по LWW везде.
func (b *Bridge) observe(c *models.ConflictRecord) {
	clock := b.log.Device().Clock
	for _, cands := range c.Candidates {
		for _, cand := range cands {
			clock.Observe(cand.Timestamp)
		}
	}
}

// ResolveField записывает выбранное значение одного поля как новое изменение.
// Для tombstone поля "true" означает удаление, иначе восстановление.
// Запись закрывается, когда решены все поля.
func (b *Bridge) ResolveField(ctx context.Context, conflictID, field, value string) (*models.ChangeRecord, error) {
	c, err := b.getOpen(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Classification == models.ClassNeedsEntityChoice {
		return nil, fmt.Errorf("%w: %s (%s)", ErrEntityChoiceRequired, conflictID, c.Reason)
	}
	if !c.Contends(field) {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotContended, field)
	}

	b.observe(c)
	op, delta := models.OpUpdate, map[string]string{field: value}
	if field == models.TombstoneField {
		op, delta = models.OpRestore, nil
		if value == models.TombstoneSet {
			op = models.OpDelete
		}
	}

	rec, err := b.log.Append(ctx, c.EntityID, c.EntityType, op, delta)
	if err != nil {
		return nil, err
	}
	b.logger.InfoContext(ctx, "conflict field resolved",
		slog.String("conflict_id", conflictID),
		slog.String("field", field),
		slog.String("change_id", rec.ID),
	)
	return rec, nil
}

// ResolveEntity оставляет значения одной стороны для всех полей конфликта
// одним изменением и закрывает запись.
func (b *Bridge) ResolveEntity(ctx context.Context, conflictID string, keep models.Side) (*models.ChangeRecord, error) {
	if keep != models.SideLocal && keep != models.SideRemote {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, keep)
	}
	c, err := b.getOpen(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	var current *models.Entity
	err = b.store.View(ctx, func(tx storage.Tx) error {
		var err error
		current, err = tx.GetEntity(c.EntityID)
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, syncerr.Storage("resolve entity", err)
	}

	deleted := current != nil && current.IsDeleted()
	tombstoneContended := false
	delta := make(map[string]string, len(c.Fields))
	var absent []string
	for _, f := range c.Fields {
		cand, ok := c.Candidate(f, keep)
		if !ok {
			// у выбранной стороны поля нет: оставляем его вне дельты
			absent = append(absent, f)
			continue
		}
		if f == models.TombstoneField {
			tombstoneContended = true
			deleted = cand.Value == models.TombstoneSet
			continue
		}
		delta[f] = cand.Value
	}

	// одно изменение несет и значения, и состояние tombstone
	op := models.OpUpdate
	switch {
	case deleted:
		op = models.OpDelete
	case tombstoneContended || (current != nil && current.IsDeleted()):
		op = models.OpRestore
	}

	b.observe(c)
	rec, err := b.log.AppendResolution(ctx, c.EntityID, c.EntityType, op, delta, absent)
	if err != nil {
		return nil, err
	}
	b.logger.InfoContext(ctx, "conflict resolved by side",
		slog.String("conflict_id", conflictID),
		slog.String("side", string(keep)),
		slog.String("change_id", rec.ID),
	)
	return rec, nil
}

// Defer откладывает решение. Запись остается в списке нерешенных.
func (b *Bridge) Defer(ctx context.Context, conflictID string) error {
	err := b.store.Update(ctx, func(tx storage.Tx) error {
		c, err := tx.GetConflict(conflictID)
		if err != nil {
			return err
		}
		if !c.IsOpen() {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, conflictID)
		}
		c.Deferred = true
		c.UpdatedAt = b.now().UTC()
		return tx.PutConflict(c)
	})
	switch {
	case errors.Is(err, storage.ErrConflictNotFound):
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	case errors.Is(err, ErrAlreadyResolved):
		return err
	case err != nil:
		return syncerr.Storage("defer conflict", err)
	}
	return nil
}

// Purge удаляет решенные записи, закрытые раньше olderThan.
// Нерешенные записи не удаляются никогда.
func (b *Bridge) Purge(ctx context.Context, companyID string, olderThan time.Time) (int, error) {
	removed := 0
	err := b.store.Update(ctx, func(tx storage.Tx) error {
		list, err := tx.ListConflicts(companyID)
		if err != nil {
			return err
		}
		for _, c := range list {
			if c.IsOpen() || c.ResolvedAt == nil || !c.ResolvedAt.Before(olderThan) {
				continue
			}
			if err := tx.DeleteConflict(c.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, syncerr.Storage("purge conflicts", err)
	}
	if removed > 0 {
		b.logger.InfoContext(ctx, "resolved conflicts purged", slog.Int("removed", removed))
	}
	return removed, nil
}
