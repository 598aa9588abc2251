// Package changelog реализует журнал изменений устройства: только добавление,
// монотонные номера на устройстве, compaction после подтверждения всеми устройствами.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/iudanet/ledgerkeeper/internal/client/device"
	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/conflict"
	"github.com/iudanet/ledgerkeeper/internal/crdt"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/syncerr"
)

const defaultPageSize = 100

var (
	// ErrInvalidOp неизвестная операция
	ErrInvalidOp = errors.New("invalid operation")
	// ErrTypeMismatch изменение адресовано сущности другого типа
	ErrTypeMismatch = errors.New("entity type mismatch")
)

// Log журнал изменений одного устройства
type Log struct {
	store    storage.Store
	dev      *device.Context
	engine   *crdt.Engine
	detector *conflict.Detector
	logger   *slog.Logger
	pageSize int
}

// New создает журнал
func New(store storage.Store, dev *device.Context, engine *crdt.Engine, detector *conflict.Detector, logger *slog.Logger) *Log {
	return &Log{
		store:    store,
		dev:      dev,
		engine:   engine,
		detector: detector,
		logger:   logger,
		pageSize: defaultPageSize,
	}
}

// Device возвращает контекст устройства журнала.
func (l *Log) Device() *device.Context {
	return l.dev
}

// Append фиксирует локальное изменение: присваивает следующий seq устройства,
// ставит метку часов, применяет изменение к сущности и сохраняет запись
// в одной транзакции. Правка считается закоммиченной только после успеха Append.
func (l *Log) Append(ctx context.Context, entityID, entityType string, op models.OpKind, delta map[string]string) (*models.ChangeRecord, error) {
	return l.append(ctx, entityID, entityType, op, delta, nil)
}

// AppendResolution записывает изменение-решение конфликта. absent - спорные
// поля, которых нет у выбранной стороны: в дельту они не попадают, но
// открытая запись считает их решенными.
func (l *Log) AppendResolution(ctx context.Context, entityID, entityType string, op models.OpKind, delta map[string]string, absent []string) (*models.ChangeRecord, error) {
	return l.append(ctx, entityID, entityType, op, delta, absent)
}

func (l *Log) append(ctx context.Context, entityID, entityType string, op models.OpKind, delta map[string]string, absent []string) (*models.ChangeRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOp, op)
	}
	if entityID == "" || entityType == "" {
		return nil, fmt.Errorf("%w: entity ID and type are required", ErrInvalidOp)
	}

	var rec *models.ChangeRecord
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		current, err := tx.GetEntity(entityID)
		if err != nil && !errors.Is(err, storage.ErrEntityNotFound) {
			return err
		}
		base := models.VersionVector{}
		if current != nil {
			if current.Type != entityType {
				return fmt.Errorf("%w: %s is %s, not %s", ErrTypeMismatch, entityID, current.Type, entityType)
			}
			base = current.Vector.Clone()
			// новая метка должна быть позже всего, на чем основана правка
			for _, f := range current.Fields {
				l.dev.Clock.Observe(f.Timestamp)
			}
		}

		last, err := tx.LastSeq(l.dev.DeviceID)
		if err != nil {
			return err
		}

		rec = &models.ChangeRecord{
			ID:         uuid.New().String(),
			CompanyID:  l.dev.CompanyID,
			EntityID:   entityID,
			EntityType: entityType,
			DeviceID:   l.dev.DeviceID,
			Seq:        last + 1,
			Timestamp:  l.dev.Clock.Now(),
			Op:         op,
			Delta:      maps.Clone(delta),
			Base:       base,
		}
		if rec.Delta == nil {
			rec.Delta = map[string]string{}
		}
		if err := tx.PutChange(rec); err != nil {
			return err
		}

		res, err := l.engine.Merge(current, crdt.ChangeState(rec))
		if err != nil {
			return err
		}
		if err := tx.PutEntity(res.Entity); err != nil {
			return err
		}
		return l.supersede(tx, rec, absent)
	})
	if err != nil {
		if errors.Is(err, ErrTypeMismatch) {
			return nil, err
		}
		return nil, syncerr.Storage("append", err)
	}

	l.logger.DebugContext(ctx, "change appended",
		slog.String("change_id", rec.ID),
		slog.String("entity_id", rec.EntityID),
		slog.String("op", string(rec.Op)),
		slog.Int64("seq", rec.Seq),
	)
	return rec, nil
}

// supersede закрывает поля открытого конфликта, перезаписанные изменением.
func (l *Log) supersede(tx storage.Tx, rec *models.ChangeRecord, absent []string) error {
	open, err := tx.OpenConflict(rec.EntityID)
	if errors.Is(err, storage.ErrConflictNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	updated, changed := l.detector.Supersede(open, rec, absent...)
	if !changed {
		return nil
	}
	return tx.PutConflict(updated)
}

// Since возвращает ленивую конечную последовательность изменений после курсора:
// для каждого устройства - записи с seq > cursor[device] в порядке seq.
// Порядок между устройствами не гарантируется. Последовательность можно
// перезапускать: каждый проход заново читает хранилище постранично.
func (l *Log) Since(ctx context.Context, cursor models.VersionVector) iter.Seq2[*models.ChangeRecord, error] {
	return func(yield func(*models.ChangeRecord, error) bool) {
		var devices []string
		err := l.store.View(ctx, func(tx storage.Tx) error {
			var err error
			devices, err = tx.ChangeDevices()
			return err
		})
		if err != nil {
			yield(nil, syncerr.Storage("since", err))
			return
		}

		for _, d := range devices {
			after := cursor.Get(d)
			for {
				var page []*models.ChangeRecord
				err := l.store.View(ctx, func(tx storage.Tx) error {
					var err error
					page, err = tx.ChangesAfter(d, after, l.pageSize)
					return err
				})
				if err != nil {
					yield(nil, syncerr.Storage("since", err))
					return
				}
				for _, rec := range page {
					if !yield(rec, nil) {
						return
					}
					after = rec.Seq
				}
				if len(page) < l.pageSize {
					break
				}
			}
		}
	}
}

// Unsent возвращает собственные изменения устройства после after (не больше limit).
func (l *Log) Unsent(ctx context.Context, after int64, limit int) ([]*models.ChangeRecord, error) {
	var out []*models.ChangeRecord
	err := l.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ChangesAfter(l.dev.DeviceID, after, limit)
		return err
	})
	if err != nil {
		return nil, syncerr.Storage("unsent", err)
	}
	return out, nil
}

// Compact удаляет записи старше границы beforeChangeID, которые подтвердили
// все известные устройства. Если граница неизвестна или подтверждения хотя бы
// одного устройства нет, ничего не удаляется.
func (l *Log) Compact(ctx context.Context, beforeChangeID string) (int, error) {
	removed := 0
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		boundary, err := tx.GetChange(beforeChangeID)
		if errors.Is(err, storage.ErrChangeNotFound) {
			l.logger.DebugContext(ctx, "compaction skipped: unknown boundary", slog.String("change_id", beforeChangeID))
			return nil
		}
		if err != nil {
			return err
		}

		acks, err := tx.GetAcks()
		if err != nil {
			return err
		}
		origins, err := tx.ChangeDevices()
		if err != nil {
			return err
		}

		known := make(map[string]struct{}, len(origins)+len(acks))
		for _, d := range origins {
			known[d] = struct{}{}
		}
		for d := range acks {
			known[d] = struct{}{}
		}
		delete(known, l.dev.DeviceID)

		for d := range known {
			if _, ok := acks[d]; !ok {
				l.logger.DebugContext(ctx, "compaction skipped: acknowledgement unknown", slog.String("device_id", d))
				return nil
			}
		}

		for _, origin := range origins {
			safe := int64(-1)
			for d := range known {
				if v := acks[d].Get(origin); safe < 0 || v < safe {
					safe = v
				}
			}
			if safe < 0 {
				// других устройств нет: подтверждать некому
				continue
			}

			limit, err := l.compactionLimit(tx, origin, safe, boundary)
			if err != nil {
				return err
			}
			if limit == 0 {
				continue
			}
			n, err := tx.DeleteChangesThrough(origin, limit)
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, syncerr.Storage("compact", err)
	}
	if removed > 0 {
		l.logger.InfoContext(ctx, "change log compacted",
			slog.String("boundary", beforeChangeID),
			slog.Int("removed", removed),
		)
	}
	return removed, nil
}

// compactionLimit возвращает наибольший seq непрерывного префикса записей
// устройства, которые старше границы и подтверждены (seq <= safe).
func (l *Log) compactionLimit(tx storage.Tx, origin string, safe int64, boundary *models.ChangeRecord) (int64, error) {
	var limit int64
	after := int64(0)
	for {
		page, err := tx.ChangesAfter(origin, after, l.pageSize)
		if err != nil {
			return 0, err
		}
		for _, rec := range page {
			older := rec.Timestamp < boundary.Timestamp
			if origin == boundary.DeviceID {
				older = rec.Seq < boundary.Seq
			}
			if !older || rec.Seq > safe {
				return limit, nil
			}
			limit = rec.Seq
			after = rec.Seq
		}
		if len(page) < l.pageSize {
			return limit, nil
		}
	}
}
