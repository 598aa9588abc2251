// Package ledger локальный путь правок: все изменения сущностей проходят
// через журнал изменений устройства и применяются сразу, без сети.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/iudanet/ledgerkeeper/internal/client/changelog"
	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/schema"
	"github.com/iudanet/ledgerkeeper/internal/syncerr"
)

var (
	ErrNotFound      = errors.New("entity not found")
	ErrDeleted       = errors.New("entity is deleted")
	ErrUnknownType   = errors.New("unknown entity type")
	ErrMissingFields = errors.New("required fields missing")
	ErrReservedField = errors.New("reserved field")
	ErrEmptyChange   = errors.New("no fields to change")
)

// Service определяет интерфейс локальных правок
type Service interface {
	Create(ctx context.Context, entityType string, values map[string]string) (*models.Entity, error)
	Update(ctx context.Context, id string, values map[string]string) (*models.Entity, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (*models.Entity, error)
	Get(ctx context.Context, id string) (*models.Entity, error)
	// List returns entities of the type sorted by ID; empty type means all types
	List(ctx context.Context, entityType string, includeDeleted bool) ([]*models.Entity, error)
}

type service struct {
	store   storage.Store
	log     *changelog.Log
	schemas *schema.Registry
	logger  *slog.Logger
}

// NewService creates a new ledger service
func NewService(store storage.Store, log *changelog.Log, schemas *schema.Registry, logger *slog.Logger) Service {
	return &service{
		store:   store,
		log:     log,
		schemas: schemas,
		logger:  logger,
	}
}

// Create создает сущность с новым ID. Обязательные поля типа проверяются по схеме.
func (s *service) Create(ctx context.Context, entityType string, values map[string]string) (*models.Entity, error) {
	if !s.schemas.Known(entityType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, entityType)
	}
	if err := checkFields(values); err != nil {
		return nil, err
	}
	if missing := s.schemas.Lookup(entityType).Missing(values); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}

	id := uuid.New().String()
	if _, err := s.log.Append(ctx, id, entityType, models.OpCreate, values); err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	s.logger.InfoContext(ctx, "entity created", slog.String("entity_id", id), slog.String("type", entityType))
	return s.Get(ctx, id)
}

// Update записывает только переданные поля. Удаленную сущность сначала нужно восстановить.
func (s *service) Update(ctx context.Context, id string, values map[string]string) (*models.Entity, error) {
	if len(values) == 0 {
		return nil, ErrEmptyChange
	}
	if err := checkFields(values); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", ErrDeleted, id)
	}
	// пустое значение обязательного поля равносильно его отсутствию
	merged := current.Values()
	for k, v := range values {
		merged[k] = v
	}
	if missing := s.schemas.Lookup(current.Type).Missing(merged); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}

	if _, err := s.log.Append(ctx, id, current.Type, models.OpUpdate, values); err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete ставит tombstone. Повторное удаление ничего не пишет.
func (s *service) Delete(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return nil
	}
	if _, err := s.log.Append(ctx, id, current.Type, models.OpDelete, nil); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	s.logger.InfoContext(ctx, "entity deleted", slog.String("entity_id", id))
	return nil
}

// Restore снимает tombstone
func (s *service) Restore(ctx context.Context, id string) (*models.Entity, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.IsDeleted() {
		return current, nil
	}
	if _, err := s.log.Append(ctx, id, current.Type, models.OpRestore, nil); err != nil {
		return nil, fmt.Errorf("failed to restore entity: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *service) Get(ctx context.Context, id string) (*models.Entity, error) {
	var e *models.Entity
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		e, err = tx.GetEntity(id)
		return err
	})
	if errors.Is(err, storage.ErrEntityNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, syncerr.Storage("get entity", err)
	}
	return e, nil
}

func (s *service) List(ctx context.Context, entityType string, includeDeleted bool) ([]*models.Entity, error) {
	var list []*models.Entity
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		list, err = tx.ListEntities(entityType)
		return err
	})
	if err != nil {
		return nil, syncerr.Storage("list entities", err)
	}
	if !includeDeleted {
		list = slices.DeleteFunc(list, (*models.Entity).IsDeleted)
	}
	return list, nil
}

func checkFields(values map[string]string) error {
	for k := range values {
		if k == "" || k == models.TombstoneField {
			return fmt.Errorf("%w: %q", ErrReservedField, k)
		}
	}
	return nil
}
