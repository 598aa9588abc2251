package boltdb

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/models"
)

func (t *tx) GetEntity(id string) (*models.Entity, error) {
	b, err := t.bucket(bucketEntities)
	if err != nil {
		return nil, err
	}

	data := b.Get([]byte(id))
	if data == nil {
		return nil, storage.ErrEntityNotFound
	}

	var e models.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity %s: %w", id, err)
	}
	return &e, nil
}

func (t *tx) PutEntity(e *models.Entity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("entity without ID")
	}
	b, err := t.bucket(bucketEntities)
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	if err := b.Put([]byte(e.ID), data); err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

func (t *tx) ListEntities(entityType string) ([]*models.Entity, error) {
	b, err := t.bucket(bucketEntities)
	if err != nil {
		return nil, err
	}

	var out []*models.Entity
	// ключи - ID, ForEach идет в порядке ключей
	err = b.ForEach(func(k, v []byte) error {
		var e models.Entity
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal entity %s: %w", k, err)
		}
		if entityType == "" || e.Type == entityType {
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
