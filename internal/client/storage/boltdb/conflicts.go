package boltdb

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/models"
)

func (t *tx) PutConflict(c *models.ConflictRecord) error {
	if c == nil || c.ID == "" || c.EntityID == "" {
		return fmt.Errorf("conflict record without ID or entity")
	}
	b, err := t.bucket(bucketConflicts)
	if err != nil {
		return err
	}
	open, err := t.bucket(bucketConflictOpen)
	if err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	if err := b.Put([]byte(c.ID), data); err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}

	// индекс открытых конфликтов: не больше одного на сущность
	entityKey := []byte(c.EntityID)
	if c.IsOpen() {
		return open.Put(entityKey, []byte(c.ID))
	}
	if string(open.Get(entityKey)) == c.ID {
		return open.Delete(entityKey)
	}
	return nil
}

func (t *tx) GetConflict(id string) (*models.ConflictRecord, error) {
	b, err := t.bucket(bucketConflicts)
	if err != nil {
		return nil, err
	}
	data := b.Get([]byte(id))
	if data == nil {
		return nil, storage.ErrConflictNotFound
	}
	var c models.ConflictRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict %s: %w", id, err)
	}
	return &c, nil
}

func (t *tx) OpenConflict(entityID string) (*models.ConflictRecord, error) {
	open, err := t.bucket(bucketConflictOpen)
	if err != nil {
		return nil, err
	}
	id := open.Get([]byte(entityID))
	if id == nil {
		return nil, storage.ErrConflictNotFound
	}
	return t.GetConflict(string(id))
}

func (t *tx) ListConflicts(companyID string) ([]*models.ConflictRecord, error) {
	b, err := t.bucket(bucketConflicts)
	if err != nil {
		return nil, err
	}

	var out []*models.ConflictRecord
	err = b.ForEach(func(k, v []byte) error {
		var c models.ConflictRecord
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("failed to unmarshal conflict %s: %w", k, err)
		}
		if companyID == "" || c.CompanyID == companyID {
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tx) DeleteConflict(id string) error {
	c, err := t.GetConflict(id)
	if err != nil {
		return err
	}
	b, err := t.bucket(bucketConflicts)
	if err != nil {
		return err
	}
	open, err := t.bucket(bucketConflictOpen)
	if err != nil {
		return err
	}
	if string(open.Get([]byte(c.EntityID))) == id {
		if err := open.Delete([]byte(c.EntityID)); err != nil {
			return fmt.Errorf("failed to delete open index: %w", err)
		}
	}
	if err := b.Delete([]byte(id)); err != nil {
		return fmt.Errorf("failed to delete conflict: %w", err)
	}
	return nil
}
