package boltdb

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/ledgerkeeper/internal/models"
)

const (
	keyCursorPrefix   = "cursor:"
	keyPushMarkPrefix = "push_mark:"
	keyAcks           = "acks"
)

func (t *tx) GetCursor(endpoint string) (*models.SyncCursor, error) {
	meta, err := t.bucket(bucketMetadata)
	if err != nil {
		return nil, err
	}
	data := meta.Get([]byte(keyCursorPrefix + endpoint))
	if data == nil {
		// курсора нет - первая синхронизация с этим endpoint
		return &models.SyncCursor{Endpoint: endpoint}, nil
	}
	var c models.SyncCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	return &c, nil
}

func (t *tx) PutCursor(c *models.SyncCursor) error {
	meta, err := t.bucket(bucketMetadata)
	if err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := meta.Put([]byte(keyCursorPrefix+c.Endpoint), data); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (t *tx) GetPushMark(endpoint string) (int64, error) {
	meta, err := t.bucket(bucketMetadata)
	if err != nil {
		return 0, err
	}
	v := meta.Get([]byte(keyPushMarkPrefix + endpoint))
	if v == nil {
		return 0, nil
	}
	return decodeSeq(v), nil
}

func (t *tx) PutPushMark(endpoint string, seq int64) error {
	meta, err := t.bucket(bucketMetadata)
	if err != nil {
		return err
	}
	if err := meta.Put([]byte(keyPushMarkPrefix+endpoint), seqKey(seq)); err != nil {
		return fmt.Errorf("failed to save push mark: %w", err)
	}
	return nil
}

func (t *tx) GetAcks() (map[string]models.VersionVector, error) {
	meta, err := t.bucket(bucketMetadata)
	if err != nil {
		return nil, err
	}
	data := meta.Get([]byte(keyAcks))
	if data == nil {
		return nil, nil
	}
	var acks map[string]models.VersionVector
	if err := json.Unmarshal(data, &acks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal acknowledgements: %w", err)
	}
	return acks, nil
}

func (t *tx) PutAcks(acks map[string]models.VersionVector) error {
	meta, err := t.bucket(bucketMetadata)
	if err != nil {
		return err
	}
	data, err := json.Marshal(acks)
	if err != nil {
		return fmt.Errorf("failed to marshal acknowledgements: %w", err)
	}
	if err := meta.Put([]byte(keyAcks), data); err != nil {
		return fmt.Errorf("failed to save acknowledgements: %w", err)
	}
	return nil
}
