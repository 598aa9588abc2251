package boltdb

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/models"
)

const keyLastSeqPrefix = "last_seq:"

// indexValue кодирует положение изменения: deviceID + 8 байт seq.
// Запись индекса переживает compaction, поэтому повторная доставка
// уже удаленного изменения распознается как дубликат.
func indexValue(deviceID string, seq int64) []byte {
	return append([]byte(deviceID), seqKey(seq)...)
}

func parseIndexValue(v []byte) (string, int64, error) {
	if len(v) < 8 {
		return "", 0, fmt.Errorf("corrupted change index entry")
	}
	n := len(v) - 8
	return string(v[:n]), decodeSeq(v[n:]), nil
}

func (t *tx) PutChange(rec *models.ChangeRecord) error {
	if rec == nil || rec.ID == "" || rec.DeviceID == "" || rec.Seq <= 0 {
		return fmt.Errorf("change record without ID, device or seq")
	}
	idx, err := t.bucket(bucketChangeIndex)
	if err != nil {
		return err
	}
	if idx.Get([]byte(rec.ID)) != nil {
		return nil
	}

	changes, err := t.bucket(bucketChanges)
	if err != nil {
		return err
	}
	device, err := changes.CreateBucketIfNotExists([]byte(rec.DeviceID))
	if err != nil {
		return fmt.Errorf("failed to create device bucket: %w", err)
	}
	key := seqKey(rec.Seq)
	if device.Get(key) != nil {
		return fmt.Errorf("%w: %s/%d", storage.ErrSequenceTaken, rec.DeviceID, rec.Seq)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := device.Put(key, data); err != nil {
		return fmt.Errorf("failed to save change: %w", err)
	}
	if err := idx.Put([]byte(rec.ID), indexValue(rec.DeviceID, rec.Seq)); err != nil {
		return fmt.Errorf("failed to index change: %w", err)
	}

	last, err := t.LastSeq(rec.DeviceID)
	if err != nil {
		return err
	}
	if rec.Seq > last {
		meta, err := t.bucket(bucketMetadata)
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(keyLastSeqPrefix+rec.DeviceID), seqKey(rec.Seq)); err != nil {
			return fmt.Errorf("failed to save last seq: %w", err)
		}
	}
	return nil
}

func (t *tx) GetChange(id string) (*models.ChangeRecord, error) {
	idx, err := t.bucket(bucketChangeIndex)
	if err != nil {
		return nil, err
	}
	v := idx.Get([]byte(id))
	if v == nil {
		return nil, storage.ErrChangeNotFound
	}
	deviceID, seq, err := parseIndexValue(v)
	if err != nil {
		return nil, err
	}

	device := t.deviceBucket(deviceID)
	if device == nil {
		return nil, storage.ErrChangeNotFound
	}
	data := device.Get(seqKey(seq))
	if data == nil {
		return nil, storage.ErrChangeNotFound
	}
	return decodeChange(data)
}

func (t *tx) HasChange(id string) (bool, error) {
	idx, err := t.bucket(bucketChangeIndex)
	if err != nil {
		return false, err
	}
	return idx.Get([]byte(id)) != nil, nil
}

func (t *tx) LastSeq(deviceID string) (int64, error) {
	meta, err := t.bucket(bucketMetadata)
	if err != nil {
		return 0, err
	}
	v := meta.Get([]byte(keyLastSeqPrefix + deviceID))
	if v == nil {
		return 0, nil
	}
	return decodeSeq(v), nil
}

func (t *tx) ChangesAfter(deviceID string, afterSeq int64, limit int) ([]*models.ChangeRecord, error) {
	device := t.deviceBucket(deviceID)
	if device == nil {
		return nil, nil
	}

	var out []*models.ChangeRecord
	c := device.Cursor()
	for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec, err := decodeChange(v)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *tx) ChangeDevices() ([]string, error) {
	changes, err := t.bucket(bucketChanges)
	if err != nil {
		return nil, err
	}
	var out []string
	err = changes.ForEach(func(k, v []byte) error {
		// v == nil у вложенных buckets
		if v == nil {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (t *tx) DeleteChangesThrough(deviceID string, seq int64) (int, error) {
	device := t.deviceBucket(deviceID)
	if device == nil {
		return 0, nil
	}

	// сначала собираем ключи: удаление под курсором может пропускать элементы
	var keys [][]byte
	c := device.Cursor()
	for k, _ := c.First(); k != nil && decodeSeq(k) <= seq; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := device.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to delete change %s/%d: %w", deviceID, decodeSeq(k), err)
		}
	}
	return len(keys), nil
}

func (t *tx) deviceBucket(deviceID string) *bbolt.Bucket {
	changes := t.btx.Bucket(bucketChanges)
	if changes == nil {
		return nil
	}
	return changes.Bucket([]byte(deviceID))
}

func decodeChange(data []byte) (*models.ChangeRecord, error) {
	var rec models.ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	return &rec, nil
}
