// Package envelope упаковывает изменения для relay: payload сериализуется
// msgpack, сжимается snappy и шифруется ключом компании. Маршрутные поля
// конверта остаются открытыми, но аутентифицируются как associated data.
package envelope

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/ledgerkeeper/internal/crypto"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/syncerr"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// ErrInvalidEnvelope конверт нельзя открыть
var ErrInvalidEnvelope = errors.New("invalid envelope")

// payload зашифрованная часть изменения
type payload struct {
	Delta      map[string]string `msgpack:"delta"`
	Base       map[string]int64  `msgpack:"base"`
	CompanyID  string            `msgpack:"company"`
	EntityID   string            `msgpack:"entity"`
	EntityType string            `msgpack:"type"`
	Op         string            `msgpack:"op"`
	Timestamp  int64             `msgpack:"ts"`
}

// Sealer шифрует и расшифровывает изменения ключом компании
type Sealer struct {
	key []byte
}

// NewSealer создает Sealer
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", crypto.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// associatedData связывает шифротекст с маршрутными полями конверта
func associatedData(changeID, deviceID string, seq int64) []byte {
	return []byte(changeID + "\x00" + deviceID + "\x00" + strconv.FormatInt(seq, 10))
}

// Seal упаковывает изменение в конверт
func (s *Sealer) Seal(rec *models.ChangeRecord) (api.Envelope, error) {
	raw, err := msgpack.Marshal(&payload{
		Delta:      rec.Delta,
		Base:       rec.Base,
		CompanyID:  rec.CompanyID,
		EntityID:   rec.EntityID,
		EntityType: rec.EntityType,
		Op:         string(rec.Op),
		Timestamp:  rec.Timestamp,
	})
	if err != nil {
		return api.Envelope{}, fmt.Errorf("failed to encode change %s: %w", rec.ID, err)
	}

	sealed, err := crypto.Seal(snappy.Encode(nil, raw), s.key, associatedData(rec.ID, rec.DeviceID, rec.Seq))
	if err != nil {
		return api.Envelope{}, fmt.Errorf("failed to encrypt change %s: %w", rec.ID, err)
	}

	return api.Envelope{
		ChangeID: rec.ID,
		DeviceID: rec.DeviceID,
		Seq:      rec.Seq,
		Payload:  sealed,
	}, nil
}

// SealAll упаковывает пачку изменений с сохранением порядка
func (s *Sealer) SealAll(recs []*models.ChangeRecord) ([]api.Envelope, error) {
	out := make([]api.Envelope, 0, len(recs))
	for _, rec := range recs {
		env, err := s.Seal(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Open распаковывает конверт. Любая ошибка оборачивает ErrInvalidEnvelope.
func (s *Sealer) Open(env api.Envelope) (*models.ChangeRecord, error) {
	if env.ChangeID == "" || env.DeviceID == "" || env.Seq <= 0 {
		return nil, fmt.Errorf("%w: missing routing metadata", ErrInvalidEnvelope)
	}

	compressed, err := crypto.Open(env.Payload, s.key, associatedData(env.ChangeID, env.DeviceID, env.Seq))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrInvalidEnvelope, err)
	}
	var p payload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidEnvelope, err)
	}

	rec := &models.ChangeRecord{
		ID:         env.ChangeID,
		DeviceID:   env.DeviceID,
		Seq:        env.Seq,
		CompanyID:  p.CompanyID,
		EntityID:   p.EntityID,
		EntityType: p.EntityType,
		Op:         models.OpKind(p.Op),
		Timestamp:  p.Timestamp,
		Delta:      p.Delta,
		Base:       p.Base,
	}
	if rec.Delta == nil {
		rec.Delta = map[string]string{}
	}
	if rec.Base == nil {
		rec.Base = models.VersionVector{}
	}
	if !rec.Op.Valid() || rec.EntityID == "" || rec.EntityType == "" {
		return nil, fmt.Errorf("%w: change %s has no valid target", ErrInvalidEnvelope, env.ChangeID)
	}
	return rec, nil
}

// OpenBatch распаковывает пачку целиком: одна ошибка отклоняет всю пачку
// как MalformedBatchError, частичный результат не возвращается.
func (s *Sealer) OpenBatch(envs []api.Envelope, companyID string) ([]*models.ChangeRecord, error) {
	out := make([]*models.ChangeRecord, 0, len(envs))
	seen := make(map[string]int64, len(envs))
	for _, env := range envs {
		rec, err := s.Open(env)
		if err != nil {
			return nil, syncerr.Malformed("change "+env.ChangeID, err)
		}
		if companyID != "" && rec.CompanyID != companyID {
			return nil, syncerr.Malformed(fmt.Sprintf("change %s belongs to company %q", rec.ID, rec.CompanyID), nil)
		}
		// изменения одного устройства должны идти в порядке seq
		if last, ok := seen[rec.DeviceID]; ok && rec.Seq <= last {
			return nil, syncerr.Malformed(fmt.Sprintf("change %s: seq %d of %s out of order", rec.ID, rec.Seq, rec.DeviceID), nil)
		}
		seen[rec.DeviceID] = rec.Seq
		out = append(out, rec)
	}
	return out, nil
}
