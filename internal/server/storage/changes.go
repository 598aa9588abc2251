package storage

import (
	"context"

	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// ChangeStorage defines interface for the relay change journal.
// Payloads are stored as is, relay never decrypts them.
type ChangeStorage interface {
	// SaveChanges appends envelopes in one transaction and returns one ack per envelope.
	// A known change ID is acknowledged as duplicate. A (device, seq) pair already
	// taken by a different change fails the whole batch with ErrSequenceConflict.
	SaveChanges(ctx context.Context, companyID string, envs []api.Envelope) ([]api.Ack, error)

	// ChangesSince returns company changes with relay sequence above since, in relay order.
	// limit <= 0 means no limit. hasMore reports whether more changes follow.
	ChangesSince(ctx context.Context, companyID string, since int64, limit int) (changes []api.Envelope, hasMore bool, err error)

	// Acknowledgements returns for each device of the company the highest seq of
	// every origin device it has received, plus its own pushed changes.
	Acknowledgements(ctx context.Context, companyID string) (map[string]map[string]int64, error)
}

// Storage aggregates all relay storage interfaces
//
//go:generate moq -out storage_mock.go . Storage
type Storage interface {
	CompanyStorage
	DeviceStorage
	TokenStorage
	ChangeStorage
	Ping(ctx context.Context) error
	Close() error
}
