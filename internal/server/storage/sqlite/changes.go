package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/ledgerkeeper/internal/server/storage"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// SaveChanges appends envelopes to the company journal in one transaction
func (s *Storage) SaveChanges(ctx context.Context, companyID string, envs []api.Envelope) ([]api.Ack, error) {
	acks := make([]api.Ack, 0, len(envs))
	receivedAt := time.Now().Unix()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		acks = acks[:0]
		for _, env := range envs {
			status, err := saveChange(ctx, tx, companyID, env, receivedAt)
			if err != nil {
				return err
			}
			acks = append(acks, api.Ack{ChangeID: env.ChangeID, Status: status})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return acks, nil
}

func saveChange(ctx context.Context, tx *sql.Tx, companyID string, env api.Envelope, receivedAt int64) (string, error) {
	var ownerCompany, ownerDevice string
	var ownerSeq int64
	err := tx.QueryRowContext(ctx,
		`SELECT company_id, device_id, seq FROM changes WHERE change_id = ?`, env.ChangeID,
	).Scan(&ownerCompany, &ownerDevice, &ownerSeq)

	switch {
	case err == nil:
		if ownerCompany != companyID || ownerDevice != env.DeviceID || ownerSeq != env.Seq {
			return "", fmt.Errorf("%w: change %s already stored as %s/%d", storage.ErrSequenceConflict, env.ChangeID, ownerDevice, ownerSeq)
		}
		return api.AckDuplicate, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to check change %s: %w", env.ChangeID, err)
	}

	var takenBy string
	err = tx.QueryRowContext(ctx,
		`SELECT change_id FROM changes WHERE company_id = ? AND device_id = ? AND seq = ?`,
		companyID, env.DeviceID, env.Seq,
	).Scan(&takenBy)

	switch {
	case err == nil:
		return "", fmt.Errorf("%w: %s/%d taken by %s", storage.ErrSequenceConflict, env.DeviceID, env.Seq, takenBy)
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to check sequence %s/%d: %w", env.DeviceID, env.Seq, err)
	}

	query := `
		INSERT INTO changes (company_id, change_id, device_id, seq, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, companyID, env.ChangeID, env.DeviceID, env.Seq, env.Payload, receivedAt); err != nil {
		return "", fmt.Errorf("failed to insert change %s: %w", env.ChangeID, err)
	}

	return api.AckAccepted, nil
}

// ChangesSince returns company changes after the relay sequence since
func (s *Storage) ChangesSince(ctx context.Context, companyID string, since int64, limit int) ([]api.Envelope, bool, error) {
	query := `
		SELECT relay_seq, change_id, device_id, seq, payload
		FROM changes
		WHERE company_id = ? AND relay_seq > ?
		ORDER BY relay_seq
		LIMIT ?
	`

	// Запрашиваем на одну запись больше, чтобы узнать о продолжении
	sqlLimit := -1
	if limit > 0 {
		sqlLimit = limit + 1
	}

	rows, err := s.db.QueryContext(ctx, query, companyID, since, sqlLimit)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query changes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var changes []api.Envelope
	for rows.Next() {
		var env api.Envelope
		if err := rows.Scan(&env.RelaySeq, &env.ChangeID, &env.DeviceID, &env.Seq, &env.Payload); err != nil {
			return nil, false, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, env)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("rows iteration error: %w", err)
	}

	if limit > 0 && len(changes) > limit {
		return changes[:limit], true, nil
	}
	return changes, false, nil
}

// Acknowledgements returns per device the highest received seq of every origin device
func (s *Storage) Acknowledgements(ctx context.Context, companyID string) (map[string]map[string]int64, error) {
	query := `
		SELECT d.device_id, c.device_id, MAX(c.seq)
		FROM devices d
		JOIN changes c ON c.company_id = d.company_id
		WHERE d.company_id = ?
		  AND (c.relay_seq <= d.pulled_cursor OR c.device_id = d.device_id)
		GROUP BY d.device_id, c.device_id
	`

	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query acknowledgements: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	acks := make(map[string]map[string]int64)
	for rows.Next() {
		var device, origin string
		var seq int64
		if err := rows.Scan(&device, &origin, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgement: %w", err)
		}
		if acks[device] == nil {
			acks[device] = make(map[string]int64)
		}
		acks[device][origin] = seq
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return acks, nil
}
