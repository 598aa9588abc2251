package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/server/storage"
)

// RegisterDevice records device of the company. Known device only gets last seen updated.
func (s *Storage) RegisterDevice(ctx context.Context, companyID, deviceID string, now time.Time) error {
	query := `
		INSERT INTO devices (company_id, device_id, pulled_cursor, registered_at, last_seen)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (company_id, device_id) DO UPDATE SET last_seen = excluded.last_seen
	`

	if _, err := s.db.ExecContext(ctx, query, companyID, deviceID, now.Unix(), now.Unix()); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

// TouchDevice moves pulled cursor forward and updates last seen
func (s *Storage) TouchDevice(ctx context.Context, companyID, deviceID string, cursor int64, now time.Time) error {
	query := `
		UPDATE devices
		SET pulled_cursor = MAX(pulled_cursor, ?), last_seen = ?
		WHERE company_id = ? AND device_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, cursor, now.Unix(), companyID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrDeviceNotFound
	}
	return nil
}

// ListDevices returns company devices ordered by device ID
func (s *Storage) ListDevices(ctx context.Context, companyID string) ([]*models.Device, error) {
	query := `
		SELECT company_id, device_id, pulled_cursor, registered_at, last_seen
		FROM devices
		WHERE company_id = ?
		ORDER BY device_id
	`

	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var devices []*models.Device
	for rows.Next() {
		var (
			d                      models.Device
			registeredAt, lastSeen int64
		)
		if err := rows.Scan(&d.CompanyID, &d.DeviceID, &d.PulledCursor, &registeredAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.RegisteredAt = time.Unix(registeredAt, 0).UTC()
		d.LastSeen = time.Unix(lastSeen, 0).UTC()
		devices = append(devices, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return devices, nil
}
