package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ryne2010/edgewatch-telemetry-sub000/internal/errors"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

// EnqueueCommand inserts a new pending command for a device. Within one
// transaction it expires stale pending commands, supersedes any live
// pending command and inserts the new row, preserving the at-most-one
// pending invariant enforced by the partial unique index.
func (s *Store) EnqueueCommand(ctx context.Context, deviceID string, payload models.CommandPayload, ttl time.Duration) (*models.DeviceControlCommand, error) {
	now := time.Now().UTC()
	cmd := &models.DeviceControlCommand{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Payload:   payload,
		Status:    models.CommandPending,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE device_commands SET status = 'expired'
			WHERE device_id = ? AND status = 'pending' AND expires_at <= ?
		`, deviceID, now.Unix()); err != nil {
			return fmt.Errorf("expire stale commands: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE device_commands SET status = 'superseded', superseded_at = ?
			WHERE device_id = ? AND status = 'pending'
		`, now.Unix(), deviceID); err != nil {
			return fmt.Errorf("supersede pending command: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_commands (id, device_id, payload, status, issued_at, expires_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
		`, cmd.ID, deviceID, marshalJSON(payload), now.Unix(), cmd.ExpiresAt.Unix()); err != nil {
			return fmt.Errorf("insert command: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// PendingCommand returns the live pending command for a device, or nil.
// Pending commands past their TTL are not returned.
func (s *Store) PendingCommand(ctx context.Context, deviceID string) (*models.DeviceControlCommand, error) {
	row := s.db.QueryRowContext(ctx, commandSelect+`
		WHERE device_id = ? AND status = 'pending' AND expires_at > ?
	`, deviceID, time.Now().UTC().Unix())
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cmd, err
}

// GetCommand fetches a command belonging to a device.
func (s *Store) GetCommand(ctx context.Context, deviceID, cmdID string) (*models.DeviceControlCommand, error) {
	row := s.db.QueryRowContext(ctx, commandSelect+`
		WHERE id = ? AND device_id = ?
	`, cmdID, deviceID)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrorTypeNotFound, "get_command", deviceID,
			errors.New("command not found"))
	}
	return cmd, err
}

// AckCommand acknowledges a pending command. Re-acks and acks of expired
// commands are idempotent: the current record is returned unchanged.
func (s *Store) AckCommand(ctx context.Context, deviceID, cmdID string) (*models.DeviceControlCommand, error) {
	now := time.Now().UTC()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE device_commands SET status = 'acknowledged', acknowledged_at = ?
			WHERE id = ? AND device_id = ? AND status = 'pending'
		`, now.Unix(), cmdID, deviceID)
		if err != nil {
			return fmt.Errorf("ack command: %w", err)
		}
		// Zero rows means already acknowledged, superseded or expired;
		// the caller still gets the current record.
		_, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCommand(ctx, deviceID, cmdID)
}

// ExpirePendingCommands sweeps pending commands past their TTL. Run by the
// background jobs.
func (s *Store) ExpirePendingCommands(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_commands SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= ?
	`, now.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("expire commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const commandSelect = `
	SELECT id, device_id, payload, status, issued_at, expires_at, acknowledged_at, superseded_at
	FROM device_commands`

func scanCommand(row rowScanner) (*models.DeviceControlCommand, error) {
	var cmd models.DeviceControlCommand
	var payload, status string
	var issued, expires int64
	var acked, superseded sql.NullInt64
	err := row.Scan(&cmd.ID, &cmd.DeviceID, &payload, &status, &issued, &expires, &acked, &superseded)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &cmd.Payload); err != nil {
		return nil, fmt.Errorf("decode command payload: %w", err)
	}
	cmd.Status = models.CommandStatus(status)
	cmd.IssuedAt = time.Unix(issued, 0).UTC()
	cmd.ExpiresAt = time.Unix(expires, 0).UTC()
	cmd.AcknowledgedAt = timeOrNil(acked)
	cmd.SupersededAt = timeOrNil(superseded)
	return &cmd, nil
}
