package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/ryne2010/edgewatch-telemetry-sub000/internal/errors"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

const fingerprintLen = 16

// HashToken derives the bcrypt hash and the indexed fingerprint for a
// device token. The fingerprint narrows the lookup; the bcrypt hash is the
// actual credential check.
func HashToken(token string) (hash, fingerprint string, err error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return string(h), TokenFingerprint(token), nil
}

// TokenFingerprint returns the truncated SHA-256 fingerprint used for
// indexed lookup. It is not a credential on its own.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// VerifyToken checks a presented token against the stored bcrypt hash.
func VerifyToken(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// CreateDevice registers a device with its plaintext token. The token is
// stored only as hash + fingerprint.
func (s *Store) CreateDevice(ctx context.Context, d *models.Device, token string) error {
	if d.OfflineAfterS < 3*d.HeartbeatIntervalS {
		return apperrors.New(apperrors.ErrorTypeValidation, "create_device", d.ID,
			fmt.Errorf("offline_after_s must be at least 3x heartbeat_interval_s"))
	}
	hash, fp, err := HashToken(token)
	if err != nil {
		return err
	}
	d.TokenHash = hash
	d.TokenFingerprint = fp
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.OperationMode == "" {
		d.OperationMode = models.ModeActive
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, token_hash, token_fingerprint,
			heartbeat_interval_s, offline_after_s, enabled, operation_mode,
			sleep_poll_interval_s, alerts_muted_until, alerts_muted_reason,
			last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.TokenHash, d.TokenFingerprint,
		d.HeartbeatIntervalS, d.OfflineAfterS, d.Enabled, string(d.OperationMode),
		d.SleepPollIntervalS, unixOrNil(d.AlertsMutedUntil), d.AlertsMutedReason,
		unixOrNil(d.LastSeenAt), d.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.ErrorTypeConflict, "create_device", d.ID, err)
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetDevice fetches a device by ID.
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx, deviceSelect+` WHERE id = ?`, id))
}

// GetDeviceByFingerprint fetches a device via the unique token fingerprint
// index. Callers must still verify the full hash.
func (s *Store) GetDeviceByFingerprint(ctx context.Context, fp string) (*models.Device, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx, deviceSelect+` WHERE token_fingerprint = ?`, fp))
}

// ListDevices returns all devices ordered by creation time.
func (s *Store) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := s.scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeviceUpdate is a partial update applied by the admin API.
type DeviceUpdate struct {
	Name               *string
	HeartbeatIntervalS *int
	OfflineAfterS      *int
	Enabled            *bool
	OperationMode      *models.OperationMode
	SleepPollIntervalS *int
	AlertsMutedUntil   *time.Time
	AlertsMutedReason  *string
	ClearMute          bool
}

// UpdateDevice applies a partial update and returns the updated device.
func (s *Store) UpdateDevice(ctx context.Context, id string, upd DeviceUpdate) (*models.Device, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		d.Name = *upd.Name
	}
	if upd.HeartbeatIntervalS != nil {
		d.HeartbeatIntervalS = *upd.HeartbeatIntervalS
	}
	if upd.OfflineAfterS != nil {
		d.OfflineAfterS = *upd.OfflineAfterS
	}
	if upd.Enabled != nil {
		d.Enabled = *upd.Enabled
	}
	if upd.OperationMode != nil {
		d.OperationMode = *upd.OperationMode
	}
	if upd.SleepPollIntervalS != nil {
		d.SleepPollIntervalS = *upd.SleepPollIntervalS
	}
	if upd.AlertsMutedUntil != nil {
		d.AlertsMutedUntil = upd.AlertsMutedUntil
	}
	if upd.AlertsMutedReason != nil {
		d.AlertsMutedReason = *upd.AlertsMutedReason
	}
	if upd.ClearMute {
		d.AlertsMutedUntil = nil
		d.AlertsMutedReason = ""
	}
	if d.OfflineAfterS < 3*d.HeartbeatIntervalS {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "update_device", id,
			fmt.Errorf("offline_after_s must be at least 3x heartbeat_interval_s"))
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, heartbeat_interval_s = ?, offline_after_s = ?,
			enabled = ?, operation_mode = ?, sleep_poll_interval_s = ?,
			alerts_muted_until = ?, alerts_muted_reason = ?
		WHERE id = ?
	`, d.Name, d.HeartbeatIntervalS, d.OfflineAfterS, d.Enabled,
		string(d.OperationMode), d.SleepPollIntervalS,
		unixOrNil(d.AlertsMutedUntil), d.AlertsMutedReason, id)
	if err != nil {
		return nil, fmt.Errorf("update device: %w", err)
	}
	return d, nil
}

// RotateToken replaces the device token hash and fingerprint atomically.
func (s *Store) RotateToken(ctx context.Context, id, newToken string) error {
	hash, fp, err := HashToken(newToken)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET token_hash = ?, token_fingerprint = ? WHERE id = ?`,
		hash, fp, id)
	if err != nil {
		return fmt.Errorf("rotate token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrorTypeNotFound, "rotate_token", id, errors.New("device not found"))
	}
	return nil
}

// DeleteDevice removes a device and soft-nulls its batch lineage.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.New(apperrors.ErrorTypeNotFound, "delete_device", id, errors.New("device not found"))
		}
		for _, stmt := range []string{
			`DELETE FROM device_commands WHERE device_id = ?`,
			`DELETE FROM telemetry_dedupe WHERE device_id = ?`,
			`DELETE FROM telemetry_points WHERE device_id = ?`,
			`UPDATE ingestion_batches SET device_id = '' WHERE device_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("cascade device delete: %w", err)
			}
		}
		return nil
	})
}

// TouchLastSeen advances last_seen_at to ts if it is newer than the stored
// value. Out-of-order batches never move the watermark backwards.
func TouchLastSeen(ctx context.Context, tx *sql.Tx, deviceID string, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE devices SET last_seen_at = MAX(COALESCE(last_seen_at, 0), ?)
		WHERE id = ?
	`, ts.UTC().Unix(), deviceID)
	if err != nil {
		return fmt.Errorf("touch last_seen: %w", err)
	}
	return nil
}

const deviceSelect = `
	SELECT id, name, token_hash, token_fingerprint, heartbeat_interval_s,
		offline_after_s, enabled, operation_mode, sleep_poll_interval_s,
		alerts_muted_until, alerts_muted_reason, last_seen_at, created_at
	FROM devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDevice(row *sql.Row) (*models.Device, error) {
	d, err := s.scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrorTypeNotFound, "get_device", "", err)
	}
	return d, err
}

func (s *Store) scanDeviceRow(row rowScanner) (*models.Device, error) {
	var d models.Device
	var mode string
	var mutedUntil, lastSeen sql.NullInt64
	var createdAt int64
	err := row.Scan(&d.ID, &d.Name, &d.TokenHash, &d.TokenFingerprint,
		&d.HeartbeatIntervalS, &d.OfflineAfterS, &d.Enabled, &mode,
		&d.SleepPollIntervalS, &mutedUntil, &d.AlertsMutedReason,
		&lastSeen, &createdAt)
	if err != nil {
		return nil, err
	}
	d.OperationMode = models.OperationMode(mode)
	d.AlertsMutedUntil = timeOrNil(mutedUntil)
	d.LastSeenAt = timeOrNil(lastSeen)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &d, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_* in the message.
	return strings.Contains(err.Error(), "constraint failed")
}
