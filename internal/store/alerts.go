package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

// GetOpenAlert returns the open alert for (device, type), or nil.
func GetOpenAlert(ctx context.Context, q queryer, deviceID, alertType string) (*models.Alert, error) {
	row := q.QueryRowContext(ctx, alertSelect+`
		WHERE device_id = ? AND alert_type = ? AND resolved_at IS NULL
	`, deviceID, alertType)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// OpenAlert inserts an open alert row. The partial unique index on
// (device_id, alert_type) WHERE resolved_at IS NULL guarantees at most one
// open alert; a losing concurrent insert reports opened=false.
func OpenAlert(ctx context.Context, tx *sql.Tx, a *models.Alert) (opened bool, err error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, device_id, alert_type, severity, message, value, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`, a.ID, a.DeviceID, a.Type, string(a.Severity), a.Message, a.Value, a.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("open alert: %w", err)
	}
	return true, nil
}

// ResolveAlert closes the open alert for (device, type). Returns the
// resolved alert, or nil when none was open.
func ResolveAlert(ctx context.Context, tx *sql.Tx, deviceID, alertType string, at time.Time) (*models.Alert, error) {
	open, err := GetOpenAlert(ctx, tx, deviceID, alertType)
	if err != nil || open == nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE alerts SET resolved_at = ? WHERE id = ?`, at.UTC().Unix(), open.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	resolvedAt := at.UTC()
	open.ResolvedAt = &resolvedAt
	return open, nil
}

// InsertResolutionEvent records the one-shot info record emitted alongside a
// resolution (e.g. WATER_PRESSURE_OK). It is born resolved so it never
// occupies the open-alert slot.
func InsertResolutionEvent(ctx context.Context, tx *sql.Tx, deviceID, eventType, message string, value float64, at time.Time) (*models.Alert, error) {
	ts := at.UTC()
	a := &models.Alert{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Type:       eventType,
		Severity:   models.SeverityInfo,
		Message:    message,
		Value:      value,
		CreatedAt:  ts,
		ResolvedAt: &ts,
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (id, device_id, alert_type, severity, message, value, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.DeviceID, a.Type, string(a.Severity), a.Message, a.Value, ts.Unix(), ts.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert resolution event: %w", err)
	}
	return a, nil
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	DeviceID string
	OpenOnly bool
	Limit    int
}

const maxAlertListLimit = 1000

// ListAlerts returns alerts newest-first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxAlertListLimit {
		limit = maxAlertListLimit
	}
	query := alertSelect + ` WHERE 1=1`
	args := []any{}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.OpenOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const alertSelect = `
	SELECT id, device_id, alert_type, severity, message, value, created_at, resolved_at
	FROM alerts`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var severity string
	var value sql.NullFloat64
	var created int64
	var resolved sql.NullInt64
	err := row.Scan(&a.ID, &a.DeviceID, &a.Type, &severity, &a.Message, &value, &created, &resolved)
	if err != nil {
		return nil, err
	}
	a.Severity = models.AlertSeverity(severity)
	a.Value = value.Float64
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.ResolvedAt = timeOrNil(resolved)
	return &a, nil
}
