package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
)

// InsertNotificationEvent writes one audit row for a routing decision or a
// delivery attempt.
func (s *Store) InsertNotificationEvent(ctx context.Context, ev *models.NotificationEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_events (id, alert_id, device_id, alert_type, channel,
			decision, reason, delivered, destination_fp, error_class, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.AlertID, ev.DeviceID, ev.AlertType, ev.Channel,
		string(ev.Decision), ev.Reason, ev.Delivered, ev.DestinationFP, ev.ErrorClass,
		ev.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert notification event: %w", err)
	}
	return nil
}

// HasDeliveredSince reports whether a delivered notification exists for
// (device, alert type) after since. Backs the dedupe rule.
func (s *Store) HasDeliveredSince(ctx context.Context, deviceID, alertType string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notification_events
		WHERE device_id = ? AND alert_type = ? AND delivered = 1 AND created_at >= ?
	`, deviceID, alertType, since.UTC().Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedupe query: %w", err)
	}
	return n > 0, nil
}

// CountDeliveredSince counts delivered notifications for a device after
// since. Backs the throttle rule.
func (s *Store) CountDeliveredSince(ctx context.Context, deviceID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notification_events
		WHERE device_id = ? AND delivered = 1 AND created_at >= ?
	`, deviceID, since.UTC().Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("throttle query: %w", err)
	}
	return n, nil
}

// ListNotificationEvents returns the newest events for a device.
func (s *Store) ListNotificationEvents(ctx context.Context, deviceID string, limit int) ([]*models.NotificationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, device_id, alert_type, channel, decision, reason,
			delivered, destination_fp, error_class, created_at
		FROM notification_events
		WHERE device_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notification events: %w", err)
	}
	defer rows.Close()

	var out []*models.NotificationEvent
	for rows.Next() {
		var ev models.NotificationEvent
		var decision string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.AlertID, &ev.DeviceID, &ev.AlertType, &ev.Channel,
			&decision, &ev.Reason, &ev.Delivered, &ev.DestinationFP, &ev.ErrorClass, &created); err != nil {
			return nil, err
		}
		ev.Decision = models.RoutingDecision(decision)
		ev.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}
