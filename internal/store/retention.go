package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionConfig sets how long each table keeps history.
type RetentionConfig struct {
	Telemetry          time.Duration
	Quarantine         time.Duration
	ResolvedAlerts     time.Duration
	NotificationEvents time.Duration
	DedupeRegistry     time.Duration
}

// DefaultRetention returns the retention windows used when nothing is
// configured.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		Telemetry:          90 * 24 * time.Hour,
		Quarantine:         14 * 24 * time.Hour,
		ResolvedAlerts:     30 * 24 * time.Hour,
		NotificationEvents: 30 * 24 * time.Hour,
		DedupeRegistry:     90 * 24 * time.Hour,
	}
}

// RunRetention deletes rows older than the configured windows and returns
// the total number of rows removed.
func (s *Store) RunRetention(ctx context.Context, cfg RetentionConfig) (int64, error) {
	now := time.Now().UTC()
	start := time.Now()

	sweeps := []struct {
		name   string
		query  string
		window time.Duration
	}{
		{"telemetry", `DELETE FROM telemetry_points WHERE created_at < ?`, cfg.Telemetry},
		{"quarantine", `DELETE FROM quarantined_points WHERE created_at < ?`, cfg.Quarantine},
		{"resolved_alerts", `DELETE FROM alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cfg.ResolvedAlerts},
		{"notification_events", `DELETE FROM notification_events WHERE created_at < ?`, cfg.NotificationEvents},
		{"dedupe_registry", `DELETE FROM telemetry_dedupe WHERE created_at < ?`, cfg.DedupeRegistry},
	}

	var total int64
	for _, sweep := range sweeps {
		if sweep.window <= 0 {
			continue
		}
		cutoff := now.Add(-sweep.window).Unix()
		res, err := s.db.ExecContext(ctx, sweep.query, cutoff)
		if err != nil {
			return total, fmt.Errorf("retention sweep %s: %w", sweep.name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			total += n
			log.Debug().Str("table", sweep.name).Int64("deleted", n).Msg("Retention sweep")
		}
	}

	if total > 0 {
		log.Info().
			Int64("deleted", total).
			Dur("duration", time.Since(start)).
			Msg("Retention cleanup completed")
	}
	return total, nil
}
