package alerting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

// OfflineDetector raises DEVICE_OFFLINE alerts for active devices whose
// last_seen_at watermark has gone stale. It runs as a periodic job, not on
// the ingest path.
type OfflineDetector struct {
	store  *store.Store
	router *Router
}

// NewOfflineDetector wires the detector to the store and the router.
func NewOfflineDetector(st *store.Store, router *Router) *OfflineDetector {
	return &OfflineDetector{store: st, router: router}
}

// Name identifies the detector in job logs.
func (d *OfflineDetector) Name() string { return "offline_detector" }

// RunOnce sweeps all enabled devices once.
func (d *OfflineDetector) RunOnce(ctx context.Context) error {
	devices, err := d.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("offline sweep: %w", err)
	}

	now := time.Now().UTC()
	for _, dev := range devices {
		if !dev.Enabled {
			continue
		}
		if err := d.checkDevice(ctx, dev, now); err != nil {
			log.Error().Err(err).Str("deviceID", dev.ID).Msg("Offline check failed")
		}
	}
	return nil
}

func (d *OfflineDetector) checkDevice(ctx context.Context, dev *models.Device, now time.Time) error {
	stale := false
	if dev.OperationMode == models.ModeActive && dev.LastSeenAt != nil {
		seconds := now.Sub(*dev.LastSeenAt).Seconds()
		stale = seconds > float64(dev.OfflineAfterS)
	}
	// Sleep and disabled devices never raise offline alerts; an existing
	// open alert is closed so a mode change doesn't strand it.

	var opened *models.Alert
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		open, err := store.GetOpenAlert(ctx, tx, dev.ID, models.AlertDeviceOffline)
		if err != nil {
			return err
		}

		if stale {
			if open != nil {
				return nil
			}
			alert := &models.Alert{
				DeviceID:  dev.ID,
				Type:      models.AlertDeviceOffline,
				Severity:  models.SeverityWarning,
				Message:   fmt.Sprintf("device silent for more than %ds", dev.OfflineAfterS),
				CreatedAt: now,
			}
			created, err := store.OpenAlert(ctx, tx, alert)
			if err != nil {
				return err
			}
			if created {
				opened = alert
				metrics.AlertsFiredTotal.WithLabelValues(string(alert.Severity), alert.Type).Inc()
			}
			return nil
		}

		if open == nil {
			return nil
		}
		if _, err := store.ResolveAlert(ctx, tx, dev.ID, models.AlertDeviceOffline, now); err != nil {
			return err
		}
		if _, err := store.InsertResolutionEvent(ctx, tx, dev.ID, models.AlertDeviceOnline,
			"device is reporting again", 0, now); err != nil {
			return err
		}
		metrics.AlertsResolvedTotal.WithLabelValues(models.AlertDeviceOffline).Inc()
		return nil
	})
	if err != nil {
		return err
	}

	if opened != nil && d.router != nil {
		d.router.Route(ctx, opened, dev)
	}
	return nil
}
