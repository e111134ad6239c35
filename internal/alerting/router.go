package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/notify"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

// RouterConfig controls suppression rules applied before fan-out.
type RouterConfig struct {
	Enabled        bool
	QuietStart     string // "22:00"
	QuietEnd       string // "06:00"; start == end disables the rule
	QuietTimezone  string
	DedupeWindow   time.Duration
	ThrottleWindow time.Duration
	ThrottleMax    int
}

// Router decides whether an opened alert is delivered, and fans it out to
// every enabled destination. Each rule is evaluated in order; the first
// match wins.
type Router struct {
	store        *store.Store
	cfg          RouterConfig
	destinations []notify.Destination

	now func() time.Time
}

// NewRouter builds a Router over explicitly registered destinations.
func NewRouter(st *store.Store, cfg RouterConfig, destinations []notify.Destination) *Router {
	return &Router{
		store:        st,
		cfg:          cfg,
		destinations: destinations,
		now:          time.Now,
	}
}

// Route evaluates the suppression chain for one opened alert and, on
// deliver, fans out to every destination. Failures are recorded per
// destination and never propagate to the caller.
func (r *Router) Route(ctx context.Context, alert *models.Alert, device *models.Device) models.RoutingDecision {
	decision, reason := r.decide(ctx, alert, device)
	if decision != models.DecisionDeliver {
		r.recordSuppression(ctx, alert, decision, reason)
		metrics.NotificationsTotal.WithLabelValues(string(decision), "router").Inc()
		log.Debug().
			Str("alertID", alert.ID).
			Str("decision", string(decision)).
			Str("reason", reason).
			Msg("Alert notification suppressed")
		return decision
	}

	for _, dest := range r.destinations {
		outcome := dest.Deliver(ctx, alert, device)
		ev := &models.NotificationEvent{
			AlertID:       alert.ID,
			DeviceID:      alert.DeviceID,
			AlertType:     alert.Type,
			Channel:       dest.Kind(),
			DestinationFP: dest.Fingerprint(),
			CreatedAt:     r.now().UTC(),
		}
		if outcome.Delivered {
			ev.Decision = models.DecisionDeliver
			ev.Delivered = true
		} else {
			ev.Decision = models.DecisionDeliveryFailed
			ev.ErrorClass = outcome.ErrorClass
			if outcome.Err != nil {
				ev.Reason = outcome.Err.Error()
			}
			log.Warn().
				Err(outcome.Err).
				Str("destination", dest.Name()).
				Str("kind", dest.Kind()).
				Str("alertID", alert.ID).
				Str("errorClass", outcome.ErrorClass).
				Msg("Notification delivery failed")
		}
		metrics.NotificationsTotal.WithLabelValues(string(ev.Decision), dest.Kind()).Inc()
		if err := r.store.InsertNotificationEvent(ctx, ev); err != nil {
			log.Error().Err(err).Str("alertID", alert.ID).Msg("Failed to record notification event")
		}
	}
	return models.DecisionDeliver
}

func (r *Router) decide(ctx context.Context, alert *models.Alert, device *models.Device) (models.RoutingDecision, string) {
	now := r.now().UTC()

	if !r.cfg.Enabled {
		return models.DecisionSuppressedDisabled, "notifications disabled by policy"
	}

	if device != nil && device.AlertsMuted(now) {
		reason := device.AlertsMutedReason
		if reason == "" {
			reason = fmt.Sprintf("alerts muted until %s", device.AlertsMutedUntil.UTC().Format(time.RFC3339))
		}
		return models.DecisionSuppressedMuted, reason
	}

	if inQuietHours(now, r.cfg.QuietStart, r.cfg.QuietEnd, r.cfg.QuietTimezone) {
		return models.DecisionSuppressedQuiet, fmt.Sprintf("quiet hours %s-%s", r.cfg.QuietStart, r.cfg.QuietEnd)
	}

	if r.cfg.DedupeWindow > 0 {
		seen, err := r.store.HasDeliveredSince(ctx, alert.DeviceID, alert.Type, now.Add(-r.cfg.DedupeWindow))
		if err != nil {
			log.Error().Err(err).Str("alertID", alert.ID).Msg("Dedupe lookup failed")
		} else if seen {
			return models.DecisionSuppressedDedupe, fmt.Sprintf("delivered within %s", r.cfg.DedupeWindow)
		}
	}

	if r.cfg.ThrottleMax > 0 && r.cfg.ThrottleWindow > 0 {
		count, err := r.store.CountDeliveredSince(ctx, alert.DeviceID, now.Add(-r.cfg.ThrottleWindow))
		if err != nil {
			log.Error().Err(err).Str("alertID", alert.ID).Msg("Throttle lookup failed")
		} else if count >= r.cfg.ThrottleMax {
			return models.DecisionSuppressedThrottle, fmt.Sprintf("%d notifications within %s", count, r.cfg.ThrottleWindow)
		}
	}

	return models.DecisionDeliver, ""
}

func (r *Router) recordSuppression(ctx context.Context, alert *models.Alert, decision models.RoutingDecision, reason string) {
	ev := &models.NotificationEvent{
		AlertID:   alert.ID,
		DeviceID:  alert.DeviceID,
		AlertType: alert.Type,
		Channel:   "router",
		Decision:  decision,
		Reason:    reason,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.InsertNotificationEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("alertID", alert.ID).Msg("Failed to record suppression event")
	}
}
