package alerting

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/notify"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

type fakeDestination struct {
	kind      string
	name      string
	delivered int
	fail      bool
}

func (f *fakeDestination) Kind() string        { return f.kind }
func (f *fakeDestination) Name() string        { return f.name }
func (f *fakeDestination) Fingerprint() string { return "fp-" + f.name }

func (f *fakeDestination) Deliver(ctx context.Context, alert *models.Alert, device *models.Device) notify.Outcome {
	if f.fail {
		return notify.Outcome{ErrorClass: notify.ErrClassHTTP5xx, Err: errors.New("upstream 500")}
	}
	f.delivered++
	return notify.Outcome{Delivered: true}
}

func routerConfig() RouterConfig {
	return RouterConfig{
		Enabled:        true,
		QuietTimezone:  "UTC",
		DedupeWindow:   30 * time.Minute,
		ThrottleWindow: time.Hour,
		ThrottleMax:    3,
	}
}

func newRouterHarness(t *testing.T, cfg RouterConfig, dests ...notify.Destination) (*store.Store, *Router, *models.Device) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	device := &models.Device{
		ID:                 "dev-1",
		Name:               "pump-1",
		HeartbeatIntervalS: 60,
		OfflineAfterS:      300,
		Enabled:            true,
	}
	require.NoError(t, st.CreateDevice(context.Background(), device, "tok"))

	return st, NewRouter(st, cfg, dests), device
}

func testAlert(id string) *models.Alert {
	return &models.Alert{
		ID:        id,
		DeviceID:  "dev-1",
		Type:      "WATER_PRESSURE_LOW",
		Severity:  models.SeverityWarning,
		Message:   "water_pressure_psi 20.00 below threshold 30.00",
		Value:     20,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRouteDeliversToEveryDestination(t *testing.T) {
	slack := &fakeDestination{kind: "slack", name: "ops-slack"}
	generic := &fakeDestination{kind: "generic", name: "pagerduty-bridge"}
	st, r, device := newRouterHarness(t, routerConfig(), slack, generic)

	decision := r.Route(context.Background(), testAlert("a1"), device)
	assert.Equal(t, models.DecisionDeliver, decision)
	assert.Equal(t, 1, slack.delivered)
	assert.Equal(t, 1, generic.delivered)

	events, err := st.ListNotificationEvents(context.Background(), device.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, models.DecisionDeliver, ev.Decision)
		assert.True(t, ev.Delivered)
		assert.NotEmpty(t, ev.DestinationFP)
	}
}

func TestRouteDisabledSuppresses(t *testing.T) {
	dest := &fakeDestination{kind: "slack", name: "ops"}
	cfg := routerConfig()
	cfg.Enabled = false
	st, r, device := newRouterHarness(t, cfg, dest)

	decision := r.Route(context.Background(), testAlert("a1"), device)
	assert.Equal(t, models.DecisionSuppressedDisabled, decision)
	assert.Zero(t, dest.delivered)

	events, err := st.ListNotificationEvents(context.Background(), device.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "router", events[0].Channel)
	assert.False(t, events[0].Delivered)
}

func TestRouteMutedDevice(t *testing.T) {
	dest := &fakeDestination{kind: "slack", name: "ops"}
	_, r, device := newRouterHarness(t, routerConfig(), dest)

	until := time.Now().Add(time.Hour).UTC()
	device.AlertsMutedUntil = &until
	device.AlertsMutedReason = "maintenance window"

	decision := r.Route(context.Background(), testAlert("a1"), device)
	assert.Equal(t, models.DecisionSuppressedMuted, decision)
	assert.Zero(t, dest.delivered)

	// An expired mute no longer suppresses.
	past := time.Now().Add(-time.Hour).UTC()
	device.AlertsMutedUntil = &past
	decision = r.Route(context.Background(), testAlert("a2"), device)
	assert.Equal(t, models.DecisionDeliver, decision)
}

func TestRouteQuietHours(t *testing.T) {
	dest := &fakeDestination{kind: "slack", name: "ops"}
	cfg := routerConfig()
	cfg.QuietStart = "22:00"
	cfg.QuietEnd = "06:00"
	_, r, device := newRouterHarness(t, cfg, dest)

	r.now = func() time.Time { return time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC) }
	assert.Equal(t, models.DecisionSuppressedQuiet, r.Route(context.Background(), testAlert("a1"), device))

	r.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	assert.Equal(t, models.DecisionDeliver, r.Route(context.Background(), testAlert("a2"), device))
}

func TestRouteDedupeWindow(t *testing.T) {
	dest := &fakeDestination{kind: "slack", name: "ops"}
	_, r, device := newRouterHarness(t, routerConfig(), dest)

	assert.Equal(t, models.DecisionDeliver, r.Route(context.Background(), testAlert("a1"), device))
	assert.Equal(t, models.DecisionSuppressedDedupe, r.Route(context.Background(), testAlert("a2"), device))
	assert.Equal(t, 1, dest.delivered)

	// A different alert type is not deduped against the first.
	other := testAlert("a3")
	other.Type = "BATTERY_LOW"
	assert.Equal(t, models.DecisionDeliver, r.Route(context.Background(), other, device))
}

func TestRouteThrottle(t *testing.T) {
	dest := &fakeDestination{kind: "slack", name: "ops"}
	cfg := routerConfig()
	cfg.DedupeWindow = 0 // isolate the throttle rule
	cfg.ThrottleMax = 2
	_, r, device := newRouterHarness(t, cfg, dest)

	for i, alertType := range []string{"A_LOW", "B_LOW"} {
		a := testAlert(string(rune('a'+i)) + "1")
		a.Type = alertType
		assert.Equal(t, models.DecisionDeliver, r.Route(context.Background(), a, device))
	}

	third := testAlert("c1")
	third.Type = "C_LOW"
	assert.Equal(t, models.DecisionSuppressedThrottle, r.Route(context.Background(), third, device))
	assert.Equal(t, 2, dest.delivered)
}

func TestRouteDeliveryFailureRecorded(t *testing.T) {
	failing := &fakeDestination{kind: "generic", name: "flaky", fail: true}
	healthy := &fakeDestination{kind: "slack", name: "ops"}
	st, r, device := newRouterHarness(t, routerConfig(), failing, healthy)

	decision := r.Route(context.Background(), testAlert("a1"), device)
	assert.Equal(t, models.DecisionDeliver, decision)
	assert.Equal(t, 1, healthy.delivered)

	events, err := st.ListNotificationEvents(context.Background(), device.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	byChannel := map[string]*models.NotificationEvent{}
	for _, ev := range events {
		byChannel[ev.Channel] = ev
	}
	require.Contains(t, byChannel, "generic")
	assert.Equal(t, models.DecisionDeliveryFailed, byChannel["generic"].Decision)
	assert.Equal(t, notify.ErrClassHTTP5xx, byChannel["generic"].ErrorClass)
	assert.True(t, byChannel["slack"].Delivered)
}
