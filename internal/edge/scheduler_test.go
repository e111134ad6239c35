package edge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

type fixedReader struct {
	metrics map[string]any
}

func (f *fixedReader) Name() string { return "fixed" }

func (f *fixedReader) ReadMetrics(ctx context.Context) (map[string]any, error) {
	return f.metrics, nil
}

func schedPolicy() *policy.Policy {
	return &policy.Policy{
		Version: "v1",
		Reporting: policy.Reporting{
			SampleIntervalS:         60,
			HeartbeatIntervalS:      300,
			AlertSampleIntervalS:    15,
			SaverSampleIntervalS:    600,
			SaverHeartbeatIntervalS: 1800,
			MaxPointsPerBatch:       100,
			BackoffInitialS:         5,
			BackoffMaxS:             60,
		},
		AlertThresholds: map[string]policy.Threshold{
			"water_pressure": {Metric: "water_pressure_psi", Low: 30, Recover: 35},
		},
	}
}

func newSchedHarness(t *testing.T, handler http.Handler) (*Scheduler, *Buffer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	buffer, err := OpenBuffer(filepath.Join(dir, "buffer.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { buffer.Close() })

	client := NewClient(srv.URL, "tok")
	sensors := NewRegistry()
	sensors.Register(&fixedReader{metrics: map[string]any{"water_pressure_psi": 42.0}})

	s := NewScheduler(client, buffer, nil,
		NewCommandManager(client, dir, false, nil),
		NewCostCap(dir, policy.CostCaps{}),
		NewPowerSaver(dir, policy.PowerManagement{}),
		sensors)
	return s, buffer, srv
}

func TestCadenceResolution(t *testing.T) {
	s, _, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	pol := schedPolicy()

	sample, beat := s.cadence(pol)
	assert.Equal(t, time.Minute, sample)
	assert.Equal(t, 5*time.Minute, beat)

	// Critical cadence while an alert condition holds.
	s.alertActive = true
	sample, _ = s.cadence(pol)
	assert.Equal(t, 15*time.Second, sample)
	s.alertActive = false

	// Saver cadence, unless the critical cadence wins.
	s.saver.cfg.Enabled = true
	s.saver.state.Active = true
	sample, beat = s.cadence(pol)
	assert.Equal(t, 10*time.Minute, sample)
	assert.Equal(t, 30*time.Minute, beat)

	s.alertActive = true
	sample, _ = s.cadence(pol)
	assert.Equal(t, 15*time.Second, sample, "critical cadence wins over saver")
	s.alertActive = false
	s.saver.state.Active = false

	// Sleep mode polls at the sleep interval for samples and heartbeats.
	s.controls.OperationMode = models.ModeSleep
	s.controls.SleepPollIntervalS = 900
	sample, beat = s.cadence(pol)
	assert.Equal(t, 15*time.Minute, sample)
	assert.Equal(t, 15*time.Minute, beat)

	// Unset sleep poll falls back to one minute.
	s.controls.SleepPollIntervalS = 0
	sample, _ = s.cadence(pol)
	assert.Equal(t, time.Minute, sample)
}

func TestAnyThresholdBreached(t *testing.T) {
	pol := schedPolicy()
	assert.True(t, anyThresholdBreached(pol, map[string]any{"water_pressure_psi": 20.0}))
	assert.False(t, anyThresholdBreached(pol, map[string]any{"water_pressure_psi": 30.0}))
	assert.False(t, anyThresholdBreached(pol, map[string]any{"other_metric": 1.0}))
	assert.False(t, anyThresholdBreached(pol, map[string]any{"water_pressure_psi": "broken"}))
}

func TestProduceDeliversDirectly(t *testing.T) {
	var requests int
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/api/v1/ingest", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))

	s.produce(context.Background(), time.Now().UTC(), schedPolicy(), ReasonSample)
	assert.Equal(t, 1, requests)

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth, "fast path skips the buffer")
	assert.Positive(t, s.costCap.BytesToday())
}

func TestProduceBuffersOnServerError(t *testing.T) {
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	now := time.Now().UTC()
	s.produce(context.Background(), now, schedPolicy(), ReasonSample)

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	assert.True(t, s.inBackoff(now) || s.backoff > 0, "a failed delivery starts backoff")
}

func TestProduceBuffersWhenCostCapped(t *testing.T) {
	var requests int
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	s.costCap.SetCaps(policy.CostCaps{MaxBytesPerDay: 100})
	s.costCap.Record(150)

	s.produce(context.Background(), time.Now().UTC(), schedPolicy(), ReasonSample)
	assert.Zero(t, requests, "capped sample is buffered, not sent")

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestHeartbeatDeliveredUnderExhaustedCap(t *testing.T) {
	var requests int
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	s.costCap.SetCaps(policy.CostCaps{MaxBytesPerDay: 100})
	s.costCap.Record(150)

	now := time.Now().UTC()
	s.produce(context.Background(), now, schedPolicy(), ReasonSample)
	require.Zero(t, requests)

	// The capped sample sits in the buffer; the heartbeat must not queue
	// behind it or the device goes silent for the rest of the day.
	s.produce(context.Background(), now, schedPolicy(), ReasonHeartbeat)
	assert.Equal(t, 1, requests)

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "only the capped sample stays queued")

	s.flush(context.Background(), now, schedPolicy())
	assert.Equal(t, 1, requests, "flush stays blocked while the cap holds")
}

func TestProduceRateLimitedRetainsPoint(t *testing.T) {
	var requests int
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	now := time.Now().UTC()
	s.produce(context.Background(), now, schedPolicy(), ReasonSample)
	assert.Equal(t, 1, requests)

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "rate-limited point is retained")
	assert.Equal(t, now.Add(7*time.Second), s.backoffUntil)

	// The next sample waits out the window instead of hitting the server.
	s.produce(context.Background(), now, schedPolicy(), ReasonSample)
	assert.Equal(t, 1, requests)
	depth, err = buffer.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestProduceClientErrorDrops(t *testing.T) {
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	now := time.Now().UTC()
	s.produce(context.Background(), now, schedPolicy(), ReasonSample)

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.False(t, s.inBackoff(now))
}

func TestDisabledModePollsPolicyAtSleepCadence(t *testing.T) {
	srv, seen := policyServer(t, `"etag-1"`, testDevicePolicy())
	s, _, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s.policies = NewPolicyClient(NewClient(srv.URL, "tok"), t.TempDir())

	base := time.Now().UTC()
	s.refreshPolicy(context.Background(), base)
	require.Len(t, *seen, 1)

	s.controls.OperationMode = models.ModeDisabled
	s.controls.SleepPollIntervalS = 900
	s.policies.cache.FetchedAt = base

	// The cache max-age (300s) has long expired, but a disabled device
	// holds to its sleep cadence.
	s.refreshPolicy(context.Background(), base.Add(6*time.Minute))
	assert.Len(t, *seen, 1)

	s.refreshPolicy(context.Background(), base.Add(16*time.Minute))
	assert.Len(t, *seen, 2)
}

func TestProduceTracksAlertState(t *testing.T) {
	s, _, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	s.sensors = NewRegistry()
	s.sensors.Register(&fixedReader{metrics: map[string]any{"water_pressure_psi": 20.0}})

	s.produce(context.Background(), time.Now().UTC(), schedPolicy(), ReasonSample)
	assert.True(t, s.alertActive)
}

func TestFlushDelivered(t *testing.T) {
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	buffer.Enqueue("m1", []byte(`{"a":1}`), time.Now())
	buffer.Enqueue("m2", []byte(`{"a":2}`), time.Now())

	s.flush(context.Background(), time.Now().UTC(), schedPolicy())

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Positive(t, s.costCap.BytesToday())
}

func TestFlushContractRejectDrops(t *testing.T) {
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	buffer.Enqueue("m1", []byte(`{"a":1}`), time.Now())

	s.flush(context.Background(), time.Now().UTC(), schedPolicy())

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth, "contract-rejected points can never be accepted")
	assert.False(t, s.inBackoff(time.Now()))
}

func TestFlushRateLimitedHonorsRetryAfter(t *testing.T) {
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	buffer.Enqueue("m1", []byte(`{"a":1}`), time.Now())

	now := time.Now().UTC()
	s.flush(context.Background(), now, schedPolicy())

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "rate-limited points are retained")
	assert.Equal(t, now.Add(7*time.Second), s.backoffUntil)
}

func TestFlushServerErrorRetains(t *testing.T) {
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	buffer.Enqueue("m1", []byte(`{"a":1}`), time.Now())

	now := time.Now().UTC()
	s.flush(context.Background(), now, schedPolicy())

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	assert.Positive(t, s.backoff)
}

func TestFlushOtherClientErrorDrops(t *testing.T) {
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	buffer.Enqueue("m1", []byte(`{"a":1}`), time.Now())

	s.flush(context.Background(), time.Now().UTC(), schedPolicy())

	depth, err := buffer.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestFlushSkippedDuringBackoff(t *testing.T) {
	var requests int
	s, buffer, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	buffer.Enqueue("m1", []byte(`{"a":1}`), time.Now())

	now := time.Now().UTC()
	s.backoffUntil = now.Add(time.Minute)
	s.flush(context.Background(), now, schedPolicy())
	assert.Zero(t, requests)
}

func TestBackoffDoublesWithJitterCap(t *testing.T) {
	s, _, _ := newSchedHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	pol := schedPolicy()
	now := time.Now().UTC()

	s.enterBackoff(now, pol)
	assert.Equal(t, 5*time.Second, s.backoff)
	s.enterBackoff(now, pol)
	assert.Equal(t, 10*time.Second, s.backoff)
	for i := 0; i < 10; i++ {
		s.enterBackoff(now, pol)
	}
	assert.Equal(t, 60*time.Second, s.backoff, "backoff is capped at the policy maximum")
	assert.LessOrEqual(t, s.backoffUntil.Sub(now), 60*time.Second, "jitter never exceeds the current backoff")

	s.resetBackoff()
	assert.Zero(t, s.backoff)
	assert.False(t, s.inBackoff(now))
}
