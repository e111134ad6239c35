package edge

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

// Scheduler is the single-threaded edge loop: sample at policy cadences,
// deliver or buffer, refresh policy, apply commands.
type Scheduler struct {
	client   *Client
	buffer   *Buffer
	policies *PolicyClient
	commands *CommandManager
	costCap  *CostCap
	saver    *PowerSaver
	sensors  *Registry

	controls Controls

	backoff      time.Duration
	backoffUntil time.Time
	lastSample   time.Time
	lastBeat     time.Time
	alertActive  bool
	started      bool

	now func() time.Time
	rng *rand.Rand
}

// NewScheduler wires the edge runtime components.
func NewScheduler(client *Client, buffer *Buffer, policies *PolicyClient, commands *CommandManager, costCap *CostCap, saver *PowerSaver, sensors *Registry) *Scheduler {
	return &Scheduler{
		client:   client,
		buffer:   buffer,
		policies: policies,
		commands: commands,
		costCap:  costCap,
		saver:    saver,
		sensors:  sensors,
		controls: Controls{OperationMode: models.ModeActive},
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes the loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler iteration. Exposed for run-once mode.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	s.refreshPolicy(ctx, now)
	s.commands.RetryAck(ctx)

	pol := s.currentPolicy()
	if pol == nil {
		log.Debug().Msg("No policy yet, skipping tick")
		return
	}

	if s.controls.OperationMode == models.ModeDisabled {
		// No telemetry in disabled mode; the policy poll above still ran.
		return
	}

	sampleEvery, beatEvery := s.cadence(pol)

	if !s.started || now.Sub(s.lastSample) >= sampleEvery {
		reason := ReasonSample
		if !s.started {
			reason = ReasonStartup
		}
		s.produce(ctx, now, pol, reason)
		s.lastSample = now
		s.lastBeat = now
		s.started = true
	} else if now.Sub(s.lastBeat) >= beatEvery {
		s.produce(ctx, now, pol, ReasonHeartbeat)
		s.lastBeat = now
	}

	s.flush(ctx, now, pol)
}

// cadence resolves the sample and heartbeat intervals for the current
// state. Sleep mode applies the poll interval to both; critical cadence
// wins over power saver.
func (s *Scheduler) cadence(pol *policy.Policy) (sample, heartbeat time.Duration) {
	rep := pol.Reporting
	sample = time.Duration(rep.SampleIntervalS) * time.Second
	heartbeat = time.Duration(rep.HeartbeatIntervalS) * time.Second

	switch {
	case s.controls.OperationMode == models.ModeSleep:
		poll := time.Duration(s.controls.SleepPollIntervalS) * time.Second
		if poll <= 0 {
			poll = time.Minute
		}
		return poll, poll
	case s.alertActive && rep.AlertSampleIntervalS > 0:
		sample = time.Duration(rep.AlertSampleIntervalS) * time.Second
	case s.saver.Active():
		if rep.SaverSampleIntervalS > 0 {
			sample = time.Duration(rep.SaverSampleIntervalS) * time.Second
		}
		if rep.SaverHeartbeatIntervalS > 0 {
			heartbeat = time.Duration(rep.SaverHeartbeatIntervalS) * time.Second
		}
	}
	return sample, heartbeat
}

// produce reads the sensors and either delivers the point directly or
// enqueues it.
func (s *Scheduler) produce(ctx context.Context, now time.Time, pol *policy.Policy, reason string) {
	sample, errs := s.sensors.ReadAll(ctx)
	for _, err := range errs {
		log.Warn().Err(err).Msg("Sensor read failed")
	}
	if len(sample) == 0 {
		return
	}

	s.observePower(sample)
	s.alertActive = anyThresholdBreached(pol, sample)

	point := wirePoint{
		MessageID: ulid.MustNew(ulid.Timestamp(now), s.rng).String(),
		TS:        now,
		Metrics:   sample,
	}
	payload, err := json.Marshal(point)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal point")
		return
	}

	if !s.costCap.Allow(reason) {
		log.Debug().Str("reason", reason).Int64("bytesToday", s.costCap.BytesToday()).
			Msg("Cost cap reached, buffering point")
		s.buffer.Enqueue(point.MessageID, payload, now)
		return
	}

	// Exempt traffic skips the queue-depth gate: a capped device cannot
	// flush, so a queued heartbeat would never leave the buffer.
	depth, _ := s.buffer.Depth()
	if (depth > 0 && !capExempt(reason)) || s.inBackoff(now) {
		s.buffer.Enqueue(point.MessageID, payload, now)
		return
	}

	res, err := s.client.PostBatch(ctx, [][]byte{payload})
	if err != nil || res.StatusCode >= 500 {
		s.buffer.Enqueue(point.MessageID, payload, now)
		s.enterBackoff(now, pol)
		return
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		s.costCap.Record(res.BytesSent)
		s.resetBackoff()
		metrics.EdgeFlushTotal.WithLabelValues("delivered").Inc()

	case res.StatusCode == http.StatusTooManyRequests:
		s.buffer.Enqueue(point.MessageID, payload, now)
		wait := res.RetryAfter
		if wait <= 0 {
			wait = time.Duration(pol.Reporting.BackoffInitialS) * time.Second
		}
		s.backoffUntil = now.Add(wait)
		metrics.EdgeFlushTotal.WithLabelValues("retry").Inc()

	default:
		// Other 4xx: the server refused this point; retrying cannot help.
		log.Warn().Int("status", res.StatusCode).Msg("Point refused, dropping")
		s.resetBackoff()
		metrics.EdgeFlushTotal.WithLabelValues("dropped").Inc()
	}
}

// flush drains up to one batch of buffered points.
func (s *Scheduler) flush(ctx context.Context, now time.Time, pol *policy.Policy) {
	if s.inBackoff(now) {
		return
	}
	if !s.costCap.Allow(ReasonSample) {
		return
	}

	limit := pol.Reporting.MaxPointsPerBatch
	if limit <= 0 {
		limit = 100
	}
	points, err := s.buffer.Oldest(limit)
	if err != nil || len(points) == 0 {
		return
	}

	payloads := make([][]byte, len(points))
	ids := make([]string, len(points))
	for i, p := range points {
		payloads[i] = p.Payload
		ids[i] = p.MessageID
	}

	res, err := s.client.PostBatch(ctx, payloads)
	if err != nil {
		log.Warn().Err(err).Int("points", len(points)).Msg("Flush failed, retaining buffer")
		metrics.EdgeFlushTotal.WithLabelValues("retry").Inc()
		s.enterBackoff(now, pol)
		return
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		s.buffer.Delete(ids)
		s.costCap.Record(res.BytesSent)
		s.resetBackoff()
		metrics.EdgeFlushTotal.WithLabelValues("delivered").Inc()

	case res.StatusCode == http.StatusUnprocessableEntity:
		// Contract reject: these points will never be accepted.
		log.Error().Int("points", len(points)).Msg("Batch rejected by contract, dropping")
		s.buffer.Delete(ids)
		s.resetBackoff()
		metrics.EdgeFlushTotal.WithLabelValues("rejected").Inc()

	case res.StatusCode == http.StatusTooManyRequests:
		metrics.EdgeFlushTotal.WithLabelValues("retry").Inc()
		wait := res.RetryAfter
		if wait <= 0 {
			wait = time.Duration(pol.Reporting.BackoffInitialS) * time.Second
		}
		s.backoffUntil = now.Add(wait)

	case res.StatusCode >= 400 && res.StatusCode < 500:
		// Server classified the rows as invalid; keeping them can only
		// wedge the queue.
		log.Warn().Int("status", res.StatusCode).Int("points", len(points)).Msg("Batch refused, dropping")
		s.buffer.Delete(ids)
		s.resetBackoff()
		metrics.EdgeFlushTotal.WithLabelValues("dropped").Inc()

	default:
		metrics.EdgeFlushTotal.WithLabelValues("retry").Inc()
		s.enterBackoff(now, pol)
	}
}

func (s *Scheduler) refreshPolicy(ctx context.Context, now time.Time) {
	stale := s.policies.Stale(now)
	if s.controls.OperationMode == models.ModeDisabled {
		// Disabled devices poll on the sleep cadence, not the cache max-age.
		poll := time.Duration(s.controls.SleepPollIntervalS) * time.Second
		if poll <= 0 {
			poll = time.Minute
		}
		stale = s.policies.StaleAfter(now, poll)
	}
	if !stale {
		s.applyPending()
		return
	}
	changed, err := s.policies.Refresh(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Policy refresh failed, keeping cached policy")
		return
	}
	if changed {
		dp := s.policies.Current()
		s.controls.OperationMode = dp.OperationMode
		s.controls.SleepPollIntervalS = dp.SleepPollIntervalS
		if dp.Policy != nil {
			s.costCap.SetCaps(dp.Policy.CostCaps)
			s.saver.SetConfig(dp.Policy.PowerManagement)
		}
	}
	s.applyPending()
}

func (s *Scheduler) applyPending() {
	if dp := s.policies.Current(); dp != nil {
		s.commands.HandlePending(dp.PendingControlCommand, &s.controls)
	}
}

func (s *Scheduler) currentPolicy() *policy.Policy {
	if dp := s.policies.Current(); dp != nil {
		return dp.Policy
	}
	return nil
}

func (s *Scheduler) observePower(sample map[string]any) {
	voltage, vok := numericMetric(sample, "input_voltage_v")
	wattage, _ := numericMetric(sample, "input_wattage_w")
	if vok {
		s.saver.Observe(voltage, wattage)
	}
}

func (s *Scheduler) inBackoff(now time.Time) bool {
	return now.Before(s.backoffUntil)
}

// enterBackoff doubles the delay up to the policy maximum and applies
// full jitter so a fleet recovering from an outage does not stampede.
func (s *Scheduler) enterBackoff(now time.Time, pol *policy.Policy) {
	initial := time.Duration(pol.Reporting.BackoffInitialS) * time.Second
	max := time.Duration(pol.Reporting.BackoffMaxS) * time.Second
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if max < initial {
		max = 10 * initial
	}

	if s.backoff == 0 {
		s.backoff = initial
	} else {
		s.backoff *= 2
		if s.backoff > max {
			s.backoff = max
		}
	}
	jittered := time.Duration(s.rng.Int63n(int64(s.backoff) + 1))
	s.backoffUntil = now.Add(jittered)
	log.Debug().Dur("backoff", jittered).Msg("Entering delivery backoff")
}

func (s *Scheduler) resetBackoff() {
	s.backoff = 0
	s.backoffUntil = time.Time{}
}

// anyThresholdBreached switches the loop to the critical cadence while a
// sampled metric sits below a policy low threshold.
func anyThresholdBreached(pol *policy.Policy, sample map[string]any) bool {
	for _, th := range pol.AlertThresholds {
		if v, ok := numericMetric(sample, th.Metric); ok && v < th.Low {
			return true
		}
	}
	return false
}

func numericMetric(sample map[string]any, key string) (float64, bool) {
	switch v := sample[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
