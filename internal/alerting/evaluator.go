// Package alerting turns metric samples into deduplicated open/close alert
// events with hysteresis, detects offline devices, and routes opened alerts
// to notification destinations.
package alerting

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/models"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/store"
)

// PolicyProvider returns the current edge policy. It is swapped atomically
// on artifact reload.
type PolicyProvider func() *policy.Policy

// Evaluator applies hysteresis threshold rules to incoming samples.
// Alert state lives in the database (existence of an open alert row);
// consecutive-sample streaks for windowed thresholds are process-local.
type Evaluator struct {
	policyFn PolicyProvider

	mu      sync.Mutex
	streaks map[string]*streak
}

type streak struct {
	below int
	above int
}

// NewEvaluator creates an Evaluator bound to a policy provider.
func NewEvaluator(policyFn PolicyProvider) *Evaluator {
	return &Evaluator{
		policyFn: policyFn,
		streaks:  make(map[string]*streak),
	}
}

// EvaluateTx runs every threshold rule against the metrics of one accepted
// point, inside the ingest transaction. It returns the alerts that were
// newly opened so the caller can hand them to the router after commit.
func (e *Evaluator) EvaluateTx(ctx context.Context, tx *sql.Tx, device *models.Device, sample map[string]any, ts time.Time) ([]*models.Alert, error) {
	pol := e.policyFn()
	if pol == nil {
		return nil, nil
	}

	var opened []*models.Alert
	for _, name := range pol.ThresholdNames() {
		th := pol.AlertThresholds[name]
		raw, present := sample[th.Metric]
		if !present {
			continue
		}
		value, ok := numericValue(raw)
		if !ok {
			continue
		}

		alert, err := e.evaluateThreshold(ctx, tx, device, name, th, value, ts)
		if err != nil {
			return opened, err
		}
		if alert != nil {
			opened = append(opened, alert)
		}
	}
	return opened, nil
}

func (e *Evaluator) evaluateThreshold(ctx context.Context, tx *sql.Tx, device *models.Device, name string, th policy.Threshold, value float64, ts time.Time) (*models.Alert, error) {
	alertType := policy.AlertType(name)

	shouldOpen := value < th.Low
	shouldClose := value >= th.Recover
	if th.OpenSamples > 0 || th.CloseSamples > 0 {
		shouldOpen, shouldClose = e.advanceStreak(device.ID, name, th, shouldOpen, shouldClose)
	}

	open, err := store.GetOpenAlert(ctx, tx, device.ID, alertType)
	if err != nil {
		return nil, err
	}

	switch {
	case shouldOpen && open == nil:
		alert := &models.Alert{
			DeviceID:  device.ID,
			Type:      alertType,
			Severity:  models.SeverityWarning,
			Message:   fmt.Sprintf("%s %.2f below threshold %.2f", th.Metric, value, th.Low),
			Value:     value,
			CreatedAt: ts.UTC(),
		}
		created, err := store.OpenAlert(ctx, tx, alert)
		if err != nil {
			return nil, err
		}
		if !created {
			// A concurrent ingest won the open-row race; nothing to route.
			return nil, nil
		}
		metrics.AlertsFiredTotal.WithLabelValues(string(alert.Severity), alert.Type).Inc()
		return alert, nil

	case shouldClose && open != nil:
		if _, err := store.ResolveAlert(ctx, tx, device.ID, alertType, ts); err != nil {
			return nil, err
		}
		okType := policy.ResolveType(name)
		msg := fmt.Sprintf("%s recovered to %.2f (threshold %.2f)", th.Metric, value, th.Recover)
		if _, err := store.InsertResolutionEvent(ctx, tx, device.ID, okType, msg, value, ts); err != nil {
			return nil, err
		}
		metrics.AlertsResolvedTotal.WithLabelValues(alertType).Inc()
		return nil, nil

	default:
		// Still breached, still healthy, or inside the hysteresis band.
		return nil, nil
	}
}

// advanceStreak maintains the consecutive-sample counters for windowed
// thresholds (e.g. microphone offline). A sample in the hysteresis band
// resets both streaks.
func (e *Evaluator) advanceStreak(deviceID, name string, th policy.Threshold, below, above bool) (shouldOpen, shouldClose bool) {
	openAfter := th.OpenSamples
	if openAfter <= 0 {
		openAfter = 1
	}
	closeAfter := th.CloseSamples
	if closeAfter <= 0 {
		closeAfter = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := deviceID + ":" + name
	st := e.streaks[key]
	if st == nil {
		st = &streak{}
		e.streaks[key] = st
	}

	switch {
	case below:
		st.below++
		st.above = 0
	case above:
		st.above++
		st.below = 0
	default:
		st.below = 0
		st.above = 0
	}

	return st.below >= openAfter, st.above >= closeAfter
}

// ForgetDevice drops process-local streak state for a deleted device.
func (e *Evaluator) ForgetDevice(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.streaks {
		if len(key) > len(deviceID) && key[:len(deviceID)+1] == deviceID+":" {
			delete(e.streaks, key)
		}
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		// Booleans and strings never participate in threshold evaluation.
		return 0, false
	}
}
