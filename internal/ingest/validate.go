package ingest

import (
	"fmt"
	"sort"
	"time"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/contract"
)

// ValidationMode controls what happens to a point with a type mismatch.
type ValidationMode string

const (
	// ModeReject fails the whole request with 422; nothing is persisted.
	ModeReject ValidationMode = "reject"
	// ModeQuarantine moves offending points aside; the batch continues.
	ModeQuarantine ValidationMode = "quarantine"
)

// UnknownKeyPolicy controls handling of metric keys absent from the contract.
type UnknownKeyPolicy string

const (
	// UnknownAllow silently accepts unknown keys.
	UnknownAllow UnknownKeyPolicy = "allow"
	// UnknownFlag accepts unknown keys but records a drift event.
	UnknownFlag UnknownKeyPolicy = "flag"
)

// Point is one submitted sample, already JSON-decoded.
type Point struct {
	MessageID string         `json:"message_id"`
	TS        time.Time      `json:"ts"`
	Metrics   map[string]any `json:"metrics"`
}

// ValidationResult is the outcome of stage (a) for one batch.
type ValidationResult struct {
	Valid        []Point
	Quarantined  []quarantineEntry
	Errors       []string
	UnknownKeys  []string
	MismatchKeys []string
}

type quarantineEntry struct {
	Point  Point
	Errors []string
}

// maxRejectErrors caps the error messages surfaced on a 422.
const maxRejectErrors = 10

// validate runs every point through the contract. Timestamps are already
// normalized to UTC by the decoder.
func validate(c *contract.Contract, points []Point, mode ValidationMode) ValidationResult {
	var res ValidationResult
	unknown := map[string]bool{}
	mismatch := map[string]bool{}

	for _, p := range points {
		var pointErrors []string
		for _, key := range sortedKeys(p.Metrics) {
			outcome, msg := c.Check(key, p.Metrics[key])
			switch outcome {
			case contract.CheckUnknownKey:
				unknown[key] = true
			case contract.CheckTypeMismatch:
				mismatch[key] = true
				pointErrors = append(pointErrors, msg)
			}
		}

		if len(pointErrors) == 0 {
			res.Valid = append(res.Valid, p)
			continue
		}
		res.Errors = append(res.Errors, pointErrors...)
		if mode == ModeQuarantine {
			res.Quarantined = append(res.Quarantined, quarantineEntry{Point: p, Errors: pointErrors})
		}
	}

	res.UnknownKeys = setToSlice(unknown)
	res.MismatchKeys = setToSlice(mismatch)
	return res
}

// rejectMessages trims the error list for the 422 response body.
func rejectMessages(all []string) []string {
	if len(all) <= maxRejectErrors {
		return all
	}
	trimmed := make([]string, maxRejectErrors, maxRejectErrors+1)
	copy(trimmed, all[:maxRejectErrors])
	trimmed = append(trimmed, fmt.Sprintf("... and %d more errors (%d total)", len(all)-maxRejectErrors, len(all)))
	return trimmed
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setToSlice(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// tsWindow computes the client timestamp window over the given points.
func tsWindow(points []Point) (min, max *time.Time) {
	for i := range points {
		ts := points[i].TS
		if min == nil || ts.Before(*min) {
			t := ts
			min = &t
		}
		if max == nil || ts.After(*max) {
			t := ts
			max = &t
		}
	}
	return min, max
}
