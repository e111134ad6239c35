package edge

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

// Reasons exempt from the cost cap: the device must stay observable even
// after burning its daily budget.
const (
	ReasonSample    = "sample"
	ReasonHeartbeat = "heartbeat"
	ReasonStartup   = "startup"
)

type costCapState struct {
	Day           string `json:"day"` // UTC yyyy-mm-dd
	BytesSent     int64  `json:"bytesSent"`
	SnapshotsSent int    `json:"snapshotsSent"`
}

// CostCap tracks the daily transfer budget with a persisted sidecar and
// UTC day rollover.
type CostCap struct {
	caps  policy.CostCaps
	state costCapState
	path  string
	now   func() time.Time
}

// NewCostCap loads (or initializes) the cost-cap sidecar under dataDir.
func NewCostCap(dataDir string, caps policy.CostCaps) *CostCap {
	c := &CostCap{
		caps: caps,
		path: filepath.Join(dataDir, "costcap.json"),
		now:  time.Now,
	}
	loadJSON(c.path, &c.state)
	c.rollover()
	return c
}

// SetCaps applies a refreshed policy.
func (c *CostCap) SetCaps(caps policy.CostCaps) {
	c.caps = caps
}

// capExempt reports whether a reason bypasses the daily budget.
func capExempt(reason string) bool {
	return reason == ReasonHeartbeat || reason == ReasonStartup
}

// Allow reports whether a transfer with the given reason may proceed.
// Heartbeat and startup traffic always passes.
func (c *CostCap) Allow(reason string) bool {
	c.rollover()
	if capExempt(reason) {
		return true
	}
	if c.caps.MaxBytesPerDay > 0 && c.state.BytesSent >= c.caps.MaxBytesPerDay {
		return false
	}
	return true
}

// Record accounts bytes after a successful transfer.
func (c *CostCap) Record(bytes int64) {
	c.rollover()
	c.state.BytesSent += bytes
	if err := saveJSON(c.path, &c.state); err != nil {
		log.Warn().Err(err).Msg("Failed to persist cost-cap state")
	}
}

// BytesToday returns the running daily total.
func (c *CostCap) BytesToday() int64 {
	c.rollover()
	return c.state.BytesSent
}

func (c *CostCap) rollover() {
	day := c.now().UTC().Format("2006-01-02")
	if c.state.Day == day {
		return
	}
	if c.state.Day != "" {
		log.Info().
			Str("day", c.state.Day).
			Int64("bytesSent", c.state.BytesSent).
			Msg("Cost-cap day rolled over")
	}
	c.state = costCapState{Day: day}
	if err := saveJSON(c.path, &c.state); err != nil {
		log.Warn().Err(err).Msg("Failed to persist cost-cap state")
	}
}
