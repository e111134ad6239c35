package edge

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/policy"
)

type powerSample struct {
	TS         time.Time `json:"ts"`
	OutOfRange bool      `json:"outOfRange"`
}

type powerSaverState struct {
	Samples []powerSample `json:"samples"`
	Active  bool          `json:"active"`
}

// PowerSaver detects sustained out-of-range input power and switches the
// scheduler to saver cadences. The sample window is persisted so a
// restart mid-brownout does not reset the detector.
type PowerSaver struct {
	cfg   policy.PowerManagement
	state powerSaverState
	path  string
	now   func() time.Time
}

// NewPowerSaver loads the persisted window from dataDir. Samples outside
// the window are dropped on the first evaluation.
func NewPowerSaver(dataDir string, cfg policy.PowerManagement) *PowerSaver {
	p := &PowerSaver{
		cfg:  cfg,
		path: filepath.Join(dataDir, "powersaver.json"),
		now:  time.Now,
	}
	loadJSON(p.path, &p.state)
	return p
}

// SetConfig applies a refreshed policy.
func (p *PowerSaver) SetConfig(cfg policy.PowerManagement) {
	p.cfg = cfg
}

// Active reports the current detector state.
func (p *PowerSaver) Active() bool {
	return p.cfg.Enabled && p.state.Active
}

// Observe records one input power reading and returns the detector state.
// The retained samples form a contiguous out-of-range streak: one in-range
// reading clears the streak and deactivates saver mode immediately, and
// activation requires the streak to span the whole window.
func (p *PowerSaver) Observe(voltage, wattage float64) bool {
	if !p.cfg.Enabled {
		return false
	}
	now := p.now().UTC()
	outOfRange := voltage < p.cfg.InputWarnMinV || voltage > p.cfg.InputWarnMaxV ||
		(p.cfg.MaxInputWattage > 0 && wattage > p.cfg.MaxInputWattage)
	window := time.Duration(p.cfg.WindowS) * time.Second

	wasActive := p.state.Active
	switch {
	case !outOfRange:
		p.state.Active = false
		p.state.Samples = nil
	default:
		// A reading gap longer than the window breaks streak continuity.
		if n := len(p.state.Samples); n > 0 && now.Sub(p.state.Samples[n-1].TS) > window {
			p.state.Samples = nil
		}
		p.state.Samples = append(p.state.Samples, powerSample{TS: now, OutOfRange: true})
		p.trim(now, window)
		if now.Sub(p.state.Samples[0].TS) >= window {
			p.state.Active = true
		}
	}

	if p.state.Active != wasActive {
		log.Info().
			Bool("active", p.state.Active).
			Float64("voltage", voltage).
			Float64("wattage", wattage).
			Msg("Power-saver state changed")
	}
	if err := saveJSON(p.path, &p.state); err != nil {
		log.Warn().Err(err).Msg("Failed to persist power-saver state")
	}
	return p.state.Active
}

// trim drops leading samples no longer needed to prove window coverage,
// keeping the oldest sample whose successor is still inside the window.
func (p *PowerSaver) trim(now time.Time, window time.Duration) {
	for len(p.state.Samples) >= 2 && now.Sub(p.state.Samples[1].TS) >= window {
		p.state.Samples = p.state.Samples[1:]
	}
}
