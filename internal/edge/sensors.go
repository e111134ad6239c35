package edge

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Reader produces a metric map on demand. Readers are lazy: they are only
// invoked when the scheduler decides a sample is due.
type Reader interface {
	Name() string
	ReadMetrics(ctx context.Context) (map[string]any, error)
}

// Registry holds the explicitly registered sensor readers.
type Registry struct {
	mu      sync.Mutex
	readers []Reader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a reader.
func (r *Registry) Register(reader Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers = append(r.readers, reader)
}

// ReadAll merges every reader's metrics into one sample. A failing reader
// contributes nothing; its error is returned alongside the partial sample.
func (r *Registry) ReadAll(ctx context.Context) (map[string]any, []error) {
	r.mu.Lock()
	readers := make([]Reader, len(r.readers))
	copy(readers, r.readers)
	r.mu.Unlock()

	merged := make(map[string]any)
	var errs []error
	for _, reader := range readers {
		metrics, err := reader.ReadMetrics(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for k, v := range metrics {
			merged[k] = v
		}
	}
	return merged, errs
}

// SimulatedReader generates plausible pump-station metrics for the sim
// mode and tests.
type SimulatedReader struct {
	rng *rand.Rand
	t   float64
}

// NewSimulatedReader seeds a deterministic simulated sensor.
func NewSimulatedReader(seed int64) *SimulatedReader {
	return &SimulatedReader{rng: rand.New(rand.NewSource(seed))}
}

func (s *SimulatedReader) Name() string { return "simulated" }

func (s *SimulatedReader) ReadMetrics(ctx context.Context) (map[string]any, error) {
	s.t += 0.1
	return map[string]any{
		"water_pressure_psi": 42.0 + 6.0*math.Sin(s.t) + s.rng.Float64(),
		"input_voltage_v":    12.0 + 0.4*s.rng.Float64(),
		"input_wattage_w":    5.0 + 2.0*s.rng.Float64(),
		"pump_on":            math.Sin(s.t) > 0,
		"device_state":       "running",
		"uptime_s":           int(time.Now().Unix() % 86400),
	}, nil
}
