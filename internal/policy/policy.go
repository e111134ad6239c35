// Package policy loads the versioned edge policy artifact. The policy is a
// single content-hashed document describing reporting cadences, alert
// thresholds with hysteresis pairs, cost caps and operation defaults.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reporting holds the cadence and transport settings for the edge scheduler.
type Reporting struct {
	SampleIntervalS         int `yaml:"sample_interval_s" json:"sampleIntervalS"`
	HeartbeatIntervalS      int `yaml:"heartbeat_interval_s" json:"heartbeatIntervalS"`
	AlertSampleIntervalS    int `yaml:"alert_sample_interval_s" json:"alertSampleIntervalS"`
	SaverSampleIntervalS    int `yaml:"saver_sample_interval_s" json:"saverSampleIntervalS"`
	SaverHeartbeatIntervalS int `yaml:"saver_heartbeat_interval_s" json:"saverHeartbeatIntervalS"`
	MaxPointsPerBatch       int `yaml:"max_points_per_batch" json:"maxPointsPerBatch"`
	BackoffInitialS         int `yaml:"backoff_initial_s" json:"backoffInitialS"`
	BackoffMaxS             int `yaml:"backoff_max_s" json:"backoffMaxS"`
}

// Threshold is one hysteresis pair. Low opens an alert on a strict
// less-than; Recover closes it on greater-or-equal. Recover must be
// strictly greater than Low — for RSSI-style metrics this still holds
// because recovery values are less negative.
type Threshold struct {
	Metric       string  `yaml:"metric" json:"metric"`
	Low          float64 `yaml:"low" json:"low"`
	Recover      float64 `yaml:"recover" json:"recover"`
	OpenSamples  int     `yaml:"open_samples,omitempty" json:"openSamples,omitempty"`
	CloseSamples int     `yaml:"close_samples,omitempty" json:"closeSamples,omitempty"`
}

// CostCaps is the daily transfer budget after which the device degrades to
// heartbeat-only reporting.
type CostCaps struct {
	MaxBytesPerDay        int64 `yaml:"max_bytes_per_day" json:"maxBytesPerDay"`
	MaxSnapshotsPerDay    int   `yaml:"max_snapshots_per_day" json:"maxSnapshotsPerDay"`
	MaxMediaUploadsPerDay int   `yaml:"max_media_uploads_per_day" json:"maxMediaUploadsPerDay"`
}

// PowerManagement configures the power-saver detector.
type PowerManagement struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	Mode            string  `yaml:"mode" json:"mode"`
	InputWarnMinV   float64 `yaml:"input_warn_min_v" json:"inputWarnMinV"`
	InputWarnMaxV   float64 `yaml:"input_warn_max_v" json:"inputWarnMaxV"`
	MaxInputWattage float64 `yaml:"max_input_wattage" json:"maxInputWattage"`
	WindowS         int     `yaml:"window_s" json:"windowS"`
}

// OperationDefaults are server-side defaults applied to new devices and
// control commands.
type OperationDefaults struct {
	ControlCommandTTLS        int  `yaml:"control_command_ttl_s" json:"controlCommandTtlS"`
	DefaultSleepPollIntervalS int  `yaml:"default_sleep_poll_interval_s" json:"defaultSleepPollIntervalS"`
	ShutdownGraceS            int  `yaml:"shutdown_grace_s" json:"shutdownGraceS"`
	AllowRemoteShutdown       bool `yaml:"allow_remote_shutdown" json:"allowRemoteShutdown"`
}

// Policy is a parsed, content-addressed edge policy document.
type Policy struct {
	Version           string               `yaml:"version" json:"version"`
	CacheMaxAgeS      int                  `yaml:"cache_max_age_s" json:"cacheMaxAgeS"`
	Reporting         Reporting            `yaml:"reporting" json:"reporting"`
	DeltaThresholds   map[string]float64   `yaml:"delta_thresholds,omitempty" json:"deltaThresholds,omitempty"`
	AlertThresholds   map[string]Threshold `yaml:"alert_thresholds" json:"alertThresholds"`
	CostCaps          CostCaps             `yaml:"cost_caps" json:"costCaps"`
	PowerManagement   PowerManagement      `yaml:"power_management" json:"powerManagement"`
	OperationDefaults OperationDefaults    `yaml:"operation_defaults" json:"operationDefaults"`

	hash string
}

// Load reads and parses a policy artifact from disk.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes policy bytes, validates invariants and computes the hash.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if p.Version == "" {
		return nil, fmt.Errorf("policy missing version")
	}
	if p.Reporting.SampleIntervalS <= 0 || p.Reporting.HeartbeatIntervalS <= 0 {
		return nil, fmt.Errorf("policy %s: reporting cadences must be positive", p.Version)
	}
	for name, th := range p.AlertThresholds {
		if th.Metric == "" {
			return nil, fmt.Errorf("policy threshold %q missing metric", name)
		}
		if th.Recover <= th.Low {
			return nil, fmt.Errorf("policy threshold %q: recover (%v) must be greater than low (%v)",
				name, th.Recover, th.Low)
		}
	}
	sum := sha256.Sum256(data)
	p.hash = hex.EncodeToString(sum[:])
	return &p, nil
}

// Hash returns the SHA-256 of the raw policy document.
func (p *Policy) Hash() string {
	return p.hash
}

// AlertType derives the open-alert type for a threshold name, e.g.
// "water_pressure" -> "WATER_PRESSURE_LOW".
func AlertType(name string) string {
	return strings.ToUpper(name) + "_LOW"
}

// ResolveType derives the one-shot resolution type for a threshold name,
// e.g. "water_pressure" -> "WATER_PRESSURE_OK".
func ResolveType(name string) string {
	return strings.ToUpper(name) + "_OK"
}

// ThresholdNames returns threshold names in stable order.
func (p *Policy) ThresholdNames() []string {
	names := make([]string, 0, len(p.AlertThresholds))
	for name := range p.AlertThresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
