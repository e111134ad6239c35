// Package contract loads the versioned telemetry contract and validates
// metric values against it.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Metric value types declared by the contract.
const (
	TypeNumber  = "number"
	TypeString  = "string"
	TypeBoolean = "boolean"
)

// MetricSpec declares the expected shape of one metric key.
type MetricSpec struct {
	Type string `yaml:"type"`
	Unit string `yaml:"unit,omitempty"`
}

// Contract is a parsed, content-addressed telemetry contract.
type Contract struct {
	Version string                `yaml:"version"`
	Metrics map[string]MetricSpec `yaml:"metrics"`

	hash string
}

// Load reads and parses a contract artifact from disk.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	return Parse(data)
}

// Parse decodes contract bytes and computes the content hash.
func Parse(data []byte) (*Contract, error) {
	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	if c.Version == "" {
		return nil, fmt.Errorf("contract missing version")
	}
	if len(c.Metrics) == 0 {
		return nil, fmt.Errorf("contract %s declares no metrics", c.Version)
	}
	for key, spec := range c.Metrics {
		switch spec.Type {
		case TypeNumber, TypeString, TypeBoolean:
		default:
			return nil, fmt.Errorf("contract metric %q has unknown type %q", key, spec.Type)
		}
	}
	sum := sha256.Sum256(data)
	c.hash = hex.EncodeToString(sum[:])
	return &c, nil
}

// Hash returns the SHA-256 of the raw contract document.
func (c *Contract) Hash() string {
	return c.hash
}

// CheckOutcome classifies a single metric value against the contract.
type CheckOutcome int

const (
	CheckOK CheckOutcome = iota
	CheckUnknownKey
	CheckTypeMismatch
)

// Check validates one metric value. Null is always accepted; booleans are
// never numbers. For mismatches the returned string is the client-facing
// error message.
func (c *Contract) Check(key string, value any) (CheckOutcome, string) {
	spec, known := c.Metrics[key]
	if !known {
		return CheckUnknownKey, ""
	}
	if value == nil {
		return CheckOK, ""
	}
	if observedMatches(spec.Type, value) {
		return CheckOK, ""
	}
	return CheckTypeMismatch, fmt.Sprintf(
		"metric '%s' expected type '%s' but got '%s'", key, spec.Type, observedTypeName(value))
}

func observedMatches(declared string, value any) bool {
	switch declared {
	case TypeNumber:
		switch value.(type) {
		case float64, int, int64:
			return true
		}
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	}
	return false
}

// observedTypeName names the observed value type in error messages. The
// names mirror what devices report in their own diagnostics.
func observedTypeName(value any) string {
	switch v := value.(type) {
	case string:
		return "str"
	case bool:
		return "bool"
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return "int"
		}
		return "float"
	case int, int64:
		return "int"
	default:
		return fmt.Sprintf("%T", value)
	}
}
