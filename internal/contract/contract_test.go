package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDoc = `
version: v1
metrics:
  water_pressure_psi: {type: number, unit: psi}
  uptime_s:           {type: number, unit: s}
  pump_on:            {type: boolean}
  device_state:       {type: string}
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(testDoc))
	require.NoError(t, err)
	assert.Equal(t, "v1", c.Version)
	assert.Len(t, c.Metrics, 4)
	assert.Equal(t, "psi", c.Metrics["water_pressure_psi"].Unit)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse([]byte("version: v1\nmetrics: {}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("metrics:\n  a: {type: number}\n"))
	assert.Error(t, err)
}

func TestHashIsStable(t *testing.T) {
	a, err := Parse([]byte(testDoc))
	require.NoError(t, err)
	b, err := Parse([]byte(testDoc))
	require.NoError(t, err)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)

	c, err := Parse([]byte(testDoc + "  extra_metric: {type: number}\n"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestCheck(t *testing.T) {
	c, err := Parse([]byte(testDoc))
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     string
		value   any
		outcome CheckOutcome
	}{
		{"number accepts float", "water_pressure_psi", 42.5, CheckOK},
		{"number accepts integral", "water_pressure_psi", float64(42), CheckOK},
		{"boolean is not a number", "water_pressure_psi", true, CheckTypeMismatch},
		{"string is not a number", "water_pressure_psi", "42", CheckTypeMismatch},
		{"boolean ok", "pump_on", false, CheckOK},
		{"number is not a boolean", "pump_on", 1.0, CheckTypeMismatch},
		{"string ok", "device_state", "running", CheckOK},
		{"unknown key", "mystery_metric", 1.0, CheckUnknownKey},
		{"null always accepted", "pump_on", nil, CheckOK},
		{"null accepted on unknown key", "mystery_metric", nil, CheckUnknownKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, _ := c.Check(tt.key, tt.value)
			assert.Equal(t, tt.outcome, outcome)
		})
	}
}

func TestCheckMismatchMessage(t *testing.T) {
	c, err := Parse([]byte(testDoc))
	require.NoError(t, err)

	_, msg := c.Check("water_pressure_psi", "high")
	assert.Equal(t, "metric 'water_pressure_psi' expected type 'number' but got 'str'", msg)

	_, msg = c.Check("device_state", true)
	assert.Contains(t, msg, "got 'bool'")

	_, msg = c.Check("device_state", 3.0)
	assert.Contains(t, msg, "got 'int'")

	_, msg = c.Check("device_state", 3.5)
	assert.Contains(t, msg, "got 'float'")
}
