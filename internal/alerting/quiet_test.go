package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInQuietHours(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 8, 24, hour, min, 0, 0, time.UTC)
	}

	tests := []struct {
		name       string
		now        time.Time
		start, end string
		want       bool
	}{
		{"overnight late evening", at(23, 0), "22:00", "06:00", true},
		{"overnight after midnight", at(3, 30), "22:00", "06:00", true},
		{"overnight midday", at(12, 0), "22:00", "06:00", false},
		{"overnight exact start", at(22, 0), "22:00", "06:00", true},
		{"overnight exact end excluded", at(6, 0), "22:00", "06:00", false},
		{"same-day window inside", at(13, 0), "12:00", "14:00", true},
		{"same-day window outside", at(15, 0), "12:00", "14:00", false},
		{"start equals end disables", at(12, 0), "08:00", "08:00", false},
		{"empty start disables", at(23, 0), "", "06:00", false},
		{"unparseable start disables", at(23, 0), "ten pm", "06:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inQuietHours(tt.now, tt.start, tt.end, "UTC"))
		})
	}
}

func TestInQuietHoursTimezone(t *testing.T) {
	// 02:00 UTC is 21:00 the previous evening in New York (EST, UTC-5).
	now := time.Date(2026, 1, 15, 2, 0, 0, 0, time.UTC)
	assert.False(t, inQuietHours(now, "22:00", "06:00", "America/New_York"))
	assert.True(t, inQuietHours(now, "22:00", "06:00", "UTC"))

	// Unknown timezone falls back to UTC.
	assert.True(t, inQuietHours(now, "22:00", "06:00", "Not/AZone"))
}
