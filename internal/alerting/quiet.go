package alerting

import (
	"time"

	"github.com/rs/zerolog/log"
)

// inQuietHours reports whether now falls inside the [start, end) window in
// the given timezone. The window may cross midnight (e.g. 22:00 -> 06:00);
// start == end disables the rule.
func inQuietHours(now time.Time, start, end, timezone string) bool {
	if start == "" || end == "" || start == end {
		return false
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", timezone).Msg("Failed to load quiet-hours timezone, using UTC")
		loc = time.UTC
	}
	local := now.In(loc)

	startT, err := time.ParseInLocation("15:04", start, loc)
	if err != nil {
		log.Warn().Err(err).Str("start", start).Msg("Failed to parse quiet hours start time")
		return false
	}
	endT, err := time.ParseInLocation("15:04", end, loc)
	if err != nil {
		log.Warn().Err(err).Str("end", end).Msg("Failed to parse quiet hours end time")
		return false
	}

	startMin := startT.Hour()*60 + startT.Minute()
	endMin := endT.Hour()*60 + endT.Minute()
	nowMin := local.Hour()*60 + local.Minute()

	if endMin < startMin {
		// Overnight window, e.g. 22:00 -> 06:00.
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}
