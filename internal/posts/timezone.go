package posts

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseLocalTime reads a wall-clock time entered in tz and returns it in UTC.
// Inputs carrying an explicit offset (RFC 3339) keep that offset. An empty tz
// means DefaultTimezone.
func ParseLocalTime(raw, tz string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrInvalid)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}

	if strings.TrimSpace(tz) == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(strings.TrimSpace(tz))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, tz, err)
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised time %q", ErrInvalid, raw)
}

// ParseTime reads a scheduled time entered in the service's input zone.
func (s *Service) ParseTime(raw string) (time.Time, error) {
	return ParseLocalTime(raw, s.tz)
}
