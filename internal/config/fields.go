package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// ParseDurationField parses a Go duration string. Empty means zero; negative
// values are rejected. path names the config key in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseTimezoneField validates an IANA zone name. Empty returns "" and nil.
func ParseTimezoneField(path, raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return "", fmt.Errorf("%s: invalid %q: %w", path, name, err)
	}
	return name, nil
}
