package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration reads a duration setting such as "mailer.timeout" or
// "reminder.retention". Besides time.ParseDuration units it accepts a whole
// number of days ("30d"), which is how retention windows are usually written.
// Empty means unset and returns 0.
func ParseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (use e.g. 90s, 15m, 24h or 30d)", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	}
	return d, nil
}

// DurationOr is ParseDuration with def standing in for unset and zero values.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
