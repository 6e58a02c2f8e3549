package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a non-negative duration for the config key.
// An empty value is zero. Besides time.ParseDuration syntax a leading
// whole-day count is accepted, so retention can read "30d" or "1d12h".
func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDays(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", key)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for
// an empty or zero value.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func parseDays(s string) (time.Duration, error) {
	n, rest, ok := strings.Cut(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}
	days, err := strconv.Atoi(n)
	if err != nil {
		return 0, fmt.Errorf("day count %q", n)
	}
	if days < 0 {
		return 0, fmt.Errorf("negative day count")
	}
	if days > int(time.Duration(1<<63-1)/day) {
		return 0, fmt.Errorf("day count %d out of range", days)
	}
	d := time.Duration(days) * day
	if rest == "" {
		return d, nil
	}
	extra, err := time.ParseDuration(rest)
	if err != nil {
		return 0, err
	}
	if extra < 0 {
		return 0, fmt.Errorf("negative remainder %q", rest)
	}
	return d + extra, nil
}
