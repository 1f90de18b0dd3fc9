package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// parsed returns fallback when key is unset, blank, or rejected by parse.
func parsed[T any](key string, fallback T, parse func(string) (T, bool)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if v, ok := parse(raw); ok {
		return v
	}
	return fallback
}

func String(key, fallback string) string {
	return parsed(key, fallback, func(s string) (string, bool) { return s, true })
}

// Int only accepts positive values.
func Int(key string, fallback int) int {
	return parsed(key, fallback, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0
	})
}

func Bool(key string, fallback bool) bool {
	return parsed(key, fallback, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// Duration accepts Go duration strings ("3s", "1m30s") or a bare integer of milliseconds.
func Duration(key string, fallback time.Duration) time.Duration {
	return parsed(key, fallback, func(s string) (time.Duration, bool) {
		if ms, err := strconv.Atoi(s); err == nil {
			return time.Duration(ms) * time.Millisecond, ms > 0
		}
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

// CSV splits a comma separated list, dropping blanks and duplicates.
func CSV(key string, fallback []string) []string {
	items := parsed[[]string](key, nil, func(s string) ([]string, bool) {
		var out []string
		seen := map[string]bool{}
		for _, part := range strings.Split(s, ",") {
			item := strings.TrimSpace(part)
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
		return out, len(out) > 0
	})
	if items == nil {
		return append([]string(nil), fallback...)
	}
	return items
}
