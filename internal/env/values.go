package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns $key, or fallback when it is unset or blank.
func String(key, fallback string) string {
	_ = Ensure()
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Int returns $key as an integer, or fallback when it does not parse.
func Int(key string, fallback int) int {
	_ = Ensure()
	if val, ok := lookup(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

// Duration reads $key as a Go duration ("90s", "1m"). A bare integer counts
// seconds, the unit the config file uses for waits.
func Duration(key string, fallback time.Duration) time.Duration {
	_ = Ensure()
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return fallback
}

// Bool reads $key as a switch. It accepts the UCI spellings on/off and
// yes/no besides strconv.ParseBool values.
func Bool(key string, fallback bool) bool {
	_ = Ensure()
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(val) {
	case "on", "yes", "enabled":
		return true
	case "off", "no", "disabled":
		return false
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return fallback
}
