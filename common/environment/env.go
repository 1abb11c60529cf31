// Package environment reads typed configuration values from environment
// variables. Every helper falls back to a caller-supplied default when the
// variable is unset, empty, or unparseable; only RequiredString reports an
// error, so library code never has to exit the process.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of name and whether it is non-empty.
func lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// parseOr applies parse to the value of name, returning def when the
// variable is absent or parse fails.
func parseOr[T any](name string, def T, parse func(string) (T, error)) T {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		return def
	}
	return parsed
}

// String returns the raw value of the named variable and whether it was set
// at all (an explicitly empty value still reports true).
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the value of name, or def when unset or empty.
func StringOr(name, def string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return def
}

// RequiredString returns the value of name or an error when it is unset or
// empty.
func RequiredString(name string) (string, error) {
	v, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses name with strconv.ParseBool.
func BoolOr(name string, def bool) bool {
	return parseOr(name, def, strconv.ParseBool)
}

// IntOr parses name as a base-10 integer.
func IntOr(name string, def int) int {
	return parseOr(name, def, strconv.Atoi)
}

// Float64Or parses name as a 64-bit float (e.g. a similarity threshold).
func Float64Or(name string, def float64) float64 {
	return parseOr(name, def, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// DurationOr parses name with time.ParseDuration ("30s", "2m").
func DurationOr(name string, def time.Duration) time.Duration {
	return parseOr(name, def, time.ParseDuration)
}

// StringSliceOr splits name on commas, trimming each element and dropping
// empty ones. Returns def when nothing remains.
func StringSliceOr(name string, def []string) []string {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
