package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader reads and validates environment variables. The first failure is
// retained so Load can finish scanning and still abort with the offending
// variable named.
type envReader struct {
	err error
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = NewValidationError("env", name, "", err)
	}
}

func (e *envReader) string(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) boolean(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		e.fail(name, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, raw))
		return def
	}
	return v
}

func (e *envReader) int(name string, def, min, max int) int {
	v, set := e.optionalInt(name, min, max)
	if !set {
		return def
	}
	return v
}

// optionalInt reports whether the variable was set; range violations are
// recorded as validation failures.
func (e *envReader) optionalInt(name string, min, max int) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		e.fail(name, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, raw))
		return 0, false
	}
	if v < min || v > max {
		e.fail(name, fmt.Errorf("%w: %d out of range [%d,%d]", ErrInvalidValue, v, min, max))
		return 0, false
	}
	return v, true
}

func (e *envReader) float(name string, def, min, max float64) float64 {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		e.fail(name, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, raw))
		return def
	}
	if v < min || v > max {
		e.fail(name, fmt.Errorf("%w: %g out of range [%g,%g]", ErrInvalidValue, v, min, max))
		return def
	}
	return v
}

// durationMS reads a millisecond-valued variable into a time.Duration.
func (e *envReader) durationMS(name string, defMS, minMS, maxMS int) time.Duration {
	return time.Duration(e.int(name, defMS, minMS, maxMS)) * time.Millisecond
}
