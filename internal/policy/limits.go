package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Terminal dimension bounds. Values outside the range are clamped; a
// zero or missing value resolves against the last known session value,
// then against the default 24x80.
const (
	MinDim      = 1
	MaxDim      = 9999
	DefaultRows = 24
	DefaultCols = 80
)

// Dims is a rows/cols pair. Zero means "unspecified".
type Dims struct {
	Rows int
	Cols int
}

// DefaultDims is the last-resort terminal geometry.
func DefaultDims() Dims { return Dims{Rows: DefaultRows, Cols: DefaultCols} }

// ClampDims resolves d against prev and clamps the result into the
// permitted range. Idempotent: clamp(clamp(d, p), p) == clamp(d, p).
func ClampDims(d, prev Dims) Dims {
	out := d
	if out.Rows <= 0 {
		out.Rows = prev.Rows
	}
	if out.Cols <= 0 {
		out.Cols = prev.Cols
	}
	if out.Rows <= 0 {
		out.Rows = DefaultRows
	}
	if out.Cols <= 0 {
		out.Cols = DefaultCols
	}
	if out.Rows < MinDim {
		out.Rows = MinDim
	} else if out.Rows > MaxDim {
		out.Rows = MaxDim
	}
	if out.Cols < MinDim {
		out.Cols = MinDim
	} else if out.Cols > MaxDim {
		out.Cols = MaxDim
	}
	return out
}

// Env bundle limits. Keys must look like conventional environment
// variable names; values may not carry shell metacharacters because the
// pairs are forwarded to the remote PTY environment.
const (
	MaxEnvPairs    = 50
	MaxEnvValueLen = 512
)

var envKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,31}$`)

var ErrTooManyEnvPairs = errors.New("policy: too many environment pairs")

// ValidateEnv filters a client-supplied environment bundle down to the
// acceptable pairs. Individually bad pairs are dropped; exceeding the
// pair budget rejects the whole bundle.
func ValidateEnv(raw map[string]string) (map[string]string, error) {
	if len(raw) > MaxEnvPairs {
		return nil, ErrTooManyEnvPairs
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if !envKeyPattern.MatchString(k) {
			continue
		}
		if len(v) > MaxEnvValueLen {
			continue
		}
		if strings.ContainsAny(v, ";&|`$") {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// ParseEnvParam parses the landing page's env query field, a
// comma-separated list of KEY:value pairs, then validates it.
func ParseEnvParam(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	pairs := strings.Split(raw, ",")
	if len(pairs) > MaxEnvPairs {
		return nil, fmt.Errorf("%w: %d", ErrTooManyEnvPairs, len(pairs))
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		m[strings.TrimSpace(k)] = v
	}
	return ValidateEnv(m)
}
