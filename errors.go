package montage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWorkflowTimeout is recorded on images that were still pending when the
// workflow deadline passed.
var ErrWorkflowTimeout = errors.New("workflow timeout")

// ConfigError reports a configuration that cannot produce a working backend.
// It is returned before any provider call is made.
type ConfigError struct {
	Provider string
	Fields   []string // missing or invalid fields, dotted yaml paths
	Reason   string
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString("config error")
	if e.Provider != "" {
		fmt.Fprintf(&sb, ": provider %q", e.Provider)
	}
	if e.Reason != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Reason)
	}
	if len(e.Fields) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(e.Fields, ", "))
	}
	return sb.String()
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
