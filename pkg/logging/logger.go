// Package logging defines the logging contract used by every layer of the
// stack (perfect links, broadcast, agreement) and a default implementation
// backed by hclog.
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the contract every layer depends on instead of talking to a
// concrete logging library directly. A caller may supply its own
// implementation; NewDevelopmentLogger returns a sane default.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	// Debug is on the hot path (one call per retransmit tick, per echo)
	// and must be cheap to call when disabled.
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	// Named returns a logger that prefixes every line with name, mirroring
	// hclog's sub-logger convention so each component (pl/beb/urb/lattice)
	// can be told apart in the output.
	Named(name string) Logger
}

// hclogAdapter wraps hclog.Logger to satisfy Logger. hclog's leveled API
// (Info/Warn/Error/Debug, each taking a message plus key-value pairs) maps
// naturally onto the printf-style calls used across the stack by formatting
// eagerly rather than threading structured fields through every call site.
type hclogAdapter struct {
	hclog.Logger
}

// NewDevelopmentLogger returns a Logger suitable for local runs and tests:
// human-readable output on stderr at debug level.
func NewDevelopmentLogger(name string) Logger {
	return &hclogAdapter{
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   name,
			Level:  hclog.Debug,
			Output: os.Stderr,
		}),
	}
}

// NewAdapter wraps an already-configured hclog.Logger.
func NewAdapter(l hclog.Logger) Logger {
	return &hclogAdapter{Logger: l}
}

func (h *hclogAdapter) Info(v ...interface{})                    { h.Logger.Info(fmtLine(v...)) }
func (h *hclogAdapter) Infof(format string, v ...interface{})     { h.Logger.Info(sprintf(format, v...)) }
func (h *hclogAdapter) Warn(v ...interface{})                     { h.Logger.Warn(fmtLine(v...)) }
func (h *hclogAdapter) Warnf(format string, v ...interface{})     { h.Logger.Warn(sprintf(format, v...)) }
func (h *hclogAdapter) Error(v ...interface{})                    { h.Logger.Error(fmtLine(v...)) }
func (h *hclogAdapter) Errorf(format string, v ...interface{})    { h.Logger.Error(sprintf(format, v...)) }

// Debug and Debugf check the level before formatting, so a disabled debug
// level costs no formatting on the hot path.
func (h *hclogAdapter) Debug(v ...interface{}) {
	if h.Logger.IsDebug() {
		h.Logger.Debug(fmtLine(v...))
	}
}

func (h *hclogAdapter) Debugf(format string, v ...interface{}) {
	if h.Logger.IsDebug() {
		h.Logger.Debug(sprintf(format, v...))
	}
}

func (h *hclogAdapter) Named(name string) Logger {
	return &hclogAdapter{Logger: h.Logger.Named(name)}
}
