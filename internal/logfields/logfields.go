// Package logfields holds the log keys and logger decorators shared by zimd
// components.
package logfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every line with the component that wrote it.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every entry written by logger.
// A nil logger yields a disabled one.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns logger, or a disabled logger when it is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}

// WithRequest scopes logger to one HTTP exchange.
func WithRequest(logger pslog.Logger, reqID, method, path string) pslog.Logger {
	return Ensure(logger).With("req_id", reqID, "method", method, "path", path)
}

// WithWorker scopes logger to one dispatch worker.
func WithWorker(logger pslog.Logger, worker int) pslog.Logger {
	return Ensure(logger).With("worker", worker)
}
