// Package logfields centralises the log field conventions shared by every
// subsystem so that structured output stays greppable across the proxy,
// the stdio backend bridge, and the remote-write forwarder.
package logfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// CorrelationKey tags a request-scoped correlation id.
const CorrelationKey = pslog.TrustedString("correlation_id")

// ToolKey tags the MCP tool name handling a request.
const ToolKey = pslog.TrustedString("tool")

// Subsystem joins the supplied parts into a dot-delimited subsystem path,
// dropping empty fragments.
func Subsystem(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	if len(filtered) == 0 {
		return ""
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every entry emitted by logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithTool tags every entry with the MCP tool name.
func WithTool(logger pslog.Logger, tool string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if tool == "" {
		return logger
	}
	return logger.With(ToolKey, tool)
}
