// Package logging provides the minimal structured logging interface used
// throughout agentcrew, together with slog-backed and no-op implementations.
//
// Engine components log dotted event names with key/value pairs:
//
//	logger.Info("agent.tool.executed", "agent", name, "tool", call.Name, "duration_ms", ms)
//
// Usage:
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Format: "json"})
//	a, _ := agent.New("assistant", m, func(o *agent.Options) { o.Logger = logger })
package logging
