/*
Package log provides structured logging for the agent using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("dhcp")                    │          │
	│  │  - WithNodeID("node-abc123")                │          │
	│  │  - WithAdapter("dns-auth")                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "orchestrator",             │          │
	│  │    "time": "2026-01-01T10:30:00Z",         │          │
	│  │    "message": "watch started"               │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF watch started component=orchestrator │    │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all agent packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs (store, cache, registry, orchestrator, overlay)
  - WithNodeID: Add node ID context
  - WithServiceID: Add service-specific context
  - WithTaskID: Add task-specific context
  - WithAdapter: Add adapter name context (dns-auth, dhcp, dns-filter, pdp, security-audit)

# Usage

Initializing the Logger:

	import "github.com/cuemby/nnoe-agent/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("agent starting")
	log.Warn("store endpoint slow to respond")
	log.Error("adapter failed to reload")
	log.Fatal("cannot start without a valid configuration") // Exits process

Component Loggers:

	storeLog := log.WithComponent("store")
	storeLog.Info().Str("prefix", "dns/zones").Msg("watch started")

	adapterLog := log.WithAdapter("dhcp")
	adapterLog.Error().Err(err).Msg("failed to apply config change")

# Integration Points

This package integrates with:

  - pkg/store: watch and operation logging
  - pkg/cache: sweep and eviction logging
  - pkg/plugin: per-adapter fan-out logging
  - pkg/orchestrator: boot sequence and shutdown logging
  - pkg/overlay: supervised process lifecycle logging
  - pkg/adapters/*: per-adapter lifecycle and reload logging

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, DNSSEC keys, and shared secrets
  - Review logs before sharing externally

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
*/
package log
