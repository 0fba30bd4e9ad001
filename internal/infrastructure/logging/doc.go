// Package logging provides structured logging for Lockgate.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Credential attributes redacted
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "json"          # json, text
//	  output: "stdout"        # stdout, stderr, file
//	  file: "lockgate.log"    # used when output is file
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	defer logger.Close()
//	logger.Info("lock server listening", "port", 8081)
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Attribute keys ending in token, access_token, authorization, secret or
// password are replaced with Redacted by the handler. Do not rely on it for
// values hidden under other keys. IMEIs and user ids are operational
// identifiers and may be logged.
package logging
