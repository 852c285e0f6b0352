// Package logging provides structured logging for zibai's four named
// sinks.
//
// # Overview
//
// The logging package wraps Go's standard log/slog package to provide:
//   - Structured logging with JSON or text formats
//   - Four independent named sinks (process, debug, access, error)
//   - IntoContext/FromContext for carrying sinks in a context.Context (the
//     connection handler itself takes sinks as a struct field, not from
//     its context)
//   - Configurable log levels (debug, info, warn, error)
//
// # Usage
//
//	sinks, err := logging.NewSinks(logging.Config{Level: "info", Format: "json"})
//	ctx := logging.IntoContext(context.Background(), sinks)
//	...
//	logging.FromContext(ctx).Access.Info("request complete",
//	    "status", 200, "bytes_sent", 5, "duration_ms", 3,
//	)
package logging
