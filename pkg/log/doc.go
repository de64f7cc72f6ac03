// Package log provides structured protocol capture for MPT sessions.
//
// It records what travelled over each scripted session (lines in and out,
// continuation requests, session and runner state changes) as a
// machine-readable event trace. It is separate from operational logging
// (slog): the trace is meant for replaying and diffing a conformance run.
//
// # Basic Usage
//
//	// Console while developing a script
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Binary trace for later inspection with mpt-log
//	cfg.ProtocolLogger, _ = log.NewFileLogger("run.mlog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(console, file)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys and the
// .mlog extension.
package log
