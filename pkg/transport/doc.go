// Package transport provides line-oriented protocol sessions for the test
// harness.
//
// A LineSession owns one TCP (optionally TLS) connection to the system
// under test:
//   - Lines are CRLF-terminated on the wire; LF alone is accepted on read
//   - A reader goroutine queues received lines for ReadLine
//   - Lines starting with the continuation prefix are not queued; they
//     signal the runner's continuation instead
//   - Every line and state change is written to the protocol log
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Scripted protocol lines      │
//	├────────────────────────────────┤
//	│   CRLF line framing            │
//	├────────────────────────────────┤
//	│   TLS (optional)               │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
package transport
