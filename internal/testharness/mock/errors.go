package mock

import "errors"

// Mock package errors.
var (
	// ErrServerRunning is returned when Start is called twice.
	ErrServerRunning = errors.New("mock server already running")

	// ErrNoRules is returned when a server has nothing to answer with.
	ErrNoRules = errors.New("mock server has no rules")
)
