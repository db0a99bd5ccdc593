// Package supverrors defines the sentinel error kinds of spec.md §7 so
// callers can classify a failure with errors.Is instead of matching
// strings.
package supverrors

import "errors"

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", Err*) to add
// context while keeping them matchable via errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("already running")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrSpawnFailed    = errors.New("spawn failed")
	ErrSignalFailed   = errors.New("signal failed")
	ErrTimeout        = errors.New("timeout")
	ErrIO             = errors.New("io error")
	ErrPolicyDenied   = errors.New("policy denied")
	ErrProtocol       = errors.New("protocol error")
)
