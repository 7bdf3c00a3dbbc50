// Package kernel contains types and helpers that are shared across all
// kernel subsystems and cannot depend on any of them (errors, low-level
// memory helpers, the kernel entrypoint).
package kernel

// Error is the single error type returned by fallible kernel operations.
// It is a plain struct rather than using errors.New because the errors
// package allocates and the early boot path runs before any allocator
// (heap or frame) is available.
type Error struct {
	// Module is the short name of the subsystem that generated the error.
	Module string

	// Message describes what went wrong.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}
