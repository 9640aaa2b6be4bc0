package session

import (
	"errors"
	"fmt"

	"nbpilot/internal/kernel"
)

// Kind is the machine-distinguishable error taxonomy surfaced to callers.
// Every terminal error status carries one of these plus a human-readable
// message.
type Kind string

const (
	// KindStartup: the kernel failed to launch. Fatal to that call,
	// reported immediately, never silently retried.
	KindStartup Kind = "startup_error"
	// KindExecution: user code raised. A terminal execution status, not a
	// system fault.
	KindExecution Kind = "execution_error"
	// KindKernelDeath: the kernel process died mid-run.
	KindKernelDeath Kind = "kernel_death"
	// KindSyncConflict: disk state cannot be unambiguously reconciled; a
	// full resync is required.
	KindSyncConflict Kind = "sync_conflict"
	// KindAssetIO: an offload write failed.
	KindAssetIO Kind = "asset_io_error"
	// KindValidation: malformed request, rejected before touching the queue.
	KindValidation Kind = "validation_error"
)

// Error pairs a taxonomy kind with a message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies an error for the tool surface.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, kernel.ErrStartup) {
		return KindStartup
	}
	if errors.Is(err, kernel.ErrNotRunning) {
		return KindKernelDeath
	}
	return KindValidation
}
