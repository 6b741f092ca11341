package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify failures with errors.Is rather than
// parsing message text.
var (
	// ErrNotFound indicates a container, image or layer that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLayerMissing indicates a referenced layer digest is absent from
	// the store and could not be fetched.
	ErrLayerMissing = errors.New("layer missing from store")

	// ErrDiskExhausted indicates writable-layer allocation failed for lack
	// of disk space.
	ErrDiskExhausted = errors.New("disk exhausted")

	// ErrContainerBusy indicates a remove or start was rejected due to a
	// conflicting in-flight state transition.
	ErrContainerBusy = errors.New("container busy")

	// ErrInvalidState indicates an operation invalid for the container's
	// current lifecycle state, e.g. Stop on an already-stopped container.
	// The call is rejected synchronously with no state change.
	ErrInvalidState = errors.New("invalid lifecycle state for operation")

	// ErrInvalidArgument indicates a malformed spec or budget.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotSupported indicates the operation requires a platform facility
	// (namespaces, cgroups) unavailable on this build.
	ErrNotSupported = errors.New("not supported on this platform")
)

// Stable failure reason codes recorded on containers. Operators can tell
// "image missing" from "out of memory" from "crashed" without parsing
// free text.
const (
	ReasonLayerMissing  = "LayerMissing"
	ReasonDiskExhausted = "DiskExhausted"
	ReasonSetupFailed   = "SetupFailed"
	ReasonOOMKilled     = "OOMKilled"
	ReasonCrashed       = "Crashed"
)

// SetupError wraps a failure that happened before the container process
// existed. The container moves created -> failed, fully cleaned up; the
// error is always surfaced to the caller of Start.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed (%s): %v", e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Setup builds a SetupError, deriving the stable reason code from the
// wrapped sentinel where one applies.
func Setup(err error) *SetupError {
	reason := ReasonSetupFailed
	switch {
	case errors.Is(err, ErrLayerMissing):
		reason = ReasonLayerMissing
	case errors.Is(err, ErrDiskExhausted):
		reason = ReasonDiskExhausted
	}
	return &SetupError{Reason: reason, Err: err}
}

// ReasonOf extracts the stable failure reason from err, or ReasonSetupFailed
// when none is attached.
func ReasonOf(err error) string {
	var se *SetupError
	if errors.As(err, &se) {
		return se.Reason
	}
	switch {
	case errors.Is(err, ErrLayerMissing):
		return ReasonLayerMissing
	case errors.Is(err, ErrDiskExhausted):
		return ReasonDiskExhausted
	}
	return ReasonSetupFailed
}

// IsSetupFailure reports whether err belongs to the setup-failure class,
// ResourceExhausted (disk) included.
func IsSetupFailure(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
