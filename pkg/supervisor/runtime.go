package supervisor

import (
	"context"
	"syscall"

	"github.com/hutch-run/hutch/pkg/isolation"
	"github.com/hutch-run/hutch/pkg/layer"
	"github.com/hutch-run/hutch/pkg/types"
)

// ExitStatus is the final status of a container process.
type ExitStatus struct {
	Code int
	// Err reports a wait failure, not a non-zero exit.
	Err error
}

// Handle is a live container process. Signal addresses the whole process
// group so orphaned children never outlive the container.
type Handle interface {
	Pid() int
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits and reaps it. It must be called
	// exactly once.
	Wait() ExitStatus
}

// Runtime launches container processes inside an assembled root filesystem
// and a prepared isolation scope. It is the seam between the supervisor's
// lifecycle logic and the platform's process machinery, which also lets
// tests drive the supervisor with a scripted fake.
type Runtime interface {
	Launch(ctx context.Context, c *types.Container, rfs *layer.RootFS, scope *isolation.Scope) (Handle, error)
}
