package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/hutch-run/hutch/pkg/types"
)

// ExecChecker probes by running a command; exit code 0 means healthy.
type ExecChecker struct {
	// Command is the argv to execute (e.g. ["pg_isready", "-U", "postgres"]).
	Command []string
}

// NewExecChecker creates a new exec probe.
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{Command: command}
}

// Check runs the command under the probe context's deadline.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		msg := fmt.Sprintf("command %v failed: %v", e.Command, err)
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s, stderr: %s", msg, stderr.String())
		}
		return Result{
			Healthy:   false,
			Message:   msg,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("command %v succeeded", e.Command),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe mechanism.
func (e *ExecChecker) Type() types.ProbeType {
	return types.ProbeExec
}
