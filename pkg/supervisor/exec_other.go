//go:build !linux

package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/hutch-run/hutch/pkg/isolation"
	"github.com/hutch-run/hutch/pkg/layer"
	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/types"
)

// ExecRuntime on non-Linux platforms runs the command directly inside the
// assembled rootfs directory, without namespaces. Useful for development;
// isolation requires Linux.
type ExecRuntime struct {
	logDir string
}

func NewExecRuntime(logDir string) *ExecRuntime {
	return &ExecRuntime{logDir: logDir}
}

func (r *ExecRuntime) Launch(ctx context.Context, c *types.Container, rfs *layer.RootFS, scope *isolation.Scope) (Handle, error) {
	if len(c.Spec.Command) == 0 {
		return nil, fmt.Errorf("container %s has no command", c.ID)
	}

	logFile, err := openLogFile(r.logDir, c.ID)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Spec.Command[0], c.Spec.Command[1:]...)
	cmd.Dir = rfs.Dir
	cmd.Env = c.Spec.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start container process: %w", err)
	}

	lg := log.WithContainerID(c.ID)
	lg.Debug().
		Int("pid", cmd.Process.Pid).
		Msg("container process started without namespace isolation")
	return &execHandle{cmd: cmd, logFile: logFile}, nil
}
