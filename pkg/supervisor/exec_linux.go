//go:build linux

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/hutch-run/hutch/pkg/isolation"
	"github.com/hutch-run/hutch/pkg/layer"
	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/types"
)

// ExecRuntime launches containers by re-executing this binary's hidden
// init stage inside the scope's namespaces. The init stage finishes the
// setup that must happen from inside (hostname, proc mount, pivot into the
// rootfs) and then execs the container command as PID 1 of the new view.
type ExecRuntime struct {
	logDir string
}

// NewExecRuntime builds the platform runtime. Container stdout and stderr
// land in per-container files under logDir.
func NewExecRuntime(logDir string) *ExecRuntime {
	return &ExecRuntime{logDir: logDir}
}

func (r *ExecRuntime) Launch(ctx context.Context, c *types.Container, rfs *layer.RootFS, scope *isolation.Scope) (Handle, error) {
	if len(c.Spec.Command) == 0 {
		return nil, fmt.Errorf("container %s has no command", c.ID)
	}
	attr, err := scope.SysProcAttr()
	if err != nil {
		return nil, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create init pipe: %w", err)
	}
	defer pr.Close()

	logFile, err := openLogFile(r.logDir, c.ID)
	if err != nil {
		pw.Close()
		return nil, err
	}

	cmd := exec.Command("/proc/self/exe", "init")
	cmd.SysProcAttr = attr
	cmd.ExtraFiles = []*os.File{pr}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = nil

	if err := cmd.Start(); err != nil {
		pw.Close()
		logFile.Close()
		return nil, fmt.Errorf("failed to start container process: %w", err)
	}

	spec := InitSpec{
		ContainerID: c.ID,
		Rootfs:      rfs.Dir,
		Hostname:    scope.Hostname,
		Command:     c.Spec.Command,
		Env:         c.Spec.Env,
		WorkingDir:  c.Spec.WorkingDir,
	}
	writeErr := WriteInitSpec(pw, spec)
	pw.Close()
	if writeErr != nil {
		cmd.Process.Kill()
		cmd.Wait()
		logFile.Close()
		return nil, writeErr
	}

	lg := log.WithContainerID(c.ID)
	lg.Debug().
		Int("pid", cmd.Process.Pid).
		Strs("command", c.Spec.Command).
		Msg("container process started")
	return &execHandle{cmd: cmd, logFile: logFile}, nil
}
