package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// execHandle wraps a started command. The child runs in its own process
// group, so signals address the group and cover any children it spawned.
type execHandle struct {
	cmd     *exec.Cmd
	logFile *os.File
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig syscall.Signal) error {
	return unix.Kill(-h.cmd.Process.Pid, sig)
}

func (h *execHandle) Wait() ExitStatus {
	err := h.cmd.Wait()
	if h.logFile != nil {
		h.logFile.Close()
	}
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		ws, isWait := ee.Sys().(syscall.WaitStatus)
		if isWait && ws.Signaled() {
			return ExitStatus{Code: 128 + int(ws.Signal())}
		}
		return ExitStatus{Code: ee.ExitCode()}
	}
	return ExitStatus{Code: -1, Err: err}
}

// openLogFile opens the container's append-only output log.
func openLogFile(logDir, containerID string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logDir, containerID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open container log: %w", err)
	}
	return f, nil
}
