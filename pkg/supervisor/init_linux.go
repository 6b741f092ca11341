//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// RunInit is the in-child half of container launch. It runs as PID 1 of
// the new namespaces, reads its InitSpec from the inherited pipe on fd 3,
// finishes setup and execs the container command. It never returns on
// success.
func RunInit() error {
	pipe := os.NewFile(3, "initpipe")
	if pipe == nil {
		return fmt.Errorf("init pipe not inherited")
	}
	spec, err := ReadInitSpec(pipe)
	pipe.Close()
	if err != nil {
		return err
	}

	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("failed to set hostname: %w", err)
		}
	}

	if err := pivotInto(spec.Rootfs); err != nil {
		return err
	}
	if err := mountProc(); err != nil {
		return err
	}

	workdir := spec.WorkingDir
	if workdir == "" {
		workdir = "/"
	}
	if err := os.Chdir(workdir); err != nil {
		return fmt.Errorf("failed to enter working directory %s: %w", workdir, err)
	}

	env := spec.Env
	if !hasEnv(env, "PATH") {
		env = append(env, "PATH="+defaultPath)
	}
	os.Setenv("PATH", pathFrom(env))

	argv0, err := exec.LookPath(spec.Command[0])
	if err != nil {
		return fmt.Errorf("command %q not found in rootfs: %w", spec.Command[0], err)
	}
	return unix.Exec(argv0, spec.Command, env)
}

// pivotInto makes rootfs the root of this mount namespace and detaches the
// old root so nothing of the host filesystem stays reachable.
func pivotInto(rootfs string) error {
	// Mount propagation must be private, or the pivot leaks back into the
	// host namespace.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("failed to privatize mounts: %w", err)
	}
	// pivot_root requires the new root to be a mount point.
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind rootfs: %w", err)
	}

	oldRoot := filepath.Join(rootfs, ".old_root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("failed to create old root mount point: %w", err)
	}
	if err := unix.PivotRoot(rootfs, oldRoot); err != nil {
		return fmt.Errorf("pivot_root failed: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("failed to enter new root: %w", err)
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to detach old root: %w", err)
	}
	if err := os.Remove("/.old_root"); err != nil {
		return fmt.Errorf("failed to remove old root mount point: %w", err)
	}
	return nil
}

func mountProc() error {
	if err := os.MkdirAll("/proc", 0o555); err != nil {
		return fmt.Errorf("failed to create /proc: %w", err)
	}
	flags := uintptr(unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV)
	if err := unix.Mount("proc", "/proc", "proc", flags, ""); err != nil {
		return fmt.Errorf("failed to mount /proc: %w", err)
	}
	return nil
}

func hasEnv(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func pathFrom(env []string) string {
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "PATH="); ok {
			return v
		}
	}
	return defaultPath
}
