//go:build linux

package limits

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/types"
)

const defaultCgroupRoot = "/sys/fs/cgroup"

// CgroupLimiter enforces budgets through the cgroup v2 unified hierarchy.
// Each container gets its own group under <root>/hutch/<id>.
type CgroupLimiter struct {
	root string
}

// NewLimiter returns a cgroup v2 backed limiter rooted at the standard
// mount point.
func NewLimiter() *CgroupLimiter {
	return &CgroupLimiter{root: defaultCgroupRoot}
}

// NewLimiterAt is NewLimiter with an explicit hierarchy root, for tests.
func NewLimiterAt(root string) *CgroupLimiter {
	return &CgroupLimiter{root: root}
}

func (l *CgroupLimiter) groupPath(containerID string) string {
	return filepath.Join(l.root, "hutch", containerID)
}

func (l *CgroupLimiter) Apply(containerID string, pid int, budget types.ResourceBudget) error {
	files, err := renderFiles(budget)
	if err != nil {
		return fmt.Errorf("invalid resource budget: %w", err)
	}

	group := l.groupPath(containerID)
	if err := os.MkdirAll(group, 0o755); err != nil {
		return fmt.Errorf("failed to create cgroup %s: %w", group, err)
	}

	for _, f := range files {
		path := filepath.Join(group, f.Name)
		if err := os.WriteFile(path, []byte(f.Value), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	procs := filepath.Join(group, "cgroup.procs")
	if already, err := containsPid(procs, pid); err == nil && already {
		return nil
	}
	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to move pid %d into cgroup: %w", pid, err)
	}

	lg := log.WithComponent("limits")
	lg.Debug().
		Str("container_id", containerID).
		Int("pid", pid).
		Msg("resource limits applied")
	return nil
}

func (l *CgroupLimiter) OOMKilled(containerID string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(l.groupPath(containerID), "memory.events"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read memory.events: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("malformed memory.events line %q: %w", line, err)
		}
		return n > 0, nil
	}
	return false, nil
}

func (l *CgroupLimiter) Remove(containerID string) error {
	group := l.groupPath(containerID)
	if err := os.Remove(group); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cgroup %s: %w", group, err)
	}
	return nil
}

func containsPid(procsFile string, pid int) (bool, error) {
	f, err := os.Open(procsFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	want := strconv.Itoa(pid)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == want {
			return true, nil
		}
	}
	return false, sc.Err()
}
