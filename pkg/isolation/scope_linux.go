//go:build linux

package isolation

import (
	"fmt"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

var namespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace:     syscall.CLONE_NEWPID,
	specs.NetworkNamespace: syscall.CLONE_NEWNET,
	specs.MountNamespace:   syscall.CLONE_NEWNS,
	specs.UTSNamespace:     syscall.CLONE_NEWUTS,
	specs.IPCNamespace:     syscall.CLONE_NEWIPC,
	specs.UserNamespace:    syscall.CLONE_NEWUSER,
	specs.CgroupNamespace:  syscall.CLONE_NEWCGROUP,
}

func validateNamespaces(list []specs.LinuxNamespaceType) error {
	for _, ns := range list {
		if _, ok := namespaceFlags[ns]; !ok {
			return fmt.Errorf("unsupported namespace kind %q", ns)
		}
	}
	return nil
}

// SysProcAttr builds the process attributes that make the child enter the
// scope's boundaries at clone time. The child gets its own process group so
// a stop signal reaches everything it forks.
func (s *Scope) SysProcAttr() (*syscall.SysProcAttr, error) {
	var flags uintptr
	for _, ns := range s.Namespaces {
		flags |= namespaceFlags[ns]
	}
	return &syscall.SysProcAttr{
		Cloneflags: flags,
		Setpgid:    true,
	}, nil
}
