//go:build !linux

package isolation

import (
	"syscall"

	"github.com/hutch-run/hutch/pkg/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Namespace bookkeeping is portable; only entering the boundaries needs
// kernel support.
func validateNamespaces(list []specs.LinuxNamespaceType) error {
	return nil
}

// SysProcAttr reports that namespace isolation is unavailable on this
// platform.
func (s *Scope) SysProcAttr() (*syscall.SysProcAttr, error) {
	return nil, errdefs.ErrNotSupported
}
