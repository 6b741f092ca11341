//go:build !linux

package supervisor

import "github.com/hutch-run/hutch/pkg/errdefs"

// RunInit requires Linux namespaces.
func RunInit() error {
	return errdefs.ErrNotSupported
}
