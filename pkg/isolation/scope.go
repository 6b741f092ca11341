package isolation

import (
	"context"
	"fmt"

	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Provisioner is the external network collaborator. It hands out virtual
// interface descriptors; the scope only wires them into the new network
// boundary.
type Provisioner interface {
	AllocateInterface(ctx context.Context, containerID string) (types.InterfaceDescriptor, error)
	Release(iface types.InterfaceDescriptor) error
}

// Scope is the prepared set of isolation boundaries for one container
// process. It is consumed by the supervisor when launching the process and
// must be closed once the process is gone.
type Scope struct {
	ContainerID string
	Hostname    string
	Namespaces  []specs.LinuxNamespaceType
	Interface   *types.InterfaceDescriptor

	prov Provisioner
}

// Prepare allocates the isolation boundaries requested by spec. The
// operation is all-or-nothing: failure on any boundary releases whatever
// was already allocated and leaves no partial isolation in place.
//
// The process-id boundary is always included so the container process runs
// as PID 1 in its own view and its termination is unambiguous.
func Prepare(ctx context.Context, containerID string, spec types.IsolationSpec, hostname string, prov Provisioner) (*Scope, error) {
	namespaces := spec.Namespaces
	if len(namespaces) == 0 {
		namespaces = types.DefaultNamespaces()
	}
	namespaces = ensureNamespace(namespaces, specs.PIDNamespace)
	namespaces = ensureNamespace(namespaces, specs.MountNamespace)
	if spec.Network {
		namespaces = ensureNamespace(namespaces, specs.NetworkNamespace)
	}

	if err := validateNamespaces(namespaces); err != nil {
		return nil, err
	}

	s := &Scope{
		ContainerID: containerID,
		Hostname:    hostname,
		Namespaces:  namespaces,
		prov:        prov,
	}
	if s.Hostname == "" {
		s.Hostname = shortID(containerID)
	}

	if spec.Network {
		if prov == nil {
			return nil, fmt.Errorf("network boundary requested but no provisioner configured")
		}
		iface, err := prov.AllocateInterface(ctx, containerID)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate network interface: %w", err)
		}
		s.Interface = &iface
		lg := log.WithComponent("isolation")
		lg.Debug().
			Str("container_id", containerID).
			Str("interface", iface.Name).
			Msg("network interface allocated")
	}

	return s, nil
}

// Close releases the scope's externally-allocated resources. Idempotent.
func (s *Scope) Close() error {
	if s.Interface == nil {
		return nil
	}
	iface := *s.Interface
	s.Interface = nil
	if err := s.prov.Release(iface); err != nil {
		return fmt.Errorf("failed to release interface %s: %w", iface.Name, err)
	}
	return nil
}

func ensureNamespace(list []specs.LinuxNamespaceType, ns specs.LinuxNamespaceType) []specs.LinuxNamespaceType {
	for _, n := range list {
		if n == ns {
			return list
		}
	}
	return append(list, ns)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
