package isolation

import (
	"context"
	"fmt"
	"sync"

	"github.com/hutch-run/hutch/pkg/types"
)

// StaticProvisioner hands out interface descriptors from a fixed /24 pool.
// It does no host configuration; it exists for single-node development and
// tests, standing in for a real network collaborator.
type StaticProvisioner struct {
	prefix string

	mu    sync.Mutex
	next  int
	inUse map[string]struct{}
}

// NewStaticProvisioner creates a provisioner allocating from 10.88.0.0/24.
func NewStaticProvisioner() *StaticProvisioner {
	return &StaticProvisioner{
		prefix: "10.88.0",
		next:   2, // .1 is the gateway
		inUse:  make(map[string]struct{}),
	}
}

func (p *StaticProvisioner) AllocateInterface(_ context.Context, containerID string) (types.InterfaceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next > 254 {
		return types.InterfaceDescriptor{}, fmt.Errorf("interface pool exhausted")
	}

	iface := types.InterfaceDescriptor{
		Name:    fmt.Sprintf("hutch%d", p.next),
		Address: fmt.Sprintf("%s.%d/24", p.prefix, p.next),
		Gateway: p.prefix + ".1",
	}
	p.next++
	p.inUse[iface.Name] = struct{}{}
	return iface, nil
}

func (p *StaticProvisioner) Release(iface types.InterfaceDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[iface.Name]; !ok {
		return fmt.Errorf("interface %s not allocated by this provisioner", iface.Name)
	}
	delete(p.inUse, iface.Name)
	return nil
}

// Allocated returns the number of live interfaces.
func (p *StaticProvisioner) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
