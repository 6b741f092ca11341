package isolation

import (
	"context"
	"errors"
	"testing"

	"github.com/hutch-run/hutch/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepare_AlwaysIncludesPIDNamespace(t *testing.T) {
	s, err := Prepare(context.Background(), "c1", types.IsolationSpec{
		Namespaces: []specs.LinuxNamespaceType{specs.UTSNamespace},
	}, "", nil)
	require.NoError(t, err)

	assert.Contains(t, s.Namespaces, specs.PIDNamespace)
	assert.Contains(t, s.Namespaces, specs.MountNamespace)
	assert.Contains(t, s.Namespaces, specs.UTSNamespace)
}

func TestPrepare_DefaultNamespaces(t *testing.T) {
	s, err := Prepare(context.Background(), "c1", types.IsolationSpec{}, "", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, types.DefaultNamespaces(), s.Namespaces)
}

func TestPrepare_HostnameDefaultsToShortID(t *testing.T) {
	s, err := Prepare(context.Background(), "0123456789abcdef", types.IsolationSpec{}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", s.Hostname)

	s, err = Prepare(context.Background(), "c1", types.IsolationSpec{}, "web-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "web-1", s.Hostname)
}

func TestPrepare_NetworkAllocation(t *testing.T) {
	prov := NewStaticProvisioner()

	s, err := Prepare(context.Background(), "c1", types.IsolationSpec{Network: true}, "", prov)
	require.NoError(t, err)
	require.NotNil(t, s.Interface)
	assert.Contains(t, s.Namespaces, specs.NetworkNamespace)
	assert.Equal(t, 1, prov.Allocated())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, prov.Allocated())

	// Close is idempotent.
	require.NoError(t, s.Close())
	assert.Equal(t, 0, prov.Allocated())
}

func TestPrepare_NetworkWithoutProvisionerFails(t *testing.T) {
	_, err := Prepare(context.Background(), "c1", types.IsolationSpec{Network: true}, "", nil)
	assert.Error(t, err)
}

type failingProvisioner struct{}

func (failingProvisioner) AllocateInterface(context.Context, string) (types.InterfaceDescriptor, error) {
	return types.InterfaceDescriptor{}, errors.New("no addresses left")
}
func (failingProvisioner) Release(types.InterfaceDescriptor) error { return nil }

func TestPrepare_AllOrNothing(t *testing.T) {
	// When interface allocation fails the whole Prepare fails; no scope
	// is handed out.
	s, err := Prepare(context.Background(), "c1", types.IsolationSpec{Network: true}, "", failingProvisioner{})
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestStaticProvisioner_SequentialAddresses(t *testing.T) {
	prov := NewStaticProvisioner()

	a, err := prov.AllocateInterface(context.Background(), "c1")
	require.NoError(t, err)
	b, err := prov.AllocateInterface(context.Background(), "c2")
	require.NoError(t, err)

	assert.NotEqual(t, a.Name, b.Name)
	assert.NotEqual(t, a.Address, b.Address)
	assert.Equal(t, a.Gateway, b.Gateway)

	assert.Error(t, prov.Release(types.InterfaceDescriptor{Name: "unknown"}))
}
