package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hutch-run/hutch/pkg/types"
)

func (h *harness) waitHealth(t *testing.T, id string, want types.HealthState) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := h.reg.Get(id)
		return err == nil && c.Health == want
	}, 5*time.Second, 5*time.Millisecond, "container never reached health %s", want)
}

func TestMonitor_TCPProbeLifecycle(t *testing.T) {
	h := newHarness(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	id := h.create(t, types.ContainerSpec{
		Probe: &types.HealthProbe{
			Type:     types.ProbeTCPConnect,
			Address:  ln.Addr().String(),
			Interval: 10 * time.Millisecond,
			Timeout:  100 * time.Millisecond,
			Retries:  2,
		},
	})

	require.NoError(t, h.sup.Start(context.Background(), id))
	h.waitHealth(t, id, types.HealthHealthy)

	// Endpoint goes away; after the failure threshold the container flips
	// to unhealthy without touching its lifecycle state.
	ln.Close()
	h.waitHealth(t, id, types.HealthUnhealthy)

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, c.State)

	require.NoError(t, h.sup.Stop(context.Background(), id))

	// Health resets once the process is gone.
	c, err = h.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.HealthUnknown, c.Health)
}

func TestMonitor_StartPeriodDelaysProbes(t *testing.T) {
	h := newHarness(t)

	// Nothing listens here; probes would fail immediately.
	id := h.create(t, types.ContainerSpec{
		Probe: &types.HealthProbe{
			Type:        types.ProbeTCPConnect,
			Address:     "127.0.0.1:1",
			Interval:    10 * time.Millisecond,
			Timeout:     50 * time.Millisecond,
			StartPeriod: time.Hour,
		},
	})

	require.NoError(t, h.sup.Start(context.Background(), id))
	h.waitHealth(t, id, types.HealthStarting)

	// Failures inside the grace window never mark it unhealthy.
	time.Sleep(50 * time.Millisecond)
	c, err := h.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.HealthStarting, c.Health)

	require.NoError(t, h.sup.Stop(context.Background(), id))
}
