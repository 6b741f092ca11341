package supervisor

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/isolation"
	"github.com/hutch-run/hutch/pkg/layer"
	"github.com/hutch-run/hutch/pkg/registry"
	"github.com/hutch-run/hutch/pkg/storage"
	"github.com/hutch-run/hutch/pkg/types"
)

// fakeHandle is a scripted container process.
type fakeHandle struct {
	pid int

	mu      sync.Mutex
	signals []syscall.Signal
	exited  bool
	code    int
	done    chan struct{}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	// Respond to termination signals like a well-behaved process.
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		h.exit(128 + int(sig))
	}
	return nil
}

func (h *fakeHandle) Wait() ExitStatus {
	<-h.done
	return ExitStatus{Code: h.code}
}

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.code = code
	close(h.done)
}

func (h *fakeHandle) sawSignal(sig syscall.Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.signals {
		if s == sig {
			return true
		}
	}
	return false
}

// fakeRuntime hands out fakeHandles. autoExit, when set, makes each
// process exit immediately with that code.
type fakeRuntime struct {
	mu        sync.Mutex
	launches  int
	handles   []*fakeHandle
	autoExit  *int
	launchErr error
}

func (r *fakeRuntime) Launch(_ context.Context, _ *types.Container, _ *layer.RootFS, _ *isolation.Scope) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launchErr != nil {
		return nil, r.launchErr
	}
	r.launches++
	h := &fakeHandle{pid: 1000 + r.launches, done: make(chan struct{})}
	r.handles = append(r.handles, h)
	if r.autoExit != nil {
		code := *r.autoExit
		go h.exit(code)
	}
	return h, nil
}

func (r *fakeRuntime) last() *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[len(r.handles)-1]
}

func (r *fakeRuntime) launchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launches
}

// fakeLimiter records applications and can report an OOM kill.
type fakeLimiter struct {
	mu      sync.Mutex
	oom     bool
	applied map[string]int
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{applied: make(map[string]int)}
}

func (l *fakeLimiter) Apply(id string, pid int, budget types.ResourceBudget) error {
	if err := budget.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied[id] = pid
	return nil
}

func (l *fakeLimiter) OOMKilled(string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oom, nil
}

func (l *fakeLimiter) Remove(string) error { return nil }

type harness struct {
	sup   *Supervisor
	reg   *registry.Registry
	store *storage.BoltStore
	rt    *fakeRuntime
	lim   *fakeLimiter
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(store, nil)
	require.NoError(t, err)

	layers, err := layer.Open(filepath.Join(dir, "layers"), layer.WithMounter(layer.NewCopyMounter()))
	require.NoError(t, err)

	l, err := layers.ImportLayer(bytes.NewReader(buildTar(t, map[string]string{"bin/app": "#!/bin/sh\n"})))
	require.NoError(t, err)
	require.NoError(t, store.SaveImage(&types.Image{
		Name:      "app:latest",
		Layers:    []digest.Digest{l.Digest},
		CreatedAt: time.Now(),
	}))

	rt := &fakeRuntime{}
	lim := newFakeLimiter()
	sup := New(reg, layers, store, lim, rt, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})

	return &harness{sup: sup, reg: reg, store: store, rt: rt, lim: lim}
}

func (h *harness) create(t *testing.T, spec types.ContainerSpec) string {
	t.Helper()
	if spec.Image == "" {
		spec.Image = "app:latest"
	}
	if len(spec.Command) == 0 {
		spec.Command = []string{"/bin/app"}
	}
	c, err := h.reg.Create(spec)
	require.NoError(t, err)
	return c.ID
}

func (h *harness) waitState(t *testing.T, id string, want types.ContainerState) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := h.reg.Get(id)
		return err == nil && c.State == want
	}, 5*time.Second, 5*time.Millisecond, "container never reached %s", want)
}

func shortBackoff(t *testing.T) {
	t.Helper()
	oldBase, oldMax := backoffBase, backoffMax
	backoffBase, backoffMax = 5*time.Millisecond, 50*time.Millisecond
	t.Cleanup(func() { backoffBase, backoffMax = oldBase, oldMax })
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{Name: "web"})

	require.NoError(t, h.sup.Start(context.Background(), id))

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, c.State)
	assert.NotZero(t, c.Pid)
	assert.Equal(t, c.Pid, h.lim.applied[id], "limits must cover the launched pid")

	require.NoError(t, h.sup.Stop(context.Background(), id))

	c, err = h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, c.State)
	assert.Zero(t, c.Pid)
	assert.True(t, h.rt.last().sawSignal(syscall.SIGTERM))

	// No live process anymore.
	err = h.sup.Stop(context.Background(), id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestStart_SecondStartIsBusy(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{})

	require.NoError(t, h.sup.Start(context.Background(), id))
	err := h.sup.Start(context.Background(), id)
	assert.ErrorIs(t, err, errdefs.ErrContainerBusy)
}

func TestStart_MissingImageFailsSetup(t *testing.T) {
	h := newHarness(t)
	c, err := h.reg.Create(types.ContainerSpec{Image: "ghost:latest", Command: []string{"/bin/app"}})
	require.NoError(t, err)

	err = h.sup.Start(context.Background(), c.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsSetupFailure(err))

	got, err := h.reg.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, got.State)
	assert.Equal(t, errdefs.ReasonSetupFailed, got.Reason)
	assert.NotEmpty(t, got.Error)
}

func TestStart_MissingLayerFailsSetup(t *testing.T) {
	h := newHarness(t)
	bogus := digest.Digest("sha256:" + strings.Repeat("a", 64))
	require.NoError(t, h.store.SaveImage(&types.Image{
		Name:   "broken:latest",
		Layers: []digest.Digest{bogus},
	}))
	c, err := h.reg.Create(types.ContainerSpec{Image: "broken:latest", Command: []string{"/bin/app"}})
	require.NoError(t, err)

	err = h.sup.Start(context.Background(), c.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrLayerMissing)

	got, err := h.reg.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, got.State)
	assert.Equal(t, errdefs.ReasonLayerMissing, got.Reason)
}

func TestCleanExit_SettlesStopped(t *testing.T) {
	h := newHarness(t)
	zero := 0
	h.rt.autoExit = &zero
	id := h.create(t, types.ContainerSpec{})

	require.NoError(t, h.sup.Start(context.Background(), id))
	code, err := h.sup.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, code)

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, c.State)
	assert.Equal(t, 1, h.rt.launchCount(), "clean exit without restart policy must not relaunch")
}

func TestCrash_RestartsUpToMaxAttempts(t *testing.T) {
	shortBackoff(t)
	h := newHarness(t)
	one := 1
	h.rt.autoExit = &one
	id := h.create(t, types.ContainerSpec{
		Restart: types.RestartPolicy{Condition: types.RestartOnFailure, MaxAttempts: 2},
	})

	require.NoError(t, h.sup.Start(context.Background(), id))
	code, err := h.sup.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, c.State)
	assert.Equal(t, errdefs.ReasonCrashed, c.Reason)
	assert.Equal(t, 2, c.RestartCount)
	assert.Equal(t, 3, h.rt.launchCount(), "initial run plus two retries")
}

func TestCleanExit_RestartAlwaysRelaunches(t *testing.T) {
	shortBackoff(t)
	h := newHarness(t)
	zero := 0
	h.rt.autoExit = &zero
	id := h.create(t, types.ContainerSpec{
		Restart: types.RestartPolicy{Condition: types.RestartAlways},
	})

	require.NoError(t, h.sup.Start(context.Background(), id))
	require.Eventually(t, func() bool {
		return h.rt.launchCount() >= 2
	}, 5*time.Second, 5*time.Millisecond, "always policy must relaunch clean exits")

	require.Eventually(t, func() bool {
		return h.sup.Stop(context.Background(), id) == nil
	}, 5*time.Second, 10*time.Millisecond)

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.True(t, c.State.Terminal())
}

func TestStop_CancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	// Long enough that the retry is reliably pending when Stop arrives.
	oldBase := backoffBase
	backoffBase = 30 * time.Second
	t.Cleanup(func() { backoffBase = oldBase })

	one := 1
	h.rt.autoExit = &one
	id := h.create(t, types.ContainerSpec{
		Restart: types.RestartPolicy{Condition: types.RestartAlways},
	})

	require.NoError(t, h.sup.Start(context.Background(), id))
	h.waitState(t, id, types.StateFailed)

	require.Eventually(t, func() bool {
		return h.sup.Stop(context.Background(), id) == nil
	}, 5*time.Second, 5*time.Millisecond)

	_, err := h.sup.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, h.rt.launchCount(), "canceled retry must not relaunch")
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{})

	require.NoError(t, h.sup.Start(context.Background(), id))
	require.NoError(t, h.sup.Pause(context.Background(), id))

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, c.State)
	assert.True(t, h.rt.last().sawSignal(syscall.SIGSTOP))

	// Pause on a paused container is an illegal edge.
	assert.ErrorIs(t, h.sup.Pause(context.Background(), id), errdefs.ErrInvalidState)

	require.NoError(t, h.sup.Resume(context.Background(), id))
	c, err = h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, c.State)
	assert.True(t, h.rt.last().sawSignal(syscall.SIGCONT))

	require.NoError(t, h.sup.Stop(context.Background(), id))
}

func TestStopWhilePaused_ResumesFirst(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{})

	require.NoError(t, h.sup.Start(context.Background(), id))
	require.NoError(t, h.sup.Pause(context.Background(), id))
	require.NoError(t, h.sup.Stop(context.Background(), id))

	hdl := h.rt.last()
	assert.True(t, hdl.sawSignal(syscall.SIGCONT), "paused process must be resumed before stopping")
	assert.True(t, hdl.sawSignal(syscall.SIGTERM))

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, c.State)
}

func TestOOMKill_RecordsReason(t *testing.T) {
	h := newHarness(t)
	h.lim.oom = true
	code := 137
	h.rt.autoExit = &code
	id := h.create(t, types.ContainerSpec{})

	require.NoError(t, h.sup.Start(context.Background(), id))
	got, err := h.sup.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 137, got)

	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, c.State)
	assert.Equal(t, errdefs.ReasonOOMKilled, c.Reason)
}

func TestWait_MultipleWaiters(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{})
	require.NoError(t, h.sup.Start(context.Background(), id))

	var wg sync.WaitGroup
	codes := make([]int, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i], errs[i] = h.sup.Wait(context.Background(), id)
		}(i)
	}

	h.rt.last().exit(0)
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		assert.Zero(t, codes[i])
	}
}

func TestWait_NeverStarted(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{})

	_, err := h.sup.Wait(context.Background(), id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestRestartAfterTerminal_RecyclesRecord(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{})

	require.NoError(t, h.sup.Start(context.Background(), id))
	require.NoError(t, h.sup.Stop(context.Background(), id))

	// Starting a stopped container runs it again under the same record.
	require.NoError(t, h.sup.Start(context.Background(), id))
	c, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, c.State)
	assert.Equal(t, 2, h.rt.launchCount())
}

func TestCommitOnExit(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, types.ContainerSpec{CommitImage: "app:v2"})

	require.NoError(t, h.sup.Start(context.Background(), id))
	require.NoError(t, h.sup.Stop(context.Background(), id))

	require.Eventually(t, func() bool {
		_, err := h.store.GetImage("app:v2")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond, "committed image never appeared")

	base, err := h.store.GetImage("app:latest")
	require.NoError(t, err)
	committed, err := h.store.GetImage("app:v2")
	require.NoError(t, err)

	require.Len(t, committed.Layers, len(base.Layers)+1)
	assert.Equal(t, base.Layers, committed.Layers[:len(base.Layers)], "base layers keep their order")
}

func TestShouldRestart(t *testing.T) {
	never := types.RestartPolicy{Condition: types.RestartNever}
	always := types.RestartPolicy{Condition: types.RestartAlways}
	onFailure := types.RestartPolicy{Condition: types.RestartOnFailure, MaxAttempts: 3}

	tests := []struct {
		name     string
		policy   types.RestartPolicy
		code     int
		oom      bool
		restarts int
		want     bool
	}{
		{"never ignores crashes", never, 1, false, 0, false},
		{"always restarts clean exits", always, 0, false, 0, true},
		{"on-failure skips clean exit", onFailure, 0, false, 0, false},
		{"on-failure restarts crash", onFailure, 1, false, 0, true},
		{"on-failure restarts oom", onFailure, 137, true, 0, true},
		{"on-failure respects max attempts", onFailure, 1, false, 3, false},
		{"on-failure unbounded when zero", types.RestartPolicy{Condition: types.RestartOnFailure}, 1, false, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRestart(tt.policy, tt.code, tt.oom, tt.restarts))
		})
	}
}

func TestStopSignal(t *testing.T) {
	assert.Equal(t, syscall.SIGTERM, stopSignal(""))
	assert.Equal(t, syscall.SIGINT, stopSignal("SIGINT"))
	assert.Equal(t, syscall.SIGTERM, stopSignal("NOTASIGNAL"))
}

func TestInitSpecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := InitSpec{
		ContainerID: "c1",
		Rootfs:      "/var/lib/hutch/containers/c1/merged",
		Hostname:    "c1",
		Command:     []string{"/bin/app", "--serve"},
		Env:         []string{"PATH=/bin"},
	}
	require.NoError(t, WriteInitSpec(&buf, in))
	out, err := ReadInitSpec(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ReadInitSpec(bytes.NewReader(nil))
	assert.Error(t, err)
}
