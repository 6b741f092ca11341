package supervisor

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/isolation"
	"github.com/hutch-run/hutch/pkg/layer"
	"github.com/hutch-run/hutch/pkg/limits"
	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/metrics"
	"github.com/hutch-run/hutch/pkg/registry"
	"github.com/hutch-run/hutch/pkg/types"
)

const defaultStopTimeout = 10 * time.Second

// ImageStore resolves image names to manifests and records images built
// from committed writable layers. The storage layer satisfies it.
type ImageStore interface {
	GetImage(name string) (*types.Image, error)
	SaveImage(img *types.Image) error
	SaveLayer(l *types.Layer) error
}

// Supervisor owns container processes end to end: it assembles the root
// filesystem, prepares isolation, launches the process, applies resource
// limits, watches for exit and drives restarts. At most one process exists
// per container at any time.
type Supervisor struct {
	registry *registry.Registry
	layers   *layer.Store
	images   ImageStore
	limiter  limits.Limiter
	runtime  Runtime
	prov     isolation.Provisioner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	procs map[string]*proc
}

// proc tracks one container's live process across restarts. done is closed
// only when the container reaches a terminal state with no restart pending.
type proc struct {
	handle Handle
	rfs    *layer.RootFS
	scope  *isolation.Scope
	bo     *backoff

	stopRequested bool
	retryCancel   context.CancelFunc
	monitorCancel context.CancelFunc

	done chan struct{}
}

// New builds a supervisor. Call Shutdown to stop all containers and
// release resources.
func New(reg *registry.Registry, layers *layer.Store, images ImageStore, limiter limits.Limiter, rt Runtime, prov isolation.Provisioner) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry: reg,
		layers:   layers,
		images:   images,
		limiter:  limiter,
		runtime:  rt,
		prov:     prov,
		ctx:      ctx,
		cancel:   cancel,
		procs:    make(map[string]*proc),
	}
}

// Start launches the container's process. The container must be in the
// created state, or terminal, in which case it is recycled through created
// first. Setup failures (missing layers, disk exhaustion, isolation or
// launch errors) move the container to failed with everything already
// allocated torn back down, and are returned to the caller.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, busy := s.procs[id]; busy {
		s.mu.Unlock()
		return fmt.Errorf("container %s already has a process: %w", id, errdefs.ErrContainerBusy)
	}
	p := &proc{bo: newBackoff(), done: make(chan struct{})}
	s.procs[id] = p
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
		close(p.done)
		return err
	}

	c, err := s.registry.Get(id)
	if err != nil {
		return fail(err)
	}
	if c.State.Terminal() {
		if err := s.registry.Transition(id, types.StateCreated, nil); err != nil {
			return fail(err)
		}
	} else if c.State != types.StateCreated {
		return fail(fmt.Errorf("cannot start container in state %s: %w", c.State, errdefs.ErrInvalidState))
	}

	if err := s.launch(ctx, id, p); err != nil {
		setup := errdefs.Setup(err)
		if terr := s.registry.Transition(id, types.StateFailed, func(c *types.Container) {
			c.Reason = setup.Reason
			c.Error = err.Error()
		}); terr != nil {
			lg := log.WithContainerID(id)
			lg.Error().Err(terr).Msg("failed to record setup failure")
		}
		return fail(setup)
	}
	return nil
}

// launch performs setup and process start for one run. On error everything
// allocated so far is released; no partial state survives.
func (s *Supervisor) launch(ctx context.Context, id string, p *proc) error {
	c, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	img, err := s.images.GetImage(c.Spec.Image)
	if err != nil {
		return fmt.Errorf("failed to resolve image %q: %w", c.Spec.Image, err)
	}

	rfs, err := s.layers.Assemble(ctx, id, *img)
	if err != nil {
		return err
	}

	scope, err := isolation.Prepare(ctx, id, c.Spec.Isolation, c.Spec.Hostname, s.prov)
	if err != nil {
		s.teardownRootFS(id, rfs)
		return err
	}

	handle, err := s.runtime.Launch(ctx, c, rfs, scope)
	if err != nil {
		s.teardownRootFS(id, rfs)
		s.closeScope(id, scope)
		return err
	}

	if err := s.limiter.Apply(id, handle.Pid(), c.Spec.Budget); err != nil {
		handle.Signal(syscall.SIGKILL)
		handle.Wait()
		s.teardownRootFS(id, rfs)
		s.closeScope(id, scope)
		return fmt.Errorf("failed to apply resource limits: %w", err)
	}

	s.mu.Lock()
	p.handle = handle
	p.rfs = rfs
	p.scope = scope
	s.mu.Unlock()

	if err := s.registry.Transition(id, types.StateRunning, func(c *types.Container) {
		c.Pid = handle.Pid()
	}); err != nil {
		handle.Signal(syscall.SIGKILL)
		handle.Wait()
		s.teardownRootFS(id, rfs)
		s.closeScope(id, scope)
		return err
	}

	if c.Spec.Probe != nil {
		mctx, mcancel := context.WithCancel(s.ctx)
		s.mu.Lock()
		p.monitorCancel = mcancel
		s.mu.Unlock()
		s.wg.Add(1)
		go s.monitor(mctx, id, *c.Spec.Probe)
	}

	s.wg.Add(1)
	go s.supervise(id, p, time.Now())
	return nil
}

// supervise waits for the process to exit, cleans up its resources and
// decides between settling terminal and scheduling a restart.
func (s *Supervisor) supervise(id string, p *proc, startedAt time.Time) {
	defer s.wg.Done()

	st := p.handle.Wait()
	if st.Err != nil {
		lg := log.WithContainerID(id)
		lg.Error().Err(st.Err).Msg("wait on container process failed")
	}
	oom, err := s.limiter.OOMKilled(id)
	if err != nil {
		lg := log.WithContainerID(id)
		lg.Warn().Err(err).Msg("could not read oom state")
	}
	p.bo.observe(time.Since(startedAt))

	s.mu.Lock()
	stopRequested := p.stopRequested
	if p.monitorCancel != nil {
		p.monitorCancel()
		p.monitorCancel = nil
	}
	s.mu.Unlock()

	if err := s.limiter.Remove(id); err != nil {
		lg := log.WithContainerID(id)
		lg.Warn().Err(err).Msg("failed to remove resource limits")
	}

	c, err := s.registry.Get(id)
	if err != nil {
		lg := log.WithContainerID(id)
		lg.Error().Err(err).Msg("container record vanished mid-run")
		s.teardownRootFS(id, p.rfs)
		s.closeScope(id, p.scope)
		s.finalize(id, p)
		return
	}

	// The writable layer is reclaimed by teardown, so commit must happen
	// before it.
	if c.Spec.CommitImage != "" {
		if err := s.commit(c, p.rfs); err != nil {
			lg := log.WithContainerID(id)
			lg.Error().Err(err).Msg("failed to commit writable layer")
		}
	}
	s.teardownRootFS(id, p.rfs)
	s.closeScope(id, p.scope)

	switch {
	case stopRequested:
		s.transitionExit(id, types.StateStopped, st.Code, "")
		s.finalize(id, p)
		return
	case oom:
		s.transitionExit(id, types.StateFailed, st.Code, errdefs.ReasonOOMKilled)
	case st.Code == 0:
		s.transitionExit(id, types.StateStopped, 0, "")
	default:
		s.transitionExit(id, types.StateFailed, st.Code, errdefs.ReasonCrashed)
	}

	// A Stop racing the exit may have set stopRequested after the first
	// read; never restart a container the caller is stopping.
	s.mu.Lock()
	stopRequested = p.stopRequested
	s.mu.Unlock()

	if stopRequested || !shouldRestart(c.Spec.Restart, st.Code, oom, c.RestartCount) {
		s.finalize(id, p)
		return
	}

	rctx, rcancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	p.retryCancel = rcancel
	s.mu.Unlock()

	delay := p.bo.delay()
	lg := log.WithContainerID(id)
	lg.Info().
		Dur("delay", delay).
		Int("restart_count", c.RestartCount+1).
		Msg("scheduling restart")

	s.wg.Add(1)
	go s.restartAfter(rctx, id, p, delay)
}

// restartAfter sleeps out the backoff delay and relaunches, unless the
// retry is canceled by Stop or shutdown first.
func (s *Supervisor) restartAfter(ctx context.Context, id string, p *proc, delay time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.finalize(id, p)
		return
	case <-timer.C:
	}

	s.mu.Lock()
	p.retryCancel = nil
	s.mu.Unlock()

	if err := s.registry.Transition(id, types.StateCreated, func(c *types.Container) {
		c.RestartCount++
	}); err != nil {
		lg := log.WithContainerID(id)
		lg.Error().Err(err).Msg("restart aborted")
		s.finalize(id, p)
		return
	}
	metrics.RestartsTotal.Inc()

	if err := s.launch(s.ctx, id, p); err != nil {
		setup := errdefs.Setup(err)
		if terr := s.registry.Transition(id, types.StateFailed, func(c *types.Container) {
			c.Reason = setup.Reason
			c.Error = err.Error()
		}); terr != nil {
			lg := log.WithContainerID(id)
			lg.Error().Err(terr).Msg("failed to record restart failure")
		}
		s.finalize(id, p)
	}
}

// Stop gracefully terminates the container: graceful signal, then SIGKILL
// to the process group after the spec's stop timeout. A pending restart is
// canceled instead of signaled. Stopping a container without a live
// process is an invalid-state error.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("container %s has no live process: %w", id, errdefs.ErrInvalidState)
	}
	if p.retryCancel != nil {
		cancel := p.retryCancel
		p.retryCancel = nil
		p.stopRequested = true
		s.mu.Unlock()
		cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	p.stopRequested = true
	s.mu.Unlock()

	c, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	paused := c.State == types.StatePaused

	if err := s.registry.Transition(id, types.StateStopping, nil); err != nil {
		s.mu.Lock()
		p.stopRequested = false
		s.mu.Unlock()
		return err
	}

	// A paused process cannot act on the graceful signal until resumed.
	if paused {
		if err := p.handle.Signal(syscall.SIGCONT); err != nil {
			lg := log.WithContainerID(id)
			lg.Warn().Err(err).Msg("failed to resume before stop")
		}
	}
	if err := p.handle.Signal(stopSignal(c.Spec.StopSignal)); err != nil {
		lg := log.WithContainerID(id)
		lg.Warn().Err(err).Msg("graceful signal failed, killing")
		p.handle.Signal(syscall.SIGKILL)
	}

	timeout := c.Spec.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.handle.Signal(syscall.SIGKILL)
		return ctx.Err()
	case <-timer.C:
		lg := log.WithContainerID(id)
		lg.Warn().Dur("timeout", timeout).Msg("stop timeout exceeded, killing process group")
		p.handle.Signal(syscall.SIGKILL)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause freezes the container's process group. The process stays alive and
// keeps its resources; probes are suspended by the monitor while paused.
func (s *Supervisor) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok || p.handle == nil {
		return fmt.Errorf("container %s has no live process: %w", id, errdefs.ErrInvalidState)
	}

	if err := s.registry.Transition(id, types.StatePaused, nil); err != nil {
		return err
	}
	if err := p.handle.Signal(syscall.SIGSTOP); err != nil {
		s.registry.Transition(id, types.StateRunning, nil)
		return fmt.Errorf("failed to pause container %s: %w", id, err)
	}
	return nil
}

// Resume unfreezes a paused container.
func (s *Supervisor) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok || p.handle == nil {
		return fmt.Errorf("container %s has no live process: %w", id, errdefs.ErrInvalidState)
	}

	if err := s.registry.Transition(id, types.StateRunning, nil); err != nil {
		return err
	}
	if err := p.handle.Signal(syscall.SIGCONT); err != nil {
		s.registry.Transition(id, types.StatePaused, nil)
		return fmt.Errorf("failed to resume container %s: %w", id, err)
	}
	return nil
}

// Wait blocks until the container settles in a terminal state with no
// restart pending, and returns its exit code. Multiple concurrent waiters
// all observe the same outcome.
func (s *Supervisor) Wait(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()

	if !ok {
		c, err := s.registry.Get(id)
		if err != nil {
			return 0, err
		}
		if c.State.Terminal() {
			return c.ExitCode, nil
		}
		return 0, fmt.Errorf("container %s has not been started: %w", id, errdefs.ErrInvalidState)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	c, err := s.registry.Get(id)
	if err != nil {
		return 0, err
	}
	return c.ExitCode, nil
}

// Shutdown stops every live container and waits for all supervision
// goroutines to drain.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil {
				lg := log.WithContainerID(id)
				lg.Warn().Err(err).Msg("stop during shutdown failed")
			}
		}(id)
	}
	wg.Wait()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit persists the container's writable layer as the top layer of a
// new image named by the spec.
func (s *Supervisor) commit(c *types.Container, rfs *layer.RootFS) error {
	if rfs == nil {
		return nil
	}
	l, err := s.layers.CommitWritable(rfs)
	if err != nil {
		return err
	}
	if err := s.images.SaveLayer(&l); err != nil {
		return err
	}
	base, err := s.images.GetImage(c.Spec.Image)
	if err != nil {
		return err
	}
	img := &types.Image{
		Name:      c.Spec.CommitImage,
		Layers:    append(append([]digest.Digest(nil), base.Layers...), l.Digest),
		Config:    base.Config,
		CreatedAt: time.Now(),
	}
	if err := s.images.SaveImage(img); err != nil {
		return err
	}
	lg := log.WithContainerID(c.ID)
	lg.Info().
		Str("image", img.Name).
		Str("layer", l.Digest.String()).
		Msg("writable layer committed")
	return nil
}

func (s *Supervisor) transitionExit(id string, state types.ContainerState, code int, reason string) {
	err := s.registry.Transition(id, state, func(c *types.Container) {
		c.ExitCode = code
		c.Reason = reason
		if reason != "" {
			c.Error = fmt.Sprintf("process exited with code %d", code)
		}
	})
	if err != nil {
		lg := log.WithContainerID(id)
		lg.Error().Err(err).Msg("failed to record exit")
	}
}

func (s *Supervisor) finalize(id string, p *proc) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	close(p.done)
}

func (s *Supervisor) teardownRootFS(id string, rfs *layer.RootFS) {
	if rfs == nil {
		return
	}
	if err := s.layers.Teardown(rfs); err != nil {
		lg := log.WithContainerID(id)
		lg.Warn().Err(err).Msg("rootfs teardown failed")
	}
}

func (s *Supervisor) closeScope(id string, scope *isolation.Scope) {
	if scope == nil {
		return
	}
	if err := scope.Close(); err != nil {
		lg := log.WithContainerID(id)
		lg.Warn().Err(err).Msg("isolation scope release failed")
	}
}

// shouldRestart applies the restart policy to one exit. Stop never reaches
// here; it always settles stopped.
func shouldRestart(policy types.RestartPolicy, exitCode int, oom bool, restarts int) bool {
	switch policy.Condition {
	case types.RestartAlways:
		return true
	case types.RestartOnFailure:
		if exitCode == 0 && !oom {
			return false
		}
		return policy.MaxAttempts == 0 || restarts < policy.MaxAttempts
	default:
		return false
	}
}

// stopSignal resolves the spec's graceful signal name, defaulting to
// SIGTERM.
func stopSignal(name string) syscall.Signal {
	if name == "" {
		return syscall.SIGTERM
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig
	}
	return syscall.SIGTERM
}
