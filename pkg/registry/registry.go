package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/events"
	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/metrics"
	"github.com/hutch-run/hutch/pkg/storage"
	"github.com/hutch-run/hutch/pkg/types"
)

// Registry is the authoritative index of container records. Every state
// change flows through Transition so lifecycle legality is enforced in one
// place; the supervisor and health monitor never mutate records directly.
type Registry struct {
	mu         sync.RWMutex
	containers map[string]*types.Container

	store  storage.Store
	broker *events.Broker
}

// New builds a registry backed by store. Records persisted by a previous
// run are loaded back; any that were mid-flight when the process died are
// settled as stopped so the lifecycle can resume from a known state.
func New(store storage.Store, broker *events.Broker) (*Registry, error) {
	r := &Registry{
		containers: make(map[string]*types.Container),
		store:      store,
		broker:     broker,
	}

	persisted, err := store.ListContainers()
	if err != nil {
		return nil, fmt.Errorf("failed to load container records: %w", err)
	}
	for _, c := range persisted {
		if c.State == types.StateRunning || c.State == types.StatePaused || c.State == types.StateStopping {
			c.State = types.StateStopped
			c.Health = types.HealthUnknown
			c.Pid = 0
			c.FinishedAt = time.Now()
			if err := store.SaveContainer(c); err != nil {
				return nil, fmt.Errorf("failed to settle container %s: %w", c.ID, err)
			}
			lg := log.WithContainerID(c.ID)
			lg.Warn().Msg("container was live at shutdown, settled as stopped")
		}
		r.containers[c.ID] = c
		metrics.ContainersByState.WithLabelValues(string(c.State)).Inc()
	}

	return r, nil
}

// Create registers a new container record in the created state. The spec
// must already be resolved; the budget is validated here so a violated
// ceiling is rejected outright rather than clamped at enforcement time.
func (r *Registry) Create(spec types.ContainerSpec) (*types.Container, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: container spec has no image", errdefs.ErrInvalidArgument)
	}
	if err := spec.Budget.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidArgument, err)
	}

	c := &types.Container{
		ID:        uuid.New().String(),
		Spec:      spec,
		State:     types.StateCreated,
		Health:    types.HealthUnknown,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.containers[c.ID] = c
	r.mu.Unlock()

	if err := r.store.SaveContainer(c); err != nil {
		r.mu.Lock()
		delete(r.containers, c.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to persist container: %w", err)
	}

	metrics.ContainersByState.WithLabelValues(string(types.StateCreated)).Inc()
	r.publish(events.ContainerCreated, c.ID, "", "")
	lg := log.WithContainerID(c.ID)
	lg.Info().Str("image", spec.Image).Msg("container created")

	copy := *c
	return &copy, nil
}

// Get returns a snapshot of the container record.
func (r *Registry) Get(id string) (*types.Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

// List returns snapshots of all container records, oldest first.
func (r *Registry) List() []*types.Container {
	r.mu.RLock()
	out := make([]*types.Container, 0, len(r.containers))
	for _, c := range r.containers {
		copy := *c
		out = append(out, &copy)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove deletes a container record. Only terminal containers may be
// removed; anything with a live or in-flight process is busy.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	if !c.State.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("container %s is %s: %w", id, c.State, errdefs.ErrContainerBusy)
	}
	delete(r.containers, id)
	state := c.State
	r.mu.Unlock()

	if err := r.store.DeleteContainer(id); err != nil {
		return fmt.Errorf("failed to delete container record: %w", err)
	}

	metrics.ContainersByState.WithLabelValues(string(state)).Dec()
	r.publish(events.ContainerRemoved, id, "", "")
	lg := log.WithContainerID(id)
	lg.Info().Msg("container removed")
	return nil
}

// Transition moves a container to next, enforcing the lifecycle table.
// mutate, if non-nil, runs under the registry lock after the state change
// so pid, exit code and failure details land atomically with it.
func (r *Registry) Transition(id string, next types.ContainerState, mutate func(*types.Container)) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	prev := c.State
	if !prev.CanTransition(next) {
		r.mu.Unlock()
		return fmt.Errorf("cannot transition container %s from %s to %s: %w",
			id, prev, next, errdefs.ErrInvalidState)
	}

	c.State = next
	switch next {
	case types.StateRunning:
		if prev == types.StateCreated {
			c.StartedAt = time.Now()
		}
	case types.StateStopped, types.StateFailed:
		c.FinishedAt = time.Now()
		c.Pid = 0
		c.Health = types.HealthUnknown
	case types.StateCreated:
		// Restart edge: the record is reused for a fresh run.
		c.ExitCode = 0
		c.Reason = ""
		c.Error = ""
		c.Health = types.HealthUnknown
	}
	if mutate != nil {
		mutate(c)
	}
	snapshot := *c
	r.mu.Unlock()

	if err := r.store.SaveContainer(&snapshot); err != nil {
		return fmt.Errorf("failed to persist container: %w", err)
	}

	metrics.ContainersByState.WithLabelValues(string(prev)).Dec()
	metrics.ContainersByState.WithLabelValues(string(next)).Inc()
	if next == types.StateFailed {
		metrics.FailuresTotal.WithLabelValues(snapshot.Reason).Inc()
	}

	if ev, ok := eventFor(prev, next); ok {
		r.publish(ev, id, snapshot.Reason, snapshot.Error)
	}
	lg := log.WithContainerID(id)
	lg.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("container state changed")
	return nil
}

// SetHealth records a probe-driven health transition. It is the only path
// by which health changes; lifecycle state is untouched.
func (r *Registry) SetHealth(id string, health types.HealthState) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	if c.Health == health {
		r.mu.Unlock()
		return nil
	}
	c.Health = health
	snapshot := *c
	r.mu.Unlock()

	if err := r.store.SaveContainer(&snapshot); err != nil {
		return fmt.Errorf("failed to persist container: %w", err)
	}

	metrics.HealthTransitionsTotal.WithLabelValues(string(health)).Inc()
	if ev, ok := healthEventFor(health); ok {
		r.publish(ev, id, "", "")
	}
	return nil
}

// Update applies mutate to the record without a state change, for fields
// like pid and restart count that move outside lifecycle edges.
func (r *Registry) Update(id string, mutate func(*types.Container)) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	mutate(c)
	snapshot := *c
	r.mu.Unlock()

	if err := r.store.SaveContainer(&snapshot); err != nil {
		return fmt.Errorf("failed to persist container: %w", err)
	}
	return nil
}

func (r *Registry) publish(t events.Type, id, reason, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(events.Event{
		Type:        t,
		ContainerID: id,
		Reason:      reason,
		Message:     message,
	})
}

func eventFor(prev, next types.ContainerState) (events.Type, bool) {
	switch next {
	case types.StateRunning:
		if prev == types.StatePaused {
			return events.ContainerResumed, true
		}
		return events.ContainerStarted, true
	case types.StatePaused:
		return events.ContainerPaused, true
	case types.StateStopping:
		return events.ContainerStopping, true
	case types.StateStopped:
		return events.ContainerStopped, true
	case types.StateFailed:
		return events.ContainerFailed, true
	case types.StateCreated:
		return events.ContainerRestarting, true
	}
	return "", false
}

func healthEventFor(h types.HealthState) (events.Type, bool) {
	switch h {
	case types.HealthStarting:
		return events.HealthStarting, true
	case types.HealthHealthy:
		return events.HealthHealthy, true
	case types.HealthUnhealthy:
		return events.HealthUnhealthy, true
	}
	return "", false
}
