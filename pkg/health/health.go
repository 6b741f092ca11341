package health

import (
	"context"
	"time"

	"github.com/hutch-run/hutch/pkg/types"
)

// Result represents the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface all probe variants implement. The concrete
// checker is chosen once, when monitoring starts, not per probe.
type Checker interface {
	// Check performs the probe and returns the result. A probe that
	// exceeds its deadline must report unhealthy.
	Check(ctx context.Context) Result

	// Type returns the probe mechanism.
	Type() types.ProbeType
}

// Schedule controls probe timing for one container.
type Schedule struct {
	// Interval is the time between probes.
	Interval time.Duration

	// Timeout is the maximum time a single probe may take; exceeding it
	// counts as a failure.
	Timeout time.Duration

	// Retries is the number of consecutive failures before a healthy
	// container flips to unhealthy.
	Retries int

	// StartPeriod is the grace window after container start during which
	// no probes run.
	StartPeriod time.Duration
}

// DefaultSchedule returns a Schedule with sensible defaults.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// ScheduleFor builds a Schedule from a probe definition, filling defaults
// for unset fields.
func ScheduleFor(p types.HealthProbe) Schedule {
	s := DefaultSchedule()
	if p.Interval > 0 {
		s.Interval = p.Interval
	}
	if p.Timeout > 0 {
		s.Timeout = p.Timeout
	}
	if p.Retries > 0 {
		s.Retries = p.Retries
	}
	if p.StartPeriod > 0 {
		s.StartPeriod = p.StartPeriod
	}
	return s
}

// Tracker drives the health state machine for one container:
//
//	unknown -> starting -> healthy <-> unhealthy
//
// A single success always yields healthy. Unhealthy requires Retries
// consecutive failures while healthy, so one transient failure never
// flips the state. Failures during the starting phase keep it starting.
type Tracker struct {
	state               types.HealthState
	consecutiveFailures int
	lastResult          Result
}

// NewTracker creates a tracker in the unknown state.
func NewTracker() *Tracker {
	return &Tracker{state: types.HealthUnknown}
}

// BeginStartPeriod marks the start of the grace window.
func (t *Tracker) BeginStartPeriod() {
	if t.state == types.HealthUnknown {
		t.state = types.HealthStarting
	}
}

// Observe folds a probe result into the state machine and reports the
// resulting state plus whether it changed.
func (t *Tracker) Observe(result Result, sched Schedule) (types.HealthState, bool) {
	t.lastResult = result
	prev := t.state

	if result.Healthy {
		t.consecutiveFailures = 0
		t.state = types.HealthHealthy
		return t.state, t.state != prev
	}

	t.consecutiveFailures++
	if t.state == types.HealthHealthy && t.consecutiveFailures >= sched.Retries {
		t.state = types.HealthUnhealthy
	}
	return t.state, t.state != prev
}

// State returns the current health state.
func (t *Tracker) State() types.HealthState {
	return t.state
}

// LastResult returns the most recently observed probe result.
func (t *Tracker) LastResult() Result {
	return t.lastResult
}
