package supervisor

import (
	"context"
	"time"

	"github.com/hutch-run/hutch/pkg/health"
	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/metrics"
	"github.com/hutch-run/hutch/pkg/types"
)

// monitor runs the health probe loop for one container run. It owns the
// container's health state: nothing else writes it. The loop ends when the
// run's context is canceled, which happens on process exit and shutdown.
func (s *Supervisor) monitor(ctx context.Context, id string, probe types.HealthProbe) {
	defer s.wg.Done()

	logger := log.WithContainerID(id)

	checker, err := health.NewChecker(probe)
	if err != nil {
		logger.Error().Err(err).Msg("invalid health probe, monitoring disabled")
		return
	}
	sched := health.ScheduleFor(probe)
	tracker := health.NewTracker()

	tracker.BeginStartPeriod()
	if err := s.registry.SetHealth(id, tracker.State()); err != nil {
		logger.Warn().Err(err).Msg("failed to record health state")
	}

	if sched.StartPeriod > 0 {
		grace := time.NewTimer(sched.StartPeriod)
		select {
		case <-ctx.Done():
			grace.Stop()
			return
		case <-grace.C:
		}
	}

	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()

	// Probe immediately after the grace window, then on the interval.
	for {
		s.probeOnce(ctx, id, checker, tracker, sched)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probeOnce(ctx context.Context, id string, checker health.Checker, tracker *health.Tracker, sched health.Schedule) {
	// Paused containers are not probed; a frozen process failing probes
	// tells the operator nothing.
	c, err := s.registry.Get(id)
	if err != nil || c.State != types.StateRunning {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, sched.Timeout)
	result := checker.Check(pctx)
	cancel()

	metrics.ObserveProbe(result.Healthy)

	state, changed := tracker.Observe(result, sched)
	if !changed {
		return
	}
	if err := s.registry.SetHealth(id, state); err != nil {
		lg := log.WithContainerID(id)
		lg.Warn().Err(err).Msg("failed to record health transition")
		return
	}
	lg := log.WithContainerID(id)
	lg.Info().
		Str("health", string(state)).
		Str("message", result.Message).
		Msg("health state changed")
}
