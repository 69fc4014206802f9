package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/rs/zerolog"
)

// DefaultInterval is the pause between reconciliation passes
const DefaultInterval = 2 * time.Second

// Controller derives one kind of state from others. Reconcile runs one full
// pass; it returns an error only when the pass could not run at all (for
// example when the primary list fails). Per-item failures are logged and
// skipped inside the pass.
type Controller interface {
	Name() string
	Reconcile(ctx context.Context) error
}

// Runner drives a controller on a fixed interval
type Runner struct {
	controller Controller
	interval   time.Duration
	logger     zerolog.Logger
}

// NewRunner creates a runner. A non-positive interval selects DefaultInterval.
func NewRunner(c Controller, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		controller: c,
		interval:   interval,
		logger:     log.WithController(c.Name()),
	}
}

// Run performs a first pass immediately and then one pass per interval until
// ctx is cancelled. A failure of the first pass is returned, since it means
// the store was unavailable at startup. Later failures are logged and the
// loop continues.
func (r *Runner) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	if err := r.pass(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s controller failed to start: %w", r.controller.Name(), err)
	}
	r.logger.Info().Dur("interval", r.interval).Msg("Controller started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.pass(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Reconciliation pass failed")
			}
		case <-ctx.Done():
			r.logger.Info().Msg("Controller stopped")
			return nil
		}
	}
}

// pass performs one reconciliation cycle
func (r *Runner) pass(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, r.controller.Name())

	return r.controller.Reconcile(ctx)
}

// itemFailed records a per-item failure without aborting the pass
func itemFailed(l zerolog.Logger, controller, kind, namespace, name string, err error, msg string) {
	metrics.ReconcileErrorsTotal.WithLabelValues(controller).Inc()
	logger := log.WithResource(l, kind, namespace, name)
	logger.Error().Err(err).Msg(msg)
}
