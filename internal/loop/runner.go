package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/store"
)

// Runner sweeps the fleet: it finds agents whose interval has elapsed and
// runs a cycle for each, rate-limited so a large fleet does not stampede the
// completion providers.
type Runner struct {
	store     store.Store
	scheduler *Scheduler
	limiter   *rate.Limiter
	cfg       config.LoopConfig
	now       func() time.Time
}

func NewRunner(st store.Store, scheduler *Scheduler, cfg config.LoopConfig) *Runner {
	rps := cfg.SweepRatePerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Runner{
		store:     st,
		scheduler: scheduler,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		cfg:       cfg,
		now:       time.Now,
	}
}

// RunDueAgents runs one sweep pass and returns how many cycles were started.
// Per-agent failures are logged and do not stop the sweep; lease contention
// means a due agent skipped here is simply picked up by a later sweep.
func (r *Runner) RunDueAgents(ctx context.Context) (int, error) {
	limit := r.cfg.SweepBatchLimit
	if limit <= 0 {
		limit = 20
	}
	due, err := r.store.ListDueAgents(ctx, r.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due agents: %w", err)
	}

	started := 0
	for _, a := range due {
		if err := r.limiter.Wait(ctx); err != nil {
			return started, err
		}
		res, err := r.scheduler.RunCycle(ctx, a.ID)
		if err != nil {
			log.Error().Err(err).Int64("agent_id", a.ID).Msg("Sweep cycle failed")
			continue
		}
		if res.Reason != ReasonLockedOrDisabled {
			started++
		}
	}

	log.Info().
		Int("due", len(due)).
		Int("started", started).
		Msg("Sweep pass finished")
	return started, nil
}
