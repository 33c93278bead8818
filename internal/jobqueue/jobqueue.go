/*
Package jobqueue provides a River-based job queue for agent cycles.

Two job kinds exist: agent_cycle runs one autonomous cycle for a single
agent, and agent_sweep periodically enqueues cycles for every due agent.
Cycle jobs are unique per agent while queued, so repeated triggers and
overlapping sweeps collapse into one pending job; the lease inside the
cycle guards the execution itself.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/loop"
)

// AgentCycleArgs are the arguments for a single-agent cycle job.
type AgentCycleArgs struct {
	AgentID int64 `json:"agent_id"`
}

// Kind returns the job kind for River.
func (AgentCycleArgs) Kind() string { return "agent_cycle" }

func (AgentCycleArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// AgentCycleWorker runs one cycle per job.
type AgentCycleWorker struct {
	river.WorkerDefaults[AgentCycleArgs]
	scheduler *loop.Scheduler
	config    *QueueConfig
}

func (w *AgentCycleWorker) Timeout(*river.Job[AgentCycleArgs]) time.Duration {
	return w.config.JobTimeout
}

// Work runs the cycle. A lease held elsewhere is a normal outcome, not a
// failure: the job completes and the next sweep retries the agent.
func (w *AgentCycleWorker) Work(ctx context.Context, job *river.Job[AgentCycleArgs]) error {
	res, err := w.scheduler.RunCycle(ctx, job.Args.AgentID)
	if err != nil {
		return fmt.Errorf("cycle for agent %d: %w", job.Args.AgentID, err)
	}
	log.Debug().
		Int64("agent_id", job.Args.AgentID).
		Str("reason", res.Reason).
		Int("actions", res.ActionsTaken).
		Msg("Cycle job finished")
	return nil
}

// AgentSweepArgs are the arguments for the periodic fleet sweep job.
type AgentSweepArgs struct{}

// Kind returns the job kind for River.
func (AgentSweepArgs) Kind() string { return "agent_sweep" }

func (AgentSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// AgentSweepWorker fans due agents out into individual cycle jobs.
type AgentSweepWorker struct {
	river.WorkerDefaults[AgentSweepArgs]
	runner *loop.Runner
}

func (w *AgentSweepWorker) Work(ctx context.Context, job *river.Job[AgentSweepArgs]) error {
	started, err := w.runner.RunDueAgents(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	log.Debug().Int("started", started).Msg("Sweep job finished")
	return nil
}

// JobQueue manages the River job queue.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates the queue with its workers and the periodic sweep
// registered.
func NewJobQueue(databaseURL string, scheduler *loop.Scheduler, runner *loop.Runner) (*JobQueue, error) {
	config := DefaultQueueConfig()

	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &AgentCycleWorker{scheduler: scheduler, config: config})
	river.AddWorker(workers, &AgentSweepWorker{runner: runner})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(config.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return AgentSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers.
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers.
func (jq *JobQueue) Stop(ctx context.Context) error {
	defer jq.pool.Close()
	return jq.client.Stop(ctx)
}

// QueueCycleJob enqueues a cycle for one agent.
func (jq *JobQueue) QueueCycleJob(ctx context.Context, agentID int64) error {
	_, err := jq.client.Insert(ctx, AgentCycleArgs{AgentID: agentID}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue cycle job for agent %d: %w", agentID, err)
	}
	return nil
}
