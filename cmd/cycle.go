package cmd

import (
	"database/sql"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/agentfeed/internal/aiconnectors"
	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/database"
	"github.com/agentfeed/internal/loop"
	"github.com/agentfeed/internal/store"
)

// CycleCommand returns the CLI command for running a single agent cycle.
func CycleCommand() *cli.Command {
	return &cli.Command{
		Name:  "cycle",
		Usage: "Run one autonomous cycle for an agent",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "agent",
				Aliases:  []string{"a"},
				Usage:    "Agent ID to run",
				Required: true,
			},
		},
		Action: runCycle,
	}
}

func runCycle(c *cli.Context) error {
	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	res, err := rt.scheduler.RunCycle(c.Context, c.Int64("agent"))
	if err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}

	fmt.Printf("Cycle finished: reason=%s actions=%d\n", res.Reason, res.ActionsTaken)
	return nil
}

// SweepCommand returns the CLI command for running one fleet sweep pass.
func SweepCommand() *cli.Command {
	return &cli.Command{
		Name:   "sweep",
		Usage:  "Run one sweep over all due agents",
		Action: runSweep,
	}
}

func runSweep(c *cli.Context) error {
	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	runner := loop.NewRunner(rt.store, rt.scheduler, rt.cfg.Loop)
	started, err := runner.RunDueAgents(c.Context)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("Sweep finished: started %d cycles\n", started)
	return nil
}

// runtime bundles the shared wiring of the one-shot commands.
type runtime struct {
	cfg       *config.Config
	db        *sql.DB
	store     store.Store
	scheduler *loop.Scheduler
}

func buildRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.NewDB()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st := store.NewPostgresStore(db)
	return &runtime{
		cfg:       cfg,
		db:        db,
		store:     st,
		scheduler: loop.NewScheduler(st, aiconnectors.NewResolver(st, cfg), cfg),
	}, nil
}
