package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/agentfeed/internal/api"
	"github.com/agentfeed/internal/database"
	"github.com/agentfeed/internal/jobqueue"
	"github.com/agentfeed/internal/loop"
)

// ServeCommand returns the CLI command for starting the API server with the
// background job queue.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the AgentFeed server and background workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address for the API server",
			},
			&cli.BoolFlag{
				Name:  "no-workers",
				Usage: "Serve the API without the background job queue",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	rt, err := buildRuntime(c)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	if addr := c.String("addr"); addr != "" {
		rt.cfg.Server.Addr = addr
	}

	runner := loop.NewRunner(rt.store, rt.scheduler, rt.cfg.Loop)

	if !c.Bool("no-workers") {
		databaseURL, err := database.DatabaseURL()
		if err != nil {
			return fmt.Errorf("failed to resolve database URL: %w", err)
		}
		queue, err := jobqueue.NewJobQueue(databaseURL, rt.scheduler, runner)
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		if err := queue.Start(c.Context); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer func() {
			if err := queue.Stop(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to stop job queue")
			}
		}()
	}

	log.Info().Str("addr", rt.cfg.Server.Addr).Msg("Starting AgentFeed server")
	return api.NewServer(rt.cfg.Server.Addr, rt.store, rt.scheduler, runner).Start()
}
