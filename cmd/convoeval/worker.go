package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/ahrav/go-convoeval/internal/evaluation"
	"github.com/ahrav/go-convoeval/internal/phase"
	"github.com/ahrav/go-convoeval/internal/worker"
	"github.com/ahrav/go-convoeval/internal/workflow"
)

func workerCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker executing evaluation workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app := NewApp(cfg, cmd.ErrOrStderr())
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			c, err := worker.Dial(cfg.Temporal, app.logger)
			if err != nil {
				return err
			}
			defer c.Close()

			acts := worker.NewActivities(cfg, worker.Dependencies{
				Logger:     app.logger,
				Metrics:    app.metrics,
				Sink:       app.sink,
				HTTPClient: phase.NewHTTPClient(cfg.HTTP),
			})
			app.logger.InfoContext(ctx, "starting worker",
				"host", cfg.Temporal.HostPort,
				"namespace", cfg.Temporal.Namespace,
				"task_queue", cfg.Temporal.TaskQueue)
			return worker.Run(ctx, c, cfg, acts)
		},
	}
}

func submitCmd(global *globalFlags) *cobra.Command {
	var (
		reqFlags requestFlags
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start an evaluation workflow on a Temporal cluster",
		Long: `Starts EvaluationWorkflow on the configured task queue. With --wait the
command blocks until the workflow finishes and prints its result. The
scoring service API key is never sent through workflow history; workers
use their own configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			req, err := reqFlags.build()
			if err != nil {
				return err
			}

			app := NewApp(cfg, cmd.ErrOrStderr())
			c, err := worker.Dial(cfg.Temporal, app.logger)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
				ID:        "convoeval-" + uuid.NewString(),
				TaskQueue: cfg.Temporal.TaskQueue,
			}, workflow.EvaluationWorkflow, workflow.Input{
				Request:          *req,
				PhaseTimeout:     cfg.Scheduler.PhaseTimeout,
				HeartbeatTimeout: cfg.Temporal.HeartbeatTimeout,
			})
			if err != nil {
				return fmt.Errorf("start workflow: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "started workflow %s (run %s)\n", run.GetID(), run.GetRunID())
			if !wait {
				return nil
			}

			var out evaluation.Output
			if err := run.Get(ctx, &out); err != nil {
				return fmt.Errorf("workflow %s: %w", run.GetID(), err)
			}
			return writeJSON(cmd.OutOrStdout(), &out)
		},
	}

	reqFlags.register(cmd)
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for the workflow result")
	return cmd
}
