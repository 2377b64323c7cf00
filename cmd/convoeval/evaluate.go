package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evaluation"
	"github.com/ahrav/go-convoeval/internal/session"
)

const shutdownTimeout = 5 * time.Second

// requestFlags describe an evaluation request on the command line.
type requestFlags struct {
	conversation string
	profile      string
	predefined   []string
	custom       []string
	literature   []string
	provider     string
	model        string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.conversation, "conversation", "", "Conversation JSON file (array of {speaker, text})")
	cmd.Flags().StringVar(&f.profile, "profile", "", "Profile JSON file for custom metrics")
	cmd.Flags().StringSliceVar(&f.predefined, "predefined", nil, "Predefined metrics to evaluate")
	cmd.Flags().StringSliceVar(&f.custom, "custom", nil, "Custom metrics to evaluate (requires a locked --profile)")
	cmd.Flags().StringSliceVar(&f.literature, "literature", nil, "Literature metrics to evaluate")
	cmd.Flags().StringVar(&f.provider, "provider", "openai", "LLM provider used by the scoring service")
	cmd.Flags().StringVar(&f.model, "model", "gpt-4o", "LLM model used by the scoring service")
	_ = cmd.MarkFlagRequired("conversation")
}

// build reads the referenced files into a request. Validation is left to
// the evaluator so pre-flight errors surface the same way everywhere.
func (f *requestFlags) build() (*domain.EvaluationRequest, error) {
	turns, err := readConversation(f.conversation)
	if err != nil {
		return nil, err
	}
	req := &domain.EvaluationRequest{
		Conversation:      turns,
		PredefinedMetrics: f.predefined,
		CustomMetrics:     f.custom,
		LiteratureMetrics: f.literature,
		Provider:          f.provider,
		Model:             f.model,
	}
	if f.profile != "" {
		data, err := os.ReadFile(f.profile)
		if err != nil {
			return nil, fmt.Errorf("read profile: %w", err)
		}
		var p domain.Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", f.profile, err)
		}
		req.Profile = &p
	}
	return req, nil
}

// readConversation accepts either a bare array of turns or an object with
// a "conversation" array.
func readConversation(path string) ([]domain.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	data = bytes.TrimSpace(data)

	var turns []domain.Turn
	if bytes.HasPrefix(data, []byte("[")) {
		err = json.Unmarshal(data, &turns)
	} else {
		var wrapped struct {
			Conversation []domain.Turn `json:"conversation"`
		}
		err = json.Unmarshal(data, &wrapped)
		turns = wrapped.Conversation
	}
	if err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", path, err)
	}
	return turns, nil
}

func evaluateCmd(global *globalFlags) *cobra.Command {
	var (
		reqFlags requestFlags
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a conversation and print the merged result as JSON",
		Long: `Runs every selected metric phase concurrently against the scoring
service, printing progress to stderr and the merged result to stdout.
Interrupting the command aborts the run without producing a result.`,
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
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupt)

			sess := session.New(app.Scheduler(), app.logger)
			return runEvaluate(cmd.Context(), sess, req, cmd.OutOrStdout(), progressWriter(cmd.ErrOrStderr(), quiet), interrupt)
		},
	}

	reqFlags.register(cmd)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	return cmd
}

func progressWriter(w io.Writer, quiet bool) io.Writer {
	if quiet {
		return io.Discard
	}
	return w
}

// runEvaluate drives one session run to completion. A value on interrupt
// aborts the run and returns errAborted once its phases have wound down.
func runEvaluate(
	ctx context.Context,
	sess *session.Session,
	req *domain.EvaluationRequest,
	out, progress io.Writer,
	interrupt <-chan os.Signal,
) error {
	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	finished := make(chan session.Outcome, 1)
	if err := sess.Start(ctx, req, func(o session.Outcome) { finished <- o }); err != nil {
		return err
	}

	stop := func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = sess.Wait(waitCtx)
	}

	last := -1
	for {
		select {
		case st := <-updates:
			if st.IsRunning && st.Detail.CompletedMetrics != last {
				last = st.Detail.CompletedMetrics
				fmt.Fprintf(progress, "progress %5.1f%% (%d/%d metrics)\n",
					st.Progress, st.Detail.CompletedMetrics, st.Detail.TotalMetrics)
			}

		case o := <-finished:
			if o.Err != nil {
				return o.Err
			}
			for _, f := range o.Report.Failures {
				fmt.Fprintf(progress, "metric %s (%s) failed: %s\n", f.Metric, f.Phase, f.Reason)
			}
			return writeJSON(out, &evaluation.Output{
				RunID:    o.Report.RunID,
				Result:   o.Report.Result,
				Failures: o.Report.Failures,
				Progress: o.Report.Progress,
			})

		case <-interrupt:
			sess.Abort()
			stop()
			fmt.Fprintln(progress, "evaluation aborted")
			return errAborted

		case <-ctx.Done():
			stop()
			return ctx.Err()
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
