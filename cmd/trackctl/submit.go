package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/infra/adapters/backend"
	"crm-enrichment/internal/infra/sched"
	"crm-enrichment/internal/usecase"
)

func exitCodeFor(s model.TrackerState) exitCode {
	switch s {
	case model.TrackerStateEnriched:
		return 0
	case model.TrackerStateUnenriched:
		return 2
	case model.TrackerStateTimeout:
		return 3
	default:
		return 1
	}
}

// watchPrinter serializes submit output. Transitions arrive on the poll
// goroutine and may beat the caller to printing the job line.
type watchPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	shown bool
}

func (p *watchPrinter) handle(h *model.TrackingHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handleLocked(h)
}

func (p *watchPrinter) handleLocked(h *model.TrackingHandle) {
	if h == nil || p.shown {
		return
	}
	p.shown = true
	fmt.Fprintf(p.out, "job %s (handle %s)\n", h.JobID, h.ID)
}

func (p *watchPrinter) transition(from model.TrackerState, s model.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handleLocked(s.Handle)
	fmt.Fprintf(p.out, "%s -> %s: %s\n", from, s.State, s.Message)
}

func newSubmitCmd(root *rootFlags) *cobra.Command {
	var (
		workflow    string
		data        string
		interval    time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and poll it until it finishes",
		Long: "Submit a job and poll it until it finishes.\n" +
			"Exit codes: 0 enriched, 2 no data found, 3 timed out, 1 error.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			wc, err := workflowConfig(cfg, workflow)
			if err != nil {
				return err
			}
			if interval > 0 {
				wc.PollInterval = interval
			}
			if maxAttempts > 0 {
				wc.MaxAttempts = maxAttempts
			}
			if data != "" && !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be valid JSON")
			}

			log := root.logger()
			client, err := backend.NewClient(cfg.Backend, log)
			if err != nil {
				return err
			}
			wb := client.Workflow(workflow, wc)
			tr, err := usecase.NewEnrichmentTracker(usecase.TrackerConfig{
				Workflow:  workflow,
				Key:       "cli",
				Budget:    wc.Budget(),
				Resolver:  usecase.NewStateResolver(wc.FoundPath),
				Submitter: wb,
				Poller:    sched.NewStatusPoller(workflow, wb, nil, log),
				Logger:    log,
			})
			if err != nil {
				return err
			}
			defer tr.Close()

			pr := &watchPrinter{out: cmd.OutOrStdout()}
			done := make(chan model.Snapshot, 1)
			tr.OnTransition(func(from model.TrackerState, s model.Snapshot) {
				pr.transition(from, s)
				if s.State.IsTerminal() {
					done <- s
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if err := tr.Submit(ctx, json.RawMessage(data)); err != nil {
				return finish(cmd, tr.Snapshot())
			}
			pr.handle(tr.Snapshot().Handle)

			select {
			case s := <-done:
				return finish(cmd, s)
			case <-ctx.Done():
				tr.Reset()
				return context.Canceled
			}
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", config.WorkflowLeadEnrichment, "workflow name")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().DurationVar(&interval, "interval", 0, "override the poll interval")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override the attempt budget")
	return cmd
}

func finish(cmd *cobra.Command, s model.Snapshot) error {
	out := cmd.OutOrStdout()
	if len(s.Payload) > 0 {
		fmt.Fprintln(out, string(s.Payload))
	}
	if s.LastError != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "reason:", s.LastError)
	}
	if code := exitCodeFor(s.State); code != 0 {
		return code
	}
	return nil
}
