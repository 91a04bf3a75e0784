package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/infra/adapters/backend"
	"crm-enrichment/internal/usecase"
)

func newStatusCmd(root *rootFlags) *cobra.Command {
	var workflow string
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Fetch a job's status once and show how it would be resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			wc, err := workflowConfig(cfg, workflow)
			if err != nil {
				return err
			}
			client, err := backend.NewClient(cfg.Backend, root.logger())
			if err != nil {
				return err
			}
			res, err := client.Workflow(workflow, wc).FetchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			d := usecase.NewStateResolver(wc.FoundPath).Resolve(model.PollResult{
				Status:     res.Status,
				Payload:    res.Payload,
				Attempt:    1,
				ReceivedAt: time.Now(),
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:    %s\n", res.Status)
			fmt.Fprintf(out, "directive: %s\n", d.Kind)
			if d.Reason != "" {
				fmt.Fprintf(out, "reason:    %s\n", d.Reason)
			}
			fmt.Fprintln(out, string(res.Payload))
			return nil
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", config.WorkflowLeadEnrichment, "workflow name")
	return cmd
}
