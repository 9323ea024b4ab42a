package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhruvvurhd/program-upgrade-system/internal/app"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

func systemCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "system",
		Short: "Inspect and pause the system",
	}
	s.AddCommand(systemStatusCmd())
	s.AddCommand(systemPauseCmd(true))
	s.AddCommand(systemPauseCmd(false))
	return s
}

type systemStatus struct {
	domain.SystemState
	Members   []string `json:"members"`
	Threshold int      `json:"threshold"`
}

func systemStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show membership, pause flag and current artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				state, err := a.Members.State(ctx)
				if err != nil {
					return err
				}
				return printState(a, state)
			})
		},
	}
	return cmd
}

func systemPauseCmd(pause bool) *cobra.Command {
	use, short := "pause", "Pause execution and new migrations"
	if !pause {
		use, short = "resume", "Lift a pause"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var state domain.SystemState
				if pause {
					state, err = a.Members.Pause(ctx, who)
				} else {
					state, err = a.Members.Resume(ctx, who)
				}
				if err != nil {
					return err
				}
				return printState(a, state)
			})
		},
	}
	return cmd
}

func printState(a *app.App, state domain.SystemState) error {
	if viper.GetBool("json") {
		return printJSON(systemStatus{SystemState: state, Members: a.Members.Members(), Threshold: a.Members.Threshold()})
	}
	tw := newTable(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"paused", state.Paused},
		{"current artifact", state.CurrentArtifact},
		{"members", strings.Join(a.Members.Members(), ", ")},
		{"threshold", fmt.Sprintf("%d of %d", a.Members.Threshold(), len(a.Members.Members()))},
	})
	if state.UpdatedAt != nil {
		tw.AppendRow(table.Row{"updated", fmt.Sprintf("%s by %s", state.UpdatedAt.Format(time.RFC3339), state.UpdatedBy)})
	}
	tw.Render()
	return nil
}

func rollbackCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back an executed upgrade",
		Long:  "A rollback pauses the system, submits a compensating proposal targeting the previous artifact and resumes. The compensating proposal still needs approvals and its own timelock.",
	}
	r.AddCommand(rollbackRunCmd())
	r.AddCommand(rollbackEvaluateCmd())
	r.AddCommand(rollbackListCmd())
	return r
}

func rollbackRunCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "run <proposal-id>",
		Short: "Roll back an executed proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Rollback.ExecuteRollback(ctx, args[0], reason, who)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("rollback %s recorded; compensating proposal %s targets %s\n",
					res.Rollback.ID, res.CompensatingProposal.ID, res.CompensatingProposal.TargetArtifact)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the upgrade is being rolled back")
	return cmd
}

func rollbackEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <proposal-id>",
		Short: "Check the failure-rate policy and roll back if it fires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Rollback.Evaluate(ctx, args[0], who)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				if !ev.ShouldRollback {
					fmt.Println("policy did not fire; no rollback")
					return nil
				}
				fmt.Printf("rolled back: %s\n", ev.Reason)
				if ev.Result != nil {
					fmt.Printf("compensating proposal %s\n", ev.Result.CompensatingProposal.ID)
				}
				return nil
			})
		},
	}
	return cmd
}

func rollbackListCmd() *cobra.Command {
	var proposalID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded rollbacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Rollback.List(ctx, proposalID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Proposal", "Compensating", "By", "At", "Reason"})
				for _, rb := range items {
					tw.AppendRow(table.Row{rb.ID, rb.ProposalID, rb.CompensatingProposalID, rb.ExecutedBy, rb.CreatedAt.Format(time.RFC3339), rb.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "only rollbacks of this proposal")
	return cmd
}

func monitorCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "monitor",
		Short: "Announce elapsed timelocks",
	}
	m.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Scan once and emit timelock.expired for newly elapsed windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ids, err := a.Monitor.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"announced": ids})
				}
				if len(ids) == 0 {
					fmt.Println("no newly elapsed timelocks")
					return nil
				}
				for _, id := range ids {
					fmt.Printf("timelock elapsed: %s\n", id)
				}
				return nil
			})
		},
	})
	return m
}
