package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhruvvurhd/program-upgrade-system/internal/app"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/engine"
)

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:     "proposal",
		Aliases: []string{"p"},
		Short:   "Manage upgrade proposals",
		Long:    "Proposals move proposed -> approved -> timelock_active -> executed; any member may cancel before execution.",
	}
	p.AddCommand(proposalSubmitCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalExecuteCmd())
	p.AddCommand(proposalCancelCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalApprovalsCmd())
	return p
}

func proposalSubmitCmd() *cobra.Command {
	var target, desc string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Propose an upgrade to a target artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			if strings.TrimSpace(target) == "" {
				return errors.New("--target required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Submit(ctx, who, target, desc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("proposal %s submitted (timelock %s)\n", p.ID, p.TimelockDuration())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target artifact identifier")
	cmd.Flags().StringVar(&desc, "description", "", "free-text description")
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a proposal as the acting member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Approve(ctx, args[0], who)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("approvals %d/%d, status %s\n", res.ApprovalCount, res.Threshold, res.Status)
				if res.TimelockJustActivated && res.TimelockExpiresAt != nil {
					fmt.Printf("timelock armed; executable %s (%s)\n", humanize.Time(*res.TimelockExpiresAt), res.TimelockExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	return cmd
}

func proposalExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <proposal-id>",
		Short: "Execute a proposal whose timelock has elapsed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Execute(ctx, args[0], who)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				prev := res.PreviousArtifact
				if prev == "" {
					prev = "(none)"
				}
				fmt.Printf("executed %s: %s -> %s\n", res.ProposalID, prev, res.TargetArtifact)
				return nil
			})
		},
	}
	return cmd
}

func proposalCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <proposal-id>",
		Short: "Cancel a proposal that has not executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Cancel(ctx, args[0], who, reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("cancelled %s: %s\n", p.ID, p.CancelReason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProposals(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Status", "Target", "Approvals", "Proposer", "Created", "Timelock"})
				for _, p := range items {
					tw.AppendRow(table.Row{
						p.ID, p.Status, p.TargetArtifact,
						fmt.Sprintf("%d/%d", p.ApprovalCount, a.Members.Threshold()),
						p.Proposer, humanize.Time(p.CreatedAt), timelockLabel(p, a.Engine.Now()),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum proposals")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable(table.Row{"Field", "Value"})
				tw.AppendRows([]table.Row{
					{"id", p.ID},
					{"status", p.Status},
					{"proposer", p.Proposer},
					{"target", p.TargetArtifact},
					{"previous", p.PreviousArtifact},
					{"description", p.Description},
					{"approvals", fmt.Sprintf("%d/%d %s", p.ApprovalCount, a.Members.Threshold(), strings.Join(p.Approvers, ","))},
					{"timelock", fmt.Sprintf("%s, %s", p.TimelockDuration(), timelockLabel(p, a.Engine.Now()))},
					{"created", p.CreatedAt.Format(time.RFC3339)},
				})
				if p.ExecutedAt != nil {
					tw.AppendRow(table.Row{"executed", fmt.Sprintf("%s by %s", p.ExecutedAt.Format(time.RFC3339), p.ExecutedBy)})
				}
				if p.CancelledAt != nil {
					tw.AppendRow(table.Row{"cancelled", fmt.Sprintf("%s by %s: %s", p.CancelledAt.Format(time.RFC3339), p.CancelledBy, p.CancelReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func proposalApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals <proposal-id>",
		Short: "List the recorded approvals of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Approvals(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Principal", "Approved"})
				for _, ap := range items {
					tw.AppendRow(table.Row{ap.Principal, ap.ApprovedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// timelockLabel renders the window state relative to now.
func timelockLabel(p domain.Proposal, now time.Time) string {
	g, ok := engine.GuardFor(p)
	if !ok {
		return "not armed"
	}
	exp, err := g.ExpiresAt()
	if err != nil {
		return err.Error()
	}
	if p.Status != domain.StatusTimelockActive {
		return "armed " + exp.Format(time.RFC3339)
	}
	if !now.Before(exp) {
		return "elapsed " + humanize.Time(exp)
	}
	return "executable " + humanize.RelTime(exp, now, "ago", "from now")
}
