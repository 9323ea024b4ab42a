package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhruvvurhd/program-upgrade-system/internal/app"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

func migrationCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "migration",
		Short: "Run and inspect record migrations",
		Long:  "A migration walks the record refs of an executed proposal in order; a failing record is logged and skipped.",
	}
	m.AddCommand(migrationStartCmd())
	m.AddCommand(migrationProgressCmd())
	m.AddCommand(migrationFailuresCmd())
	m.AddCommand(migrationCancelCmd())
	m.AddCommand(migrationRecoverCmd())
	return m
}

func migrationStartCmd() *cobra.Command {
	var refs []string
	var file string
	cmd := &cobra.Command{
		Use:   "start <proposal-id>",
		Short: "Start migrating records for an executed proposal",
		Long:  "The command stays attached until the job finishes; interrupting it cancels the job. Use 'upg serve' for long-running jobs.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			if file != "" {
				fromFile, err := readRefs(file)
				if err != nil {
					return err
				}
				refs = append(refs, fromFile...)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Runner.Start(ctx, args[0], refs, who)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("migration %s started for %s records\n", job.ID, humanize.Comma(int64(job.Total)))
				}
				progress, err := a.Runner.Wait(ctx, job.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(progress)
				}
				printProgress(progress)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&refs, "ref", nil, "record reference (repeatable or comma separated)")
	cmd.Flags().StringVar(&file, "file", "", "file with one record reference per line")
	return cmd
}

func migrationProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Show migration progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				progress, err := a.Runner.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(progress)
				}
				printProgress(progress)
				return nil
			})
		},
	}
	return cmd
}

func migrationFailuresCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "failures <job-id>",
		Short: "List records that failed to migrate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.MigrationItemResult
				var err error
				if all {
					items, err = a.Runner.Items(ctx, args[0])
				} else {
					items, err = a.Runner.FailedItems(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"#", "Record", "Outcome", "Versions", "Error"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Seq, it.RecordRef, it.Outcome, fmt.Sprintf("%d -> %d", it.SourceVersion, it.TargetVersion), it.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include successful records")
	return cmd
}

func migrationCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a migration job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				progress, err := a.Runner.Cancel(ctx, args[0], who)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(progress)
				}
				printProgress(progress)
				return nil
			})
		},
	}
	return cmd
}

func migrationRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark jobs left unfinished by a stopped process as cancelled",
		Long:  "Run only while no 'upg serve' or 'upg migration start' process is using the workspace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Runner.RecoverInterrupted(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"recovered": n})
				}
				fmt.Printf("%d interrupted job(s) marked cancelled\n", n)
				return nil
			})
		},
	}
	return cmd
}

func printProgress(p domain.Progress) {
	fmt.Printf("job %s: %s, %s/%s records (%.1f%%), %s failed\n",
		p.JobID, p.Status, humanize.Comma(int64(p.Completed)), humanize.Comma(int64(p.Total)), p.Percentage, humanize.Comma(int64(p.Failed)))
}

func readRefs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var refs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	return refs, sc.Err()
}
