package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhruvvurhd/program-upgrade-system/internal/app"
	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
	"github.com/dhruvvurhd/program-upgrade-system/internal/server"
)

func initCmd() *cobra.Command {
	var members []string
	var threshold int
	var timelock time.Duration
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return errors.Newf("%s already exists; use --force to overwrite", path)
			}
			cfg := config.Default()
			cfg.Membership.Members = members
			cfg.Membership.Threshold = threshold
			if threshold == 0 {
				cfg.Membership.Threshold = len(members)/2 + 1
			}
			if timelock > 0 {
				cfg.Timelock.Duration = timelock
			}
			if err := config.Write(workspace, cfg); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(a.Config)
				}
				fmt.Printf("initialized %s: %d members, threshold %d, timelock %s\n",
					path, len(a.Members.Members()), a.Members.Threshold(), a.Config.Timelock.Duration)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&members, "member", nil, "member principal (repeatable)")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "approvals required (default: simple majority)")
	cmd.Flags().DurationVar(&timelock, "timelock", 0, "timelock window for new proposals (default 48h)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in .upgrade/upgrade.yml: membership, timelock window, description limit, migration and rollback policy, webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var principal, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(principal) == "" {
				return errors.New("--principal required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := "upg_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Principal: principal,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "principal": key.Principal, "name": key.Name, "key": secret})
				}
				fmt.Printf("api key %s for %s\n%s\n(shown once; store it now)\n", key.ID, key.Principal, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, principal)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Principal", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Principal, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("api key %s deleted\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var principal string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with UPGRADE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(principal) == "" {
				return errors.New("--principal required")
			}
			serveCfg, err := config.LoadServeConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(serveCfg.JWTSecret, principal, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"principal": principal, "token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}
