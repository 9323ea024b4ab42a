package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhruvvurhd/program-upgrade-system/internal/app"
	"github.com/dhruvvurhd/program-upgrade-system/internal/db"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "upg",
	Short: "Program upgrade governance CLI",
	Long: `upg governs upgrades of a deployed program artifact.
- Members: a fixed set of principals (at most 10) with an approval threshold, configured in .upgrade/upgrade.yml.
- Proposals: a member proposes a target artifact; members approve; reaching the threshold arms the timelock.
- Timelock: once the window elapses anyone may execute the proposal; any member may cancel before that.
- Pause: members can pause the system, which blocks execution and new migrations.
- Migrations: after execution, records are migrated one by one; failures are isolated per record.
- Rollback: pauses, files a compensating proposal back to the previous artifact, then resumes.
- Event log: every transition is recorded, view with 'upg log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		if code := domain.CodeOf(err); code != "internal_error" {
			fmt.Println("code:", code)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("UPGRADE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting principal")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(migrationCmd())
	rootCmd.AddCommand(systemCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log := observability.NewLogger("upg", viper.GetString("log-level"), true)
	a, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor"))
	if id == "" {
		return "", errors.New("--actor required (or set UPGRADE_ACTOR)")
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}
