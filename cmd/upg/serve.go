package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dhruvvurhd/program-upgrade-system/internal/app"
	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/observability"
	"github.com/dhruvvurhd/program-upgrade-system/internal/server"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server, timelock monitor and webhook dispatcher",
		Long: `Settings come from the environment:
  UPGRADE_ADDR, UPGRADE_BASE_PATH, UPGRADE_JWT_SECRET, UPGRADE_ALLOW_LEGACY_PRINCIPAL_HEADER,
  UPGRADE_LOG_LEVEL, UPGRADE_PRETTY_LOGS, UPGRADE_OTEL_ENDPOINT.
--addr and --base-path override the environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveCfg, err := config.LoadServeConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				serveCfg.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				serveCfg.BasePath = basePath
			}
			log := observability.NewLogger("upg", serveCfg.LogLevel, serveCfg.PrettyLogs)

			ctx := cmd.Context()
			shutdownTracing, err := observability.SetupTracing(ctx, "upg", serveCfg.OTelEndpoint)
			if err != nil {
				return errors.Wrap(err, "tracing")
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown")
				}
			}()

			a, err := app.Open(ctx, viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer a.Close()

			if n, err := a.Runner.RecoverInterrupted(ctx); err != nil {
				return err
			} else if n > 0 {
				log.Warn().Int("jobs", n).Msg("cancelled migrations interrupted by a previous shutdown")
			}

			if serveCfg.JWTSecret == "" && !serveCfg.AllowLegacyPrincipalHeader {
				log.Warn().Msg("UPGRADE_JWT_SECRET not set; only API keys will authenticate")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Runner:   a.Runner,
				Rollback: a.Rollback,
				BasePath: serveCfg.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:                  serveCfg.JWTSecret,
					AllowLegacyPrincipalHeader: serveCfg.AllowLegacyPrincipalHeader,
				},
				Log: log.With().Str("component", "http").Logger(),
			})
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", serveCfg.Addr)
			if err != nil {
				return err
			}
			srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			hooks := server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, log.With().Str("component", "webhooks").Logger())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error { return a.Monitor.Run(gctx) })
			g.Go(func() error { return hooks.Run(gctx) })

			fmt.Printf("Serving Program Upgrade API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				ln.Addr(), serveCfg.BasePath, serveCfg.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}
