package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/biblio-ingest/internal/config"
	"github.com/Sternrassler/biblio-ingest/internal/server"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
)

func serveCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			creds, err := cfg.ResolveCredentials()
			if err != nil {
				// the status API never calls the provider
				a.logger.Warn().Err(err).Msg("Credentials unresolved")
			}

			// artifacts are not read by the status API
			cfg.Storage.Artifacts = config.ArtifactsNone
			b, err := openBackends(cmd.Context(), cfg, creds, false, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			var usage server.Usage
			if cfg.Storage.Ledger != config.LedgerMemory {
				usage = ratelimit.NewLimiter(cfg.RateLimitConfig(), b.ledger, a.logger)
			}

			if a.debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			return server.New(b.store, usage, a.logger).Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
