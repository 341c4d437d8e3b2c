package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/biblio-ingest/pkg/client"
	"github.com/Sternrassler/biblio-ingest/pkg/ingest"
	"github.com/Sternrassler/biblio-ingest/pkg/logging"
	"github.com/Sternrassler/biblio-ingest/pkg/pagination"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
	"github.com/Sternrassler/biblio-ingest/pkg/recovery"
)

type runOptions struct {
	entities     string
	runID        string
	useCache     bool
	validateOnly bool
}

func runCommand(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest every entity of the list that is not yet completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.entities, "entities", "", "file with one entity id per line")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "resume or name a run (default: generated)")
	cmd.Flags().BoolVar(&opts.useCache, "cache", false, "serve repeated requests from the response cache")
	cmd.Flags().BoolVar(&opts.validateOnly, "validate-only", false, "check config, credentials and entity list, then exit")
	return cmd
}

func (a *app) run(cmd *cobra.Command, opts runOptions) error {
	ctx := cmd.Context()
	cfg := a.cfg

	if err := cfg.Validate(); err != nil {
		return err
	}
	creds, err := cfg.ResolveCredentials()
	if err != nil {
		return err
	}
	if opts.entities == "" {
		return errors.New("--entities is required")
	}
	entities, err := ingest.LoadEntities(opts.entities)
	if err != nil {
		return err
	}

	strategy, err := pagination.New(cfg.PaginationConfig())
	if err != nil {
		return err
	}
	if opts.validateOnly {
		fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: source=%s strategy=%s entities=%d\n",
			cfg.API.Name, strategy.Kind(), len(entities))
		return nil
	}

	runID := opts.runID
	if runID == "" {
		runID = ingest.NewRunID(cfg.API.Name, time.Now())
	}
	log := logging.ForRun("cli", cfg.API.Name, runID)

	b, err := openBackends(ctx, cfg, creds, opts.useCache || cfg.Cache.Enabled, a.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	limiter := ratelimit.NewLimiter(cfg.RateLimitConfig(), b.ledger, a.logger)
	c, err := client.New(cfg.ClientConfig(creds), limiter, a.logger)
	if err != nil {
		return err
	}

	orchestrator, err := ingest.New(cfg.IngestConfig(), ingest.Deps{
		Fetcher:   c,
		Strategy:  strategy,
		Planner:   recovery.NewPlanner(b.store, b.artifacts, strategy, cfg.API.Name, a.logger),
		Store:     b.store,
		Quota:     limiter,
		Cache:     b.cache,
		Artifacts: b.artifacts,
	}, a.logger)
	if err != nil {
		return err
	}

	log.Info().
		Int("entities", len(entities)).
		Str("state_db", b.store.Path()).
		Bool("cache", b.cache != nil).
		Msg("Run starting")

	result, runErr := orchestrator.Run(ctx, entities, runID)
	if result != nil {
		out, err := json.MarshalIndent(result.Manifest, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}

	switch {
	case runErr != nil:
		return &exitError{code: exitFatal, err: fmt.Errorf("run %s aborted (%s): %w", runID, ingest.Classify(runErr), runErr)}
	case result.Status == ingest.StatusPartial:
		log.Warn().Int("failed", result.Manifest.FailedEntities).Msg("Run finished with failed entities")
		return &exitError{code: exitPartial}
	}
	return nil
}
