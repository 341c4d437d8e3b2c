package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/biblio-ingest/pkg/client"
	"github.com/Sternrassler/biblio-ingest/pkg/pagination"
)

func validateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and referenced credentials without sending requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			creds, err := cfg.ResolveCredentials()
			if err != nil {
				return err
			}
			if _, err := pagination.New(cfg.PaginationConfig()); err != nil {
				return err
			}
			// building the transport checks auth, base URL and retries
			if _, err := client.New(cfg.ClientConfig(creds), nil, a.logger); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: source=%s strategy=%s auth=%s ledger=%s artifacts=%s\n",
				cfg.API.Name, cfg.Pagination.Strategy, cfg.Authentication.Type, cfg.Storage.Ledger, cfg.Storage.Artifacts)
			return nil
		},
	}
}
