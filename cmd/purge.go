package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricing-webhooks/internal/config"
	"github.com/JakeFAU/pricing-webhooks/internal/logging"
	pgstore "github.com/JakeFAU/pricing-webhooks/internal/storage/postgres"
)

// purger deletes terminal events completed before a cutoff.
type purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close()
}

// openPurger is a variable so tests can avoid a database.
var openPurger = func(ctx context.Context, cfg config.Config) (purger, error) {
	if cfg.Database.Driver != config.DriverPostgres {
		return nil, fmt.Errorf("purge requires database.driver=%s (got %q)", config.DriverPostgres, cfg.Database.Driver)
	}
	store, err := pgstore.NewEventStore(ctx, pgstore.Config{
		DSN:      cfg.Database.DSN,
		Table:    cfg.Database.Table,
		MaxConns: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return store, nil
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finalized events older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			window := cfg.Retention.PurgeAfter
			if olderThan > 0 {
				window = olderThan
			}
			if window <= 0 {
				return fmt.Errorf("retention window must be > 0")
			}
			cutoff := time.Now().UTC().Add(-window)

			store, err := openPurger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Purge(cmd.Context(), cutoff)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			logger.Info("purged finalized events", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events completed before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override retention.purge_after")
	return cmd
}
