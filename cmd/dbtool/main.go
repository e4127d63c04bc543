package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/tarot-reading/backend/internal/billing"
	"github.com/PortNumber53/tarot-reading/backend/internal/config"
	"github.com/PortNumber53/tarot-reading/backend/internal/logging"
	"github.com/PortNumber53/tarot-reading/backend/internal/migrations"
	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/store"
)

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbtool",
		Short:         "Schema and catalog maintenance for the billing database",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(migrateCmd(), catalogCmd(), sweepGraceCmd())
	return root
}

// openDB loads configuration and returns a pinged connection.
func openDB(ctx context.Context) (config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Setup(cfg.LogLevel, "console")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return config.Config{}, nil, fmt.Errorf("ping database: %w", err)
	}
	return cfg, db, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.Up(db)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			v, dirty, err := migrations.Status(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "fix",
		Short: "Recover from a dirty migration state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.FixDirtyDatabase(db)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Record a schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version number: %s", args[0])
			}
			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			log.Warn().Uint64("version", v).Msg("forcing schema version")
			return migrations.ForceVersion(db, uint(v))
		},
	})

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the price catalog",
	}

	var productID string
	setPrice := &cobra.Command{
		Use:   "set-price <slug> <stripe-price-id> <price-cents> <currency> [interval]",
		Short: "Point a plan at a new Stripe price, deprecating the old one",
		Args:  cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || cents < 0 {
				return fmt.Errorf("invalid price cents: %s", args[2])
			}
			v := &models.PlanVersion{
				StripePriceID: strings.TrimSpace(args[1]),
				PriceCents:    cents,
				Currency:      strings.ToLower(args[3]),
			}
			if len(args) == 5 {
				v.BillingInterval = args[4]
			}
			if productID != "" {
				v.StripeProductID = &productID
			}

			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			plans, err := store.NewPlanStore(db)
			if err != nil {
				return err
			}
			if err := plans.SetActivePrice(cmd.Context(), args[0], v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now at version %d (%s)\n", args[0], v.Version, v.StripePriceID)
			return nil
		},
	}
	setPrice.Flags().StringVar(&productID, "product", "", "Stripe product id for the price")
	cmd.AddCommand(setPrice)

	return cmd
}

func sweepGraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-grace",
		Short: "Expire past_due subscriptions whose grace period has lapsed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := store.New(db)
			if err != nil {
				return err
			}
			plans, err := store.NewPlanStore(db)
			if err != nil {
				return err
			}
			svc := billing.NewService(st, plans, nil, billing.Options{GracePeriod: cfg.GracePeriod})
			ids, err := svc.SweepGrace(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			log.Info().Int("expired", len(ids)).Msg("grace sweep complete")
			return nil
		},
	}
}
