package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reservation-engine/internal/config"
	"reservation-engine/internal/domain"
	"reservation-engine/internal/ledger/postgres"
	"reservation-engine/internal/ledger/postgres/migrations"
	"reservation-engine/internal/obs"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema to the configured postgres database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return withLedger(cmd.Context(), v, func(context.Context, *postgres.Ledger) error {
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newOfferCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Manage offers in the postgres catalog",
	}

	var (
		offer     domain.Offer
		status    string
		available int
		pickupEnd string
	)
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or replace an offer and its available units",
		Example: `
  reservationd offer put --id bakery-42 --partner bakery --points 50 --available 12 --hold 20m --pickup-end 2025-06-01T19:00:00Z
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			if offer.ID == "" {
				return errors.New("--id is required")
			}
			if available < 0 {
				return errors.New("--available must not be negative")
			}
			offer.Status = domain.OfferStatus(status)
			switch offer.Status {
			case domain.OfferOpen, domain.OfferPaused, domain.OfferClosed:
			default:
				return fmt.Errorf("unknown offer status %q", status)
			}
			if pickupEnd != "" {
				t, err := time.Parse(time.RFC3339, pickupEnd)
				if err != nil {
					return fmt.Errorf("parse --pickup-end: %w", err)
				}
				offer.PickupEnd = t.UTC()
			}
			return withLedger(cmd.Context(), v, func(ctx context.Context, l *postgres.Ledger) error {
				if err := l.UpsertOffer(ctx, offer, available); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "offer %s: %d units available\n", offer.ID, available)
				return nil
			})
		},
	}
	flags := put.Flags()
	flags.StringVar(&offer.ID, "id", "", "offer id")
	flags.StringVar(&offer.PartnerID, "partner", "", "partner id")
	flags.Int64Var(&offer.PointsPerUnit, "points", 0, "points charged per unit")
	flags.StringVar(&status, "status", string(domain.OfferOpen), "offer status (open, paused, closed)")
	flags.IntVar(&available, "available", 0, "units available for reservation")
	flags.DurationVar(&offer.HoldDuration, "hold", 0, "hold duration (0 uses the daemon default)")
	flags.StringVar(&pickupEnd, "pickup-end", "", "end of the pickup window (RFC3339)")

	cmd.AddCommand(put)
	return cmd
}

func newPointsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "points",
		Short: "Inspect and set customer point balances",
	}

	set := &cobra.Command{
		Use:   "set <customer> <balance>",
		Short: "Set a customer's point balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			balance, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || balance < 0 {
				return fmt.Errorf("invalid balance %q", args[1])
			}
			return withLedger(cmd.Context(), v, func(ctx context.Context, l *postgres.Ledger) error {
				return l.SetBalance(ctx, args[0], balance)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <customer>",
		Short: "Print a customer's point balance and no-show strikes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withLedger(cmd.Context(), v, func(ctx context.Context, l *postgres.Ledger) error {
				balance, err := l.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				strikes, err := l.Strikes(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d points, %d strikes\n", args[0], balance, strikes)
				return nil
			})
		},
	}

	cmd.AddCommand(set, get)
	return cmd
}

// withLedger opens the configured database, applies migrations and runs fn.
func withLedger(ctx context.Context, v *viper.Viper, fn func(context.Context, *postgres.Ledger) error) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.PostgresDSN == "" {
		return errors.New("postgres-dsn is required")
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := openPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}
	return fn(ctx, postgres.New(pool))
}
