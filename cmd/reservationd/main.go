package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reservation-engine/internal/config"
	"reservation-engine/internal/obs"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "reservationd",
		Short:         "reservationd runs the reservation lifecycle engine for surplus-goods offers",
		SilenceErrors: true,
		Example: `
  # In-memory store and ledgers seeded from a YAML file, hooks delivered in-process
  reservationd --seed-file ./seed.yaml

  # Redis store, hooks and sweeps through asynq, ledgers in postgres
  RESERVE_STORE=redis RESERVE_HOOK_MODE=asynq RESERVE_SWEEP_MODE=asynq \
  RESERVE_POSTGRES_DSN=postgres://localhost/reserve reservationd
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := obs.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}

	config.RegisterFlags(cmd.PersistentFlags())
	if err := config.Bind(v, cmd.PersistentFlags()); err != nil {
		panic(err)
	}

	cmd.AddCommand(newMigrateCommand(v))
	cmd.AddCommand(newOfferCommand(v))
	cmd.AddCommand(newPointsCommand(v))
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
