package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/outboxflow/internal/runtime"
	"github.com/drblury/outboxflow/internal/runtime/codec"
	configpkg "github.com/drblury/outboxflow/internal/runtime/config"
	"github.com/drblury/outboxflow/internal/runtime/outbox"
)

var errNotOutbox = errors.New("publish_backend must be outbox")

func openStore(ctx context.Context, cfg *configpkg.Config) (*outbox.Store, error) {
	if cfg.Backend() != configpkg.BackendOutbox {
		return nil, errNotOutbox
	}
	dialect, err := outbox.ParseDialect(cfg.OutboxDialect)
	if err != nil {
		return nil, err
	}
	return outbox.Open(ctx, dialect, cfg.OutboxDSN, outbox.WithTable(cfg.Table()))
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the outbox table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format,
				map[string]any{"table": store.Table(), "dialect": string(store.Dialect())},
				fmt.Sprintf("outbox table %s ready\n", store.Table()))
		},
	}
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of rows waiting for the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			count, err := store.Count(ctx)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format,
				map[string]any{"table": store.Table(), "pending": count},
				fmt.Sprintf("%d pending\n", count))
		},
	}
}

// RelayOptions holds the relay command flags.
type RelayOptions struct {
	Once    bool
	Migrate bool
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish committed outbox rows to the broker",
		Long: `Run the outbox relay without the application.

The relay polls the outbox table every relay_interval, publishes up to
relay_batch_limit rows in insertion order and deletes them once the broker
accepted them. It stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "create the outbox table first")
	return cmd
}

func runRelay(cmd *cobra.Command, rootOpts *RootOptions, opts *RelayOptions) error {
	cfg, err := rootOpts.load()
	if err != nil {
		return err
	}
	if cfg.Backend() != configpkg.BackendOutbox {
		return errNotOutbox
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rows are already encoded; the codec is never used by the relay.
	svc, err := runtimepkg.NewService(cfg, rootOpts.logger(cmd.ErrOrStderr()), ctx, runtimepkg.ServiceDependencies{
		Codec: codec.NewJSONCodec(),
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if opts.Migrate {
		if err := svc.Migrate(ctx); err != nil {
			return err
		}
	}

	if opts.Once {
		res, err := svc.Relay().RunOnce(ctx)
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), rootOpts.Format, map[string]any{
			"selected": res.Selected,
			"relayed":  res.Relayed,
			"failed":   res.Failed,
			"pending":  res.Pending,
		}, fmt.Sprintf("relayed %d of %d rows, %d failed, %d pending\n", res.Relayed, res.Selected, res.Failed, res.Pending))
	}

	if err := svc.Relay().Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
