// Package cli implements the outboxflow command line: outbox migrations,
// the standalone relay and pending row inspection.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/outboxflow/internal/runtime/config"
	loggingpkg "github.com/drblury/outboxflow/internal/runtime/logging"
	_ "github.com/drblury/outboxflow/transport/transports"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the outboxflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "outboxflow",
		Short: "outboxflow - transactional outbox tooling",
		Long:  "Operate the outbox table and relay of an outboxflow deployment.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "outboxflow.yaml", "path to the YAML configuration")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// load reads the configuration named by the global flags.
func (o *RootOptions) load() (*configpkg.Config, error) {
	return LoadConfig(o.ConfigPath)
}

// logger writes to w, at debug level when verbose.
func (o *RootOptions) logger(w io.Writer) loggingpkg.ServiceLogger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
