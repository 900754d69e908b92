package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/outboxflow/internal/runtime/config"
)

// LoadConfig reads the YAML configuration at path.
func LoadConfig(path string) (*configpkg.Config, error) {
	return configpkg.Load(path)
}

// DecodeConfig is LoadConfig for an already open reader.
func DecodeConfig(r io.Reader) (*configpkg.Config, error) {
	return configpkg.Decode(r)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, map[string]any{
				"valid":   true,
				"backend": cfg.Backend(),
				"codec":   cfg.CodecName(),
			}, fmt.Sprintf("%s is valid (backend %s, codec %s)\n", rootOpts.ConfigPath, cfg.Backend(), cfg.CodecName()))
		},
	}
}
