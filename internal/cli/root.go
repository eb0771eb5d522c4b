package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"qrattend/internal/app"
	"qrattend/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	DataDir string

	// Load reads the station configuration; tests replace it.
	Load func() config.App
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for attendctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(config.Load)
}

func newRootCommand(load func() config.App) *cobra.Command {
	opts := &RootOptions{Load: load}

	cmd := &cobra.Command{
		Use:   "attendctl",
		Short: "Operate an offline-first attendance station",
		Long: `attendctl works directly on a station's data directory: it records
scans, reports daily status, runs sync cycles and inspects the offline queue
and sync journal. Settings come from the same environment as the kiosk server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "station data directory (overrides DATA_DIR)")

	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewMarkAbsentCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) config() config.App {
	cfg := o.Load()
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	return cfg
}

// open builds the station for one command.
func (o *RootOptions) open(ctx context.Context) (*app.App, error) {
	a, err := app.Build(ctx, o.config())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open station", err)
	}
	return a, nil
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}
