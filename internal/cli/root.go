// Package cli implements the weft operator tooling. Every command is
// strictly read-only against the ledger: the engine writes, operators
// inspect.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/weftworks/weft/internal/store"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Database string
	Format   string // "text" | "json"
	Verbose  bool

	log *zap.Logger
}

// ValidFormats lists the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the weft root command. Flags may also be set
// through the environment (WEFT_DB, WEFT_FORMAT).
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "weft",
		Short:         "weft - pipeline execution ledger tooling",
		Long:          "Read-only inspection of weft execution ledgers: run status, resumability, outstanding rows, and token history.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.Database = viper.GetString("db")
			opts.Format = viper.GetString("format")

			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}

			log, err := newLogger(opts.Verbose)
			if err != nil {
				return err
			}
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the ledger database (env: WEFT_DB)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json) (env: WEFT_FORMAT)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	viper.SetEnvPrefix("WEFT")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("db", cmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("format", cmd.PersistentFlags().Lookup("format"))

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResumeCheckCommand(opts))
	cmd.AddCommand(NewRowsCommand(opts))
	cmd.AddCommand(NewExplainCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))

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

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	return cfg.Build()
}

// openStore opens the configured ledger database.
func (o *RootOptions) openStore() (*store.Store, error) {
	if o.Database == "" {
		return nil, &ExitError{Code: ExitCommandError, Message: "no database: set --db or WEFT_DB"}
	}
	st, err := store.Open(o.Database)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "open ledger", Err: err}
	}
	return st, nil
}

// formatter builds an output formatter writing to the command's stdout.
func (o *RootOptions) formatter(cmd *cobra.Command) *Formatter {
	return &Formatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
