// Package commands provides the CLI command implementations for newton.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-newton/cli/config"
	"github.com/AshkanYarmoradi/go-newton/cli/styles"
	"github.com/AshkanYarmoradi/go-newton/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// ErrNoConfig is returned when no newton.yaml can be found.
var ErrNoConfig = errors.New("no newton.yaml found")

// env is the state shared by the subcommands of one root command.
type env struct {
	configPath  string
	noColor     bool
	openRuntime RuntimeFactory
}

// loadConfig reads --config, or the nearest newton.yaml above the working
// directory, and validates it.
func (e *env) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if e.configPath != "" {
		cfg, err = config.LoadFile(e.configPath)
	} else {
		var cwd string
		if cwd, err = os.Getwd(); err == nil {
			_, cfg, err = config.FindConfig(cwd)
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: run 'newton init' first", ErrNoConfig)
	}
	if err != nil {
		return nil, err
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return cfg, nil
}

// runtime loads the configuration and opens its runtime. The caller closes it.
func (e *env) runtime(cmd *cobra.Command) (*Runtime, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.Logging, cmd.ErrOrStderr())
	return e.openRuntime(commandContext(cmd), cfg, logger)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewRootCommand creates the root command for the newton CLI
func NewRootCommand() *cobra.Command {
	return newRootCommand(OpenRuntime)
}

func newRootCommand(factory RuntimeFactory) *cobra.Command {
	e := &env{openRuntime: factory}

	rootCmd := &cobra.Command{
		Use:   "newton",
		Short: "Event sourcing and saga orchestration for Go",
		Long: ui.SimpleBanner() + `

newton rebuilds aggregates from their event streams and orchestrates
sagas across them. This tool prepares a store and inspects what is in it.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("newton init") + `                Write a newton.yaml
  ` + styles.Code.Render("newton migrate") + `             Create the postgres tables
  ` + styles.Code.Render("newton demo") + `                Run the order fulfillment saga
  ` + styles.Code.Render("newton stream list") + `         Show the streams and their versions`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if e.noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "Path to newton.yaml (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().BoolVar(&e.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newMigrateCommand(e))
	rootCmd.AddCommand(newStreamCommand(e))
	rootCmd.AddCommand(newSagaCommand(e))
	rootCmd.AddCommand(newDemoCommand(e))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}
