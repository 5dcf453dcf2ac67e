package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/cli/config"
	"github.com/AshkanYarmoradi/go-newton/cli/styles"
)

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the stream and saga tables",
		Long: `Create the schema, stream tables and saga tables of the configured database.
Migrations are idempotent and safe to run on every deploy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, err := e.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.Config.Database.Driver == config.DriverMemory {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}

			ctx := commandContext(cmd)
			steps := []struct {
				name   string
				target interface{}
			}{
				{"stream tables", unwrapClient(rt.Client)},
				{"saga tables", rt.Store},
			}

			for i, step := range steps {
				initializer, ok := step.target.(adapters.Initializer)
				if !ok {
					fmt.Fprintln(out, styles.FormatStep(i+1, len(steps), styles.Muted.Render(step.name+" (nothing to do)")))
					continue
				}
				if err := initializer.Initialize(ctx); err != nil {
					return fmt.Errorf("migrate %s: %w", step.name, err)
				}
				fmt.Fprintln(out, styles.FormatStep(i+1, len(steps), step.name))
			}

			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Schema %q is up to date", rt.Config.Database.Schema)))
			return nil
		},
	}
}
