package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/cli/styles"
	"github.com/AshkanYarmoradi/go-newton/cli/ui"
)

func newSagaCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect persisted sagas",
		Long: `Inspect saga records and the interest index of the configured saga store.

Examples:
  newton saga list --type OrderFulfillment
  newton saga show 6f1c...
  newton saga interests StockReserved`,
	}

	cmd.AddCommand(newSagaListCommand(e))
	cmd.AddCommand(newSagaShowCommand(e))
	cmd.AddCommand(newSagaInterestsCommand(e))

	return cmd
}

func sagaStatus(record *adapters.SagaRecord) string {
	if record.Complete {
		return "complete"
	}
	return "active"
}

func newSagaListCommand(e *env) *cobra.Command {
	var (
		sagaType string
		limit    int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List sagas, newest first",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, err := e.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			lister, ok := rt.Store.(sagaLister)
			if !ok {
				return fmt.Errorf("driver %s cannot list sagas", rt.Config.Database.Driver)
			}
			records, err := lister.List(commandContext(cmd), sagaType, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No sagas found"))
				return nil
			}

			table := ui.NewTable("ID", "Type", "Status", "Version", "Trigger", "Updated")
			for _, r := range records {
				table.AddRow(r.ID, r.Type, ui.StatusBadge(sagaStatus(r)),
					strconv.FormatInt(r.Version, 10), r.TriggerType, r.UpdatedAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}

	cmd.Flags().StringVarP(&sagaType, "type", "t", "", "Only list sagas of this type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of sagas (0 = all)")
	return cmd
}

func newSagaShowCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Show one saga record and its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, err := e.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			record, err := rt.Store.Get(commandContext(cmd), args[0])
			if errors.Is(err, adapters.ErrSagaNotFound) {
				return fmt.Errorf("saga %s not found", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(out, styles.Title.Render(styles.IconSaga+" "+record.Type))
			fmt.Fprintln(out, styles.FormatKeyValue("ID", record.ID))
			fmt.Fprintln(out, styles.FormatKeyValue("Status", sagaStatus(record)))
			fmt.Fprintln(out, styles.FormatKeyValue("Version", strconv.FormatInt(record.Version, 10)))
			fmt.Fprintln(out, styles.FormatKeyValue("Started by", record.TriggerType))
			fmt.Fprintln(out, styles.FormatKeyValue("Created", record.CreatedAt.Format(time.RFC3339)))
			fmt.Fprintln(out, styles.FormatKeyValue("Updated", record.UpdatedAt.Format(time.RFC3339)))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Subtitle.Render("State ("+rt.Codec.Name()+")"))
			fmt.Fprintln(out, styles.Box.Render(formatState(record.Data)))
			return nil
		},
	}
}

// formatState indents JSON state and summarizes binary state.
func formatState(data []byte) string {
	var buf bytes.Buffer
	if json.Valid(data) && json.Indent(&buf, data, "", "  ") == nil {
		return buf.String()
	}
	return fmt.Sprintf("%d bytes", len(data))
}

func newSagaInterestsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "interests <event-type>",
		Short: "Show which sagas wait for an event type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, err := e.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			interests, err := rt.Store.InterestsFor(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if len(interests) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No saga is waiting for "+args[0]))
				return nil
			}

			table := ui.NewTable("Saga", "Type", "Key")
			for _, in := range interests {
				key := in.Key
				if key == "" {
					key = "*"
				}
				table.AddRow(in.SagaID, in.SagaType, key)
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}
