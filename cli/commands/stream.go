package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/cli/styles"
	"github.com/AshkanYarmoradi/go-newton/cli/ui"
)

func newStreamCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect event streams",
		Long: `Inspect private aggregate streams ("aggregate/<id>") and broadcast
streams ("<bounded context>/<AggregateType>").

Examples:
  newton stream list
  newton stream replay aggregate/order-1
  newton stream replay shop/Order --mode live --wait 30s`,
	}

	cmd.AddCommand(newStreamListCommand(e))
	cmd.AddCommand(newStreamReplayCommand(e))

	return cmd
}

func newStreamListCommand(e *env) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List streams with their versions",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, err := e.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			lister, ok := unwrapClient(rt.Client).(streamLister)
			if !ok {
				return fmt.Errorf("driver %s cannot list streams", rt.Config.Database.Driver)
			}
			streams, err := lister.Streams(commandContext(cmd))
			if err != nil {
				return err
			}

			names := make([]string, 0, len(streams))
			for name := range streams {
				if strings.HasPrefix(name, prefix) {
					names = append(names, name)
				}
			}
			sort.Strings(names)

			if len(names) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No streams found"))
				return nil
			}

			table := ui.NewTable("Stream", "Version")
			for _, name := range names {
				table.AddRow(name, strconv.FormatInt(streams[name], 10))
			}
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("%d stream(s)", len(names))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Only list streams starting with prefix")
	return cmd
}

func newStreamReplayCommand(e *env) *cobra.Command {
	var (
		mode     string
		limit    int
		wait     time.Duration
		showData bool
	)

	cmd := &cobra.Command{
		Use:   "replay <stream>",
		Short: "Print the events of a stream",
		Long: `Subscribe to a stream and print what it delivers.

Modes:
  replay            the recorded history, then stop (default)
  replay-then-live  the history, then new events until --wait or --limit
  live              only new events, until --wait or --limit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			replayMode, err := adapters.ParseReplayMode(mode)
			if err != nil {
				return err
			}

			rt, err := e.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			events, err := collectStream(commandContext(cmd), rt.Client, args[0], replayMode, limit, wait)
			if err != nil {
				return err
			}

			if len(events) == 0 {
				fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("No events on %s", args[0])))
				return nil
			}

			headers := []string{"Version", "Position", "Type", "Aggregate", "Correlation", "Time"}
			if showData {
				headers = append(headers, "Data")
			}
			table := ui.NewTable(headers...)
			for _, ev := range events {
				row := []string{
					strconv.FormatInt(ev.Version, 10),
					strconv.FormatUint(ev.GlobalPosition, 10),
					ev.Type,
					ev.Metadata.AggregateID,
					ev.Metadata.CorrelationID,
					ev.Timestamp.Format(time.RFC3339),
				}
				if showData {
					row = append(row, formatData(ev.Data))
				}
				table.AddRow(row...)
			}

			fmt.Fprintln(out, styles.Title.Render(styles.IconStream+" "+args[0]))
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("%d event(s), mode %s", len(events), replayMode)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", adapters.ReplayOnly.String(), "Replay mode (replay, replay-then-live, live)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after n events (0 = no limit)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 10*time.Second, "How long to wait for live events")
	cmd.Flags().BoolVar(&showData, "data", false, "Show event payloads")

	return cmd
}

// collectStream subscribes to stream and gathers events until the
// subscription ends, limit events arrived, or wait elapsed.
func collectStream(ctx context.Context, client adapters.EventStreamClient, stream string, mode adapters.ReplayMode, limit int, wait time.Duration) ([]adapters.StoredEvent, error) {
	var (
		mu     sync.Mutex
		events []adapters.StoredEvent
		full   = make(chan struct{})
		once   sync.Once
	)

	sub, err := client.Subscribe(ctx, stream, mode, func(ev adapters.StoredEvent) {
		mu.Lock()
		defer mu.Unlock()
		if limit > 0 && len(events) >= limit {
			return
		}
		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			once.Do(func() { close(full) })
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-sub.Done():
		if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	case <-full:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]adapters.StoredEvent(nil), events...), nil
}

func formatData(data []byte) string {
	if utf8.Valid(data) {
		s := string(data)
		if len(s) > 60 {
			s = s[:57] + "..."
		}
		return s
	}
	return fmt.Sprintf("%d bytes", len(data))
}
