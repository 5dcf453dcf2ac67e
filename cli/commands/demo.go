package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/cli/styles"
	"github.com/AshkanYarmoradi/go-newton/cli/ui"
	"github.com/AshkanYarmoradi/go-newton/examples/fulfillment"
	"github.com/AshkanYarmoradi/go-newton/middleware/metrics"
	"github.com/AshkanYarmoradi/go-newton/middleware/tracing"
)

type demoOptions struct {
	orders   int
	stock    int
	sku      string
	quantity int
	timeout  time.Duration
	trace    bool
	metrics  bool
	plain    bool
}

type demoResult struct {
	OrderID string
	SagaID  string
	Outcome string
}

func newDemoCommand(e *env) *cobra.Command {
	opts := demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the order fulfillment saga against the configured store",
		Long: `Restock the warehouse, then place orders one after another. Each order
starts an OrderFulfillment saga that reserves stock and then confirms or
cancels the order. Orders beyond the stock are cancelled.

Examples:
  newton demo
  newton demo --orders 5 --stock 6 --quantity 2
  newton demo --trace --metrics --plain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.orders < 1 || opts.quantity < 1 {
				return errors.New("--orders and --quantity must be positive")
			}
			return runDemo(cmd, e, opts)
		},
	}

	cmd.Flags().IntVar(&opts.orders, "orders", 3, "Number of orders to place")
	cmd.Flags().IntVar(&opts.stock, "stock", 5, "Units added to the warehouse first (0 = none)")
	cmd.Flags().StringVar(&opts.sku, "sku", "apple", "SKU to order")
	cmd.Flags().IntVar(&opts.quantity, "quantity", 2, "Units per order")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "How long to wait for each saga")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Print OpenTelemetry spans to stderr")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "Print Prometheus metrics when done")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "No spinner")

	return cmd
}

func runDemo(cmd *cobra.Command, e *env, opts demoOptions) error {
	out := cmd.OutOrStdout()
	ctx := commandContext(cmd)

	rt, err := e.runtime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	client := rt.Client
	middleware := []newton.Middleware{
		newton.CorrelationIDMiddleware(nil),
		newton.LoggingMiddleware(rt.Logger),
	}

	if opts.trace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		defer func() { _ = provider.Shutdown(context.Background()) }()

		tracer := tracing.NewTracer(
			tracing.WithTracerProvider(provider),
			tracing.WithServiceName(rt.Config.Project.Name),
		)
		client = tracing.WrapClient(client, tracer)
		middleware = append(middleware, tracing.CommandMiddleware(tracer))
	}

	var (
		meters   *metrics.Metrics
		registry *prometheus.Registry
	)
	if opts.metrics {
		meters = metrics.New(metrics.WithMetricsServiceName(rt.Config.Project.Name))
		registry = prometheus.NewRegistry()
		if err := meters.Register(registry); err != nil {
			return err
		}
		client = meters.WrapClient(client)
		middleware = append(middleware, meters.CommandMiddleware())
	}

	app, err := fulfillment.NewApp(client, rt.Store,
		fulfillment.WithBoundedContext(rt.Config.BoundedContext),
		fulfillment.WithCodec(rt.Codec),
		fulfillment.WithLogger(rt.Logger),
		fulfillment.WithMiddleware(middleware...),
	)
	if err != nil {
		return err
	}
	if meters != nil {
		defer meters.ObserveLifecycle(app.Orchestrator.Lifecycle())()
	}

	if err := app.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer app.Orchestrator.Close()

	results, err := withSpinner(ctx, out, opts.plain, fmt.Sprintf("Fulfilling %d order(s)...", opts.orders),
		func(ctx context.Context) ([]demoResult, error) {
			return placeOrders(ctx, app, opts)
		})
	if err != nil {
		return err
	}

	table := ui.NewTable("Order", "SKU", "Quantity", "Outcome", "Saga")
	for _, r := range results {
		table.AddRow(r.OrderID, opts.sku, strconv.Itoa(opts.quantity), ui.StatusBadge(r.Outcome), r.SagaID)
	}
	fmt.Fprintln(out, styles.Title.Render(styles.IconSaga+" Order fulfillment"))
	fmt.Fprintln(out, table.Render())

	inventory, err := app.Repos.Inventory.Load(ctx, fulfillment.WarehouseID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, styles.FormatKeyValue("Available "+opts.sku, strconv.Itoa(inventory.Available[opts.sku])))

	if registry != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, styles.Subtitle.Render("Metrics"))
		if err := writeMetrics(out, registry); err != nil {
			return err
		}
	}
	return nil
}

// placeOrders restocks once and then places the orders one at a time, so
// that the outcome of each depends only on the stock the previous ones left.
func placeOrders(ctx context.Context, app *fulfillment.App, opts demoOptions) ([]demoResult, error) {
	ctx = newton.WithCorrelationID(ctx, "demo-"+uuid.NewString())

	if opts.stock > 0 {
		if err := app.Restock(ctx, opts.sku, opts.stock); err != nil {
			return nil, fmt.Errorf("restock: %w", err)
		}
	}

	results := make([]demoResult, 0, opts.orders)
	for i := 0; i < opts.orders; i++ {
		saga, err := app.PlaceOrder(ctx, "", opts.sku, opts.quantity, opts.timeout)
		if err != nil {
			return results, fmt.Errorf("order %d: %w", i+1, err)
		}
		results = append(results, demoResult{
			OrderID: saga.OrderID,
			SagaID:  saga.ID(),
			Outcome: saga.Outcome,
		})
	}
	return results, nil
}

// withSpinner runs fn, showing a spinner on out unless plain is set.
func withSpinner[T any](ctx context.Context, out io.Writer, plain bool, message string, fn func(context.Context) (T, error)) (T, error) {
	if plain {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		result T
		runErr error
	)
	program := tea.NewProgram(ui.NewSpinner(message), tea.WithOutput(out), tea.WithInput(nil))
	go func() {
		result, runErr = fn(ctx)
		done := ui.SpinnerDoneMsg{Result: "Done", Err: runErr}
		if runErr != nil {
			done.Result = "Failed"
		}
		program.Send(done)
	}()

	final, err := program.Run()
	if err != nil {
		var zero T
		return zero, err
	}
	if model, ok := final.(ui.SpinnerModel); ok && model.Cancelled() {
		var zero T
		return zero, context.Canceled
	}
	return result, runErr
}

func writeMetrics(out io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
