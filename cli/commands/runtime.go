package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/AshkanYarmoradi/go-newton"
	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/AshkanYarmoradi/go-newton/adapters/memory"
	"github.com/AshkanYarmoradi/go-newton/adapters/postgres"
	"github.com/AshkanYarmoradi/go-newton/broadcast/kafka"
	"github.com/AshkanYarmoradi/go-newton/broadcast/sns"
	"github.com/AshkanYarmoradi/go-newton/broadcast/webhook"
	"github.com/AshkanYarmoradi/go-newton/cli/config"
	"github.com/AshkanYarmoradi/go-newton/serializer/msgpack"
	"github.com/AshkanYarmoradi/go-newton/serializer/protobuf"
)

// Runtime is the stream client, saga store, codec and logger selected by a
// newton.yaml.
type Runtime struct {
	Config *config.Config
	Client adapters.EventStreamClient
	Store  adapters.SagaStore
	Codec  newton.Codec
	Logger newton.Logger

	closers []func() error
}

// Close releases the client, the store and the mirrors in reverse order of
// creation.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// OnClose registers fn to run on Close.
func (r *Runtime) OnClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// RuntimeFactory opens the runtime described by cfg.
type RuntimeFactory func(ctx context.Context, cfg *config.Config, logger newton.Logger) (*Runtime, error)

// OpenRuntime connects to the configured driver and wraps the client with the
// configured broadcast mirrors. A postgres database is pinged before use.
func OpenRuntime(ctx context.Context, cfg *config.Config, logger newton.Logger) (*Runtime, error) {
	codec, err := CodecFor(cfg.Codec)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Codec: codec, Logger: logger}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		client, err := postgres.NewStreamClient(cfg.Database.URL, postgres.WithSchema(cfg.Database.Schema))
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres client: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}

		rt.Client = client
		rt.Store = postgres.NewSagaStoreFromClient(client, postgres.WithSagaSchema(cfg.Database.Schema))
		rt.OnClose(client.Close)

	case config.DriverMemory:
		client := memory.NewStreamClient()
		store := memory.NewSagaStore()
		rt.Client = client
		rt.Store = store
		rt.OnClose(client.Close)
		rt.OnClose(store.Close)

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	mirrors, closers := MirrorsFor(cfg.Broadcast)
	if len(mirrors) > 0 {
		rt.Client = adapters.Mirrored(rt.Client, mirrors...)
		rt.closers = append(rt.closers, closers...)
		logger.Info("Broadcast mirrors enabled", "count", len(mirrors))
	}

	return rt, nil
}

// CodecFor returns the codec named in newton.yaml. The protobuf codec falls
// back to JSON for values that are not protobuf messages.
func CodecFor(name string) (newton.Codec, error) {
	switch name {
	case "", config.CodecJSON:
		return newton.NewJSONCodec(), nil
	case config.CodecMsgpack:
		return msgpack.NewCodec(), nil
	case config.CodecProtobuf:
		return protobuf.NewCodec(protobuf.WithFallback(newton.NewJSONCodec())), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}

// MirrorsFor builds the enabled broadcast mirrors and their close functions.
func MirrorsFor(cfg config.BroadcastConfig) ([]adapters.BroadcastMirror, []func() error) {
	var (
		mirrors []adapters.BroadcastMirror
		closers []func() error
	)

	if cfg.Kafka.Enabled() {
		opts := []kafka.Option{kafka.WithBrokers(cfg.Kafka.Brokers...)}
		if cfg.Kafka.TopicPrefix != "" {
			opts = append(opts, kafka.WithTopicPrefix(cfg.Kafka.TopicPrefix))
		}
		m := kafka.New(opts...)
		mirrors = append(mirrors, m)
		closers = append(closers, m.Close)
	}

	if cfg.SNS.Enabled() {
		opts := []sns.Option{
			sns.WithSNSClient(newSNSClient(cfg.SNS.TopicARNPrefix)),
			sns.WithTopicARNPrefix(cfg.SNS.TopicARNPrefix),
		}
		if cfg.SNS.FIFO {
			opts = append(opts, sns.WithFIFO())
		}
		mirrors = append(mirrors, sns.New(opts...))
	}

	if cfg.Webhook.Enabled() {
		mirrors = append(mirrors, webhook.New(cfg.Webhook.URL))
	}

	return mirrors, closers
}

// newSNSClient builds an SNS client for the region of the topic ARN prefix,
// with credentials from the standard AWS environment variables.
func newSNSClient(arnPrefix string) *awssns.Client {
	opts := awssns.Options{
		Region:      regionFromARN(arnPrefix),
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(environmentCredentials)),
	}
	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return awssns.New(opts)
}

func environmentCredentials(context.Context) (aws.Credentials, error) {
	creds := aws.Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "EnvironmentVariables",
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return creds, nil
}

// regionFromARN returns the region field of "arn:aws:sns:<region>:...".
func regionFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) > 3 && parts[3] != "" {
		return parts[3]
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		return region
	}
	return "us-east-1"
}

// NewLogger builds the slog-backed logger described by cfg.
func NewLogger(cfg config.LoggingConfig, w io.Writer) newton.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return newton.NewSlogLogger(slog.New(handler))
}

// unwrapClient peels decorators such as adapters.MirroredClient and the
// metrics and tracing wrappers.
func unwrapClient(client adapters.EventStreamClient) adapters.EventStreamClient {
	for {
		w, ok := client.(interface{ Unwrap() adapters.EventStreamClient })
		if !ok {
			return client
		}
		client = w.Unwrap()
	}
}

type streamLister interface {
	Streams(ctx context.Context) (map[string]int64, error)
}

type sagaLister interface {
	List(ctx context.Context, sagaType string, limit int) ([]*adapters.SagaRecord, error)
}
