// Package sns mirrors newton broadcast streams to AWS SNS topics.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSClient defines the subset of the SNS API used by the mirror.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Message attribute names set on every mirrored message.
const (
	AttributeEventType     = "newton_event_type"
	AttributeStream        = "newton_stream"
	AttributeAggregateID   = "newton_aggregate_id"
	AttributeCorrelationID = "newton_correlation_id"
)

// Mirror publishes broadcast events to SNS. The topic ARN is the configured
// prefix followed by the stream name with "/" replaced by "-".
type Mirror struct {
	client    SNSClient
	arnPrefix string
	topicARN  func(streamName string) string
	fifo      bool
}

// Option configures an SNS Mirror.
type Option func(*Mirror)

// WithSNSClient sets the SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(m *Mirror) {
		m.client = client
	}
}

// WithTopicARNPrefix sets the prefix used to build topic ARNs,
// e.g. "arn:aws:sns:us-east-1:123456789012:".
func WithTopicARNPrefix(prefix string) Option {
	return func(m *Mirror) {
		m.arnPrefix = prefix
	}
}

// WithTopicARNFunc overrides how stream names map to topic ARNs.
func WithTopicARNFunc(fn func(streamName string) string) Option {
	return func(m *Mirror) {
		m.topicARN = fn
	}
}

// WithFIFO marks the topics as FIFO. Messages are grouped by aggregate id
// and deduplicated by stream position.
func WithFIFO() Option {
	return func(m *Mirror) {
		m.fifo = true
	}
}

// New creates a new SNS Mirror.
func New(opts ...Option) *Mirror {
	m := &Mirror{}

	for _, opt := range opts {
		opt(m)
	}

	if m.topicARN == nil {
		m.topicARN = m.defaultTopicARN
	}
	return m
}

func (m *Mirror) defaultTopicARN(streamName string) string {
	if m.arnPrefix == "" {
		return ""
	}
	name := strings.ReplaceAll(streamName, "/", "-")
	if m.fifo {
		name += ".fifo"
	}
	return m.arnPrefix + name
}

// Mirror publishes each event to the topic of streamName. Every event is
// attempted; failures are joined.
func (m *Mirror) Mirror(ctx context.Context, streamName string, events []adapters.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	if m.client == nil {
		return errors.New("newton/sns: client not configured")
	}

	topicARN := m.topicARN(streamName)
	if topicARN == "" {
		return fmt.Errorf("newton/sns: no topic ARN for stream %q", streamName)
	}

	var errs []error
	for _, event := range events {
		input := &sns.PublishInput{
			TopicArn:          stringPtr(topicARN),
			Message:           stringPtr(string(event.Data)),
			MessageAttributes: attributes(streamName, event),
		}

		if m.fifo {
			group := event.Metadata.AggregateID
			if group == "" {
				group = streamName
			}
			input.MessageGroupId = stringPtr(group)
		}

		if _, err := m.client.Publish(ctx, input); err != nil {
			errs = append(errs, fmt.Errorf("newton/sns: failed to publish %s to %s: %w", event.Type, topicARN, err))
		}
	}

	return errors.Join(errs...)
}

func attributes(streamName string, event adapters.EventRecord) map[string]types.MessageAttributeValue {
	attrs := make(map[string]types.MessageAttributeValue)
	set := func(key, value string) {
		if value == "" {
			return
		}
		attrs[key] = types.MessageAttributeValue{
			DataType:    stringPtr("String"),
			StringValue: stringPtr(value),
		}
	}

	set(AttributeEventType, event.Type)
	set(AttributeStream, streamName)
	set(AttributeAggregateID, event.Metadata.AggregateID)
	set(AttributeCorrelationID, event.Metadata.CorrelationID)
	for k, v := range event.Metadata.Custom {
		set(k, v)
	}
	return attrs
}

func stringPtr(s string) *string {
	return &s
}

var _ adapters.BroadcastMirror = (*Mirror)(nil)
