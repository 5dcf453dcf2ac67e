package adapters

import (
	"context"
	"errors"
	"fmt"
)

// MirroredClient forwards every successful Publish to a set of mirrors.
type MirroredClient struct {
	EventStreamClient
	mirrors []BroadcastMirror
}

// Mirrored wraps client so that broadcast events are also sent to mirrors.
// The private per-aggregate streams are not mirrored.
func Mirrored(client EventStreamClient, mirrors ...BroadcastMirror) *MirroredClient {
	return &MirroredClient{EventStreamClient: client, mirrors: mirrors}
}

// Publish publishes on the wrapped client first. Mirrors only see events the
// client accepted; their failures are joined.
func (c *MirroredClient) Publish(ctx context.Context, streamName string, events []EventRecord) error {
	if err := c.EventStreamClient.Publish(ctx, streamName, events); err != nil {
		return err
	}

	var errs []error
	for _, m := range c.mirrors {
		if err := m.Mirror(ctx, streamName, events); err != nil {
			errs = append(errs, fmt.Errorf("newton: mirror %T: %w", m, err))
		}
	}
	return errors.Join(errs...)
}

// Unwrap returns the wrapped client.
func (c *MirroredClient) Unwrap() EventStreamClient {
	return c.EventStreamClient
}

var _ EventStreamClient = (*MirroredClient)(nil)
