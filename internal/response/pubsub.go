package response

import (
	"context"
	"fmt"

	"github.com/jmylchreest/predictqueue/internal/prediction"
)

// Publisher is the subset of *redis.Client the pub/sub sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// PubSubSink publishes every event, unfiltered, to a fixed channel.
type PubSubSink struct {
	publisher Publisher
	channel   string
}

// NewPubSubSink constructs a PubSubSink bound to a channel.
func NewPubSubSink(publisher Publisher, channel string) *PubSubSink {
	return &PubSubSink{publisher: publisher, channel: channel}
}

// Deliver implements Sink. Every event kind is delivered; there is no filter
// for the pub/sub variant.
func (s *PubSubSink) Deliver(ctx context.Context, kind string, resp *prediction.Response) error {
	payload, err := resp.MarshalDelivery()
	if err != nil {
		return fmt.Errorf("marshaling pubsub payload: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.channel, payload); err != nil {
		return fmt.Errorf("publishing to %q: %w", s.channel, err)
	}
	return nil
}
