// Package response implements the Response Sink: the per-job callable that
// delivers one status payload to the job's requester, either over a webhook
// or a pub/sub channel.
package response

import (
	"context"

	"github.com/jmylchreest/predictqueue/internal/prediction"
)

// Sink delivers one event's response payload to a job's requester.
type Sink interface {
	// Deliver sends the response for the given event kind ("start",
	// "logs", "completed"). Implementations decide for themselves whether
	// this particular kind should actually go out.
	Deliver(ctx context.Context, kind string, resp *prediction.Response) error
}

// NewForMessage selects and constructs the sink for a job, per spec §4.2:
// webhook takes precedence when present, otherwise the required
// redis_pubsub_key is used.
func NewForMessage(deps Dependencies, msg *prediction.Message) Sink {
	if msg.Webhook != "" {
		sink := NewWebhookSink(deps.HTTPPoster, msg.Webhook, msg.EffectiveFilter())
		if msg.WebhookSecret != "" {
			sink = sink.WithSecret(msg.WebhookSecret)
		}
		return sink
	}
	return NewPubSubSink(deps.Publisher, msg.RedisPubSubKey)
}
