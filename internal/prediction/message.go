// Package prediction implements the Job Message/Response envelope and the
// Prediction Driver that drives one job to completion against an Engine.
package prediction

import (
	"encoding/json"
	"fmt"
)

// knownFields lists the Job Message fields this process interprets. Every
// other field in the incoming JSON object is preserved verbatim in Extras
// and echoed back on the Response.
var knownFields = map[string]bool{
	"input":                 true,
	"webhook":               true,
	"webhook_secret":        true,
	"redis_pubsub_key":      true,
	"cancel_key":            true,
	"webhook_events_filter": true,
	"traceparent":           true,
}

// EventFilter is the set of intermediate event kinds a webhook subscribes
// to. "completed" is always implicitly included by the caller.
type EventFilter map[string]bool

var validFilterValues = map[string]bool{
	"start": true, "output": true, "logs": true, "completed": true,
}

// Message is one parsed Job Message.
type Message struct {
	Input               map[string]any
	Webhook             string
	WebhookSecret       string
	RedisPubSubKey      string
	CancelKey           string
	WebhookEventsFilter EventFilter
	Traceparent         string

	// FilterError holds the reason webhook_events_filter failed to parse,
	// if any. Parsing deliberately does not abort message construction on a
	// bad filter value, per spec.md §7 item 3 ("bad webhook_events_filter"
	// is a per-job validation error like bad input — the job is still
	// claimed, run through the normal failed/acked path, not discarded
	// unparsed); Driver.Run surfaces this alongside its other
	// validation checks.
	FilterError string

	// Extras holds every field of the original JSON object not in
	// knownFields, keyed by name, to be echoed back verbatim.
	Extras map[string]json.RawMessage
}

// ParseMessage decodes a Job Message from its JSON wire form.
func ParseMessage(raw []byte) (*Message, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parsing job message: %w", err)
	}

	msg := &Message{Extras: make(map[string]json.RawMessage)}

	if v, ok := generic["input"]; ok {
		if err := json.Unmarshal(v, &msg.Input); err != nil {
			return nil, fmt.Errorf("parsing input: %w", err)
		}
	}
	if v, ok := generic["webhook"]; ok {
		if err := json.Unmarshal(v, &msg.Webhook); err != nil {
			return nil, fmt.Errorf("parsing webhook: %w", err)
		}
	}
	if v, ok := generic["webhook_secret"]; ok {
		if err := json.Unmarshal(v, &msg.WebhookSecret); err != nil {
			return nil, fmt.Errorf("parsing webhook_secret: %w", err)
		}
	}
	if v, ok := generic["redis_pubsub_key"]; ok {
		if err := json.Unmarshal(v, &msg.RedisPubSubKey); err != nil {
			return nil, fmt.Errorf("parsing redis_pubsub_key: %w", err)
		}
	}
	if v, ok := generic["cancel_key"]; ok {
		if err := json.Unmarshal(v, &msg.CancelKey); err != nil {
			return nil, fmt.Errorf("parsing cancel_key: %w", err)
		}
	}
	if v, ok := generic["traceparent"]; ok {
		if err := json.Unmarshal(v, &msg.Traceparent); err != nil {
			return nil, fmt.Errorf("parsing traceparent: %w", err)
		}
	}
	if v, ok := generic["webhook_events_filter"]; ok {
		var values []string
		if err := json.Unmarshal(v, &values); err != nil {
			return nil, fmt.Errorf("parsing webhook_events_filter: %w", err)
		}
		filter := make(EventFilter, len(values))
		for _, val := range values {
			if !validFilterValues[val] {
				// Not returned as a parse error: per spec.md §7 item 3 this
				// is a per-job validation failure like a bad input schema,
				// not a malformed message. Remember it and keep going so a
				// Message still comes out the other end for Driver.Run to
				// fail normally (acked, status=failed).
				msg.FilterError = fmt.Sprintf("invalid webhook_events_filter value %q", val)
				break
			}
			filter[val] = true
		}
		msg.WebhookEventsFilter = filter
	}

	if msg.Webhook == "" && msg.RedisPubSubKey == "" {
		return nil, fmt.Errorf("exactly one of webhook or redis_pubsub_key must be present")
	}

	for k, v := range generic {
		if !knownFields[k] {
			msg.Extras[k] = v
		}
	}

	return msg, nil
}

// EffectiveFilter returns the webhook event filter with "completed" always
// included, per spec.
func (m *Message) EffectiveFilter() EventFilter {
	filter := make(EventFilter, len(m.WebhookEventsFilter)+1)
	for k := range m.WebhookEventsFilter {
		filter[k] = true
	}
	filter["completed"] = true
	return filter
}

// UploadPathPrefix returns input.upload_path_prefix, if present.
func (m *Message) UploadPathPrefix() string {
	if m.Input == nil {
		return ""
	}
	if v, ok := m.Input["upload_path_prefix"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
