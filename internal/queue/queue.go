// Package queue implements the Stream Client: claim/read/ack/delete against
// a Redis Streams consumer group, plus bounded stats streams for setup and
// per-prediction durations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValueField is the single field every stream entry carries its JSON
// payload under.
const ValueField = "value"

// statsMaxLen bounds the setup-time/run-time stats streams to the last 100
// entries.
const statsMaxLen = 100

// Client wraps a Redis client bound to one input stream / consumer group /
// consumer name, implementing the competing-consumer protocol the
// Supervisor Loop drives.
type Client struct {
	rdb            *redis.Client
	stream         string
	group          string
	consumer       string
	autoclaimAfter time.Duration

	// lastAutoclaimCursor tracks XAUTOCLAIM's cursor across calls so
	// repeated claims don't restart the scan from the beginning.
	lastAutoclaimCursor string
}

// Options configures a new Client.
type Options struct {
	RDB            *redis.Client
	Stream         string // also used as the consumer group name
	Consumer       string
	AutoclaimAfter time.Duration
}

// New constructs a Client and ensures the consumer group exists, creating it
// (and the stream, if absent) when necessary.
func New(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{
		rdb:                  opts.RDB,
		stream:               opts.Stream,
		group:                opts.Stream,
		consumer:             opts.Consumer,
		autoclaimAfter:       opts.AutoclaimAfter,
		lastAutoclaimCursor:  "0-0",
	}

	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("creating consumer group %q on stream %q: %w", c.group, c.stream, err)
	}
	return c, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && containsBusyGroup(err.Error())
}

func containsBusyGroup(s string) bool {
	const marker = "BUSYGROUP"
	for i := 0; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

// Message is one claimed or read stream entry.
type Message struct {
	ID      string
	Payload string
}

// ClaimOrRead first attempts to reclaim a single pending entry idle longer
// than autoclaimAfter from any consumer in the group. If none is reclaimed,
// it blocks up to 1 second reading one new message as this consumer. It
// returns (nil, nil) on idle timeout so the caller can check for shutdown.
func (c *Client) ClaimOrRead(ctx context.Context) (*Message, error) {
	if msg, err := c.claim(ctx); err != nil {
		return nil, err
	} else if msg != nil {
		return msg, nil
	}
	return c.read(ctx)
}

func (c *Client) claim(ctx context.Context) (*Message, error) {
	entries, cursor, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.autoclaimAfter,
		Start:    c.lastAutoclaimCursor,
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("XAUTOCLAIM on %q: %w", c.stream, err)
	}
	c.lastAutoclaimCursor = cursor

	if len(entries) == 0 {
		return nil, nil
	}
	return messageFromEntry(entries[0])
}

func (c *Client) read(ctx context.Context) (*Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    time.Second,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("XREADGROUP on %q: %w", c.stream, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	return messageFromEntry(res[0].Messages[0])
}

func messageFromEntry(entry redis.XMessage) (*Message, error) {
	raw, ok := entry.Values[ValueField]
	if !ok {
		return nil, fmt.Errorf("stream entry %s missing %q field", entry.ID, ValueField)
	}
	payload, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has non-string %q field", entry.ID, ValueField)
	}
	return &Message{ID: entry.ID, Payload: payload}, nil
}

// AckAndDelete acknowledges receipt in the consumer group and removes the
// entry from the stream entirely.
func (c *Client) AckAndDelete(ctx context.Context, id string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("XACK %s on %q: %w", id, c.stream, err)
	}
	if err := c.rdb.XDel(ctx, c.stream, id).Err(); err != nil {
		return fmt.Errorf("XDEL %s on %q: %w", id, c.stream, err)
	}
	return nil
}

// RecordDuration appends a bounded stats entry {duration: seconds} to the
// stream streamName, trimming to roughly the most recent 100 entries.
func (c *Client) RecordDuration(ctx context.Context, streamName string, seconds float64) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		MaxLen: statsMaxLen,
		Approx: true,
		Values: map[string]any{"duration": seconds},
	}).Err()
	if err != nil {
		return fmt.Errorf("XADD on %q: %w", streamName, err)
	}
	return nil
}

// TimeInQueue computes the time a message spent queued, derived from the
// stream entry ID's millisecond-timestamp prefix (the first 13 characters).
func TimeInQueue(messageID string, now time.Time) (time.Duration, error) {
	ms, err := IDTimestampMillis(messageID)
	if err != nil {
		return 0, err
	}
	enqueued := time.UnixMilli(ms)
	return now.Sub(enqueued), nil
}

// IDTimestampMillis extracts the millisecond timestamp encoded in the first
// 13 characters of a stream entry ID ("<ms>-<seq>").
func IDTimestampMillis(messageID string) (int64, error) {
	if len(messageID) < 13 {
		return 0, fmt.Errorf("malformed stream id %q: too short", messageID)
	}
	var ms int64
	for i := 0; i < 13; i++ {
		d := messageID[i]
		if d < '0' || d > '9' {
			return 0, fmt.Errorf("malformed stream id %q: non-digit in timestamp prefix", messageID)
		}
		ms = ms*10 + int64(d-'0')
	}
	return ms, nil
}
