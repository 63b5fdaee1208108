// Package streambus wraps a Redis/Valkey-compatible stream server with
// the small durable-messaging surface the dispatch backbone needs:
// JSON publishes with approximate trimming, consumer-group reads and
// acknowledgements.
package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBlockMs is the connection-wide blocking-read timeout.
	DefaultBlockMs = 5000

	// DefaultCount is the connection-wide per-read batch size.
	DefaultCount = 100
)

// TransportError wraps an I/O failure talking to the stream server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("streambus %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Message is one normalized stream entry.
type Message struct {
	ID     string
	Values map[string]string
}

// Stream is one normalized XREADGROUP result.
type Stream struct {
	Name     string
	Messages []Message
}

// ReadOptions override the connection-wide read defaults per call.
// Zero values fall back to the defaults.
type ReadOptions struct {
	BlockMs int64
	Count   int64
}

// Options configure a Client.
type Options struct {
	// URL is a redis:// connection URL.
	URL string

	// DefaultBlockMs bounds blocking reads when ReadOptions.BlockMs is
	// zero. Defaults to DefaultBlockMs.
	DefaultBlockMs int64

	// DefaultCount caps batch size when ReadOptions.Count is zero.
	// Defaults to DefaultCount.
	DefaultCount int64
}

// Client is a thin stream-server client. All operations are safe for
// concurrent use; Connect is idempotent.
type Client struct {
	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	rdb       *redis.Client
	connected bool
}

// New creates a Client. No connection is made until Connect.
func New(opts Options, log *logrus.Logger) *Client {
	if opts.DefaultBlockMs <= 0 {
		opts.DefaultBlockMs = DefaultBlockMs
	}
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = DefaultCount
	}
	return &Client{
		opts: opts,
		log:  log.WithField("component", "streambus"),
	}
}

// NewWithClient wraps an already-configured go-redis client. Used by
// tests running against miniredis.
func NewWithClient(rdb *redis.Client, log *logrus.Logger) *Client {
	c := New(Options{}, log)
	c.rdb = rdb
	c.connected = true
	return c
}

// Connect parses the URL and verifies the server responds to PING.
// Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	opt, err := redis.ParseURL(c.opts.URL)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return &TransportError{Op: "connect", Err: err}
	}

	c.rdb = rdb
	c.connected = true
	c.log.WithField("url", c.opts.URL).Info("connected to stream server")
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.rdb.Close()
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

// Publish appends one entry holding the JSON-serialized payload under a
// single "json" field. When maxLenApprox > 0 the stream is trimmed with
// MAXLEN ~ maxLenApprox; otherwise no trim directive is sent.
func (c *Client) Publish(ctx context.Context, stream string, payload any, maxLenApprox int64) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"json": string(body)},
	}
	if maxLenApprox > 0 {
		args.MaxLen = maxLenApprox
		args.Approx = true
	}

	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", &TransportError{Op: "publish", Err: err}
	}
	return id, nil
}

// EnsureGroup idempotently creates a consumer group. A BUSYGROUP reply
// from the server means the group already exists and is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, startFromID string, mkstream bool) error {
	if startFromID == "" {
		startFromID = "0"
	}

	var err error
	if mkstream {
		err = c.rdb.XGroupCreateMkStream(ctx, stream, group, startFromID).Err()
	} else {
		err = c.rdb.XGroupCreate(ctx, stream, group, startFromID).Err()
	}
	if err != nil && !isBusyGroup(err) {
		return &TransportError{Op: "ensure-group", Err: err}
	}
	return nil
}

// ReadGroup performs one blocking consumer-group read. A timeout with
// no data returns (nil, nil).
func (c *Client) ReadGroup(ctx context.Context, group, consumer, stream, id string, opts ReadOptions) ([]Stream, error) {
	blockMs := opts.BlockMs
	if blockMs <= 0 {
		blockMs = c.opts.DefaultBlockMs
	}
	count := opts.Count
	if count <= 0 {
		count = c.opts.DefaultCount
	}
	if id == "" {
		id = ">"
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &TransportError{Op: "read-group", Err: err}
	}

	return normalize(res), nil
}

// Ack acknowledges one delivered entry, removing it from the group's
// pending-entries list.
func (c *Client) Ack(ctx context.Context, stream, group, id string) (int64, error) {
	n, err := c.rdb.XAck(ctx, stream, group, id).Result()
	if err != nil {
		return 0, &TransportError{Op: "ack", Err: err}
	}
	return n, nil
}

func normalize(streams []redis.XStream) []Stream {
	out := make([]Stream, 0, len(streams))
	for _, s := range streams {
		ns := Stream{Name: s.Stream, Messages: make([]Message, 0, len(s.Messages))}
		for _, m := range s.Messages {
			values := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					values[k] = sv
				} else {
					values[k] = fmt.Sprint(v)
				}
			}
			ns.Messages = append(ns.Messages, Message{ID: m.ID, Values: values})
		}
		out = append(out, ns)
	}
	return out
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
