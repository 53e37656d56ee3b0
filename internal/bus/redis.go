package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the connection settings for the Redis-backed bus.
type Config struct {
	Addr         string
	Password     string
	DB           int
	MaxStreamLen int64 // approximate per-stream retention cap applied on append
}

// Client is the Redis Streams implementation of Bus.
//
// Two pooled connections back it: the writer serves appends, acks and admin
// commands; the reader is dedicated to blocking group reads so a long block
// never holds up the writer. Both connect lazily on first use and retry
// failed commands with bounded backoff.
type Client struct {
	writer *redis.Client
	reader *redis.Client
	maxLen int64
	logger *slog.Logger
}

// New builds a Client. No connection is made until the first command.
func New(cfg Config, logger *slog.Logger) *Client {
	opts := &redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	}
	readerOpts := *opts

	return &Client{
		writer: redis.NewClient(opts),
		reader: redis.NewClient(&readerOpts),
		maxLen: cfg.MaxStreamLen,
		logger: logger.With("component", "bus"),
	}
}

// Ping verifies both connections are usable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.writer.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus writer ping: %w", err)
	}
	if err := c.reader.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus reader ping: %w", err)
	}
	return nil
}

// Append adds an entry to a stream, trimming it to the configured
// approximate length cap.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.writer.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group, creating the stream alongside it
// when missing. An already-existing group is success.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := c.writer.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s on %s: %w", group, stream, err)
	}
	c.logger.Debug("consumer group ready", "stream", stream, "group", group)
	return nil
}

// ReadGroup blocks up to the given duration for new messages. A timeout with
// nothing delivered returns an empty slice.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.reader.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	return flatten(res), nil
}

// ReadPending returns this consumer's delivered-but-unacknowledged messages
// with ids greater than start, oldest first. Never blocks.
func (c *Client) ReadPending(ctx context.Context, stream, group, consumer, start string, count int64) ([]Message, error) {
	res, err := c.reader.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup pending %s: %w", stream, err)
	}
	return flatten(res), nil
}

// Ack marks messages processed for the group.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.writer.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

// PendingCount reports the group's delivered-but-unacknowledged backlog.
func (c *Client) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	res, err := c.writer.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	return res.Count, nil
}

// Close tears down both connections.
func (c *Client) Close() error {
	werr := c.writer.Close()
	rerr := c.reader.Close()
	if err := errors.Join(werr, rerr); err != nil {
		c.logger.Warn("bus close", "error", err)
		return err
	}
	return nil
}

func flatten(streams []redis.XStream) []Message {
	var out []Message
	for _, st := range streams {
		for _, m := range st.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			out = append(out, Message{ID: m.ID, Fields: fields})
		}
	}
	return out
}
