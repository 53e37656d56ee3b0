// Package ingress consumes the inbound event streams and applies them to the
// engine. One consumer goroutine runs per stream:
//
//   - bid stream: bid_created admissions and bid_cancelled withdrawals.
//   - user stream: session connects and disconnects.
//   - engagement stream: per-second attention ticks.
//
// All consumers share one group under a per-process consumer name. A message
// is acknowledged only after its handler succeeds; malformed or invalid
// messages are logged and acknowledged so a poison pill cannot wedge the
// stream, while handler failures leave the message pending for redelivery.
// On startup each consumer drains its own pending entries before reading
// live traffic, so work in flight at the last shutdown is replayed first.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"attnmarket-engine/internal/book"
	"attnmarket-engine/internal/bus"
	"attnmarket-engine/internal/config"
	"attnmarket-engine/pkg/types"
)

const (
	defaultExpirySeconds       = 60 // bid lifetime when the event omits expiry_seconds
	defaultMinAttentionSeconds = 5  // applied when the event omits min_attention_seconds

	readRetryDelay = 500 * time.Millisecond // pause after a failed stream read
)

// Engine is the slice of the matcher the ingress layer drives.
type Engine interface {
	SubmitBid(bid types.Bid) error
	CancelBid(bidID, agentID string) (types.Bid, bool)
	ConnectSession(s types.Session)
	Disconnect(sessionID, reason string)
	ProcessEngagementEvent(p types.EngagementUpdatePayload)
}

// Consumer reads the three inbound streams and feeds the engine.
type Consumer struct {
	cfg    config.IngressConfig
	bus    bus.Bus
	engine Engine
	logger *slog.Logger
	name   string // consumer name within the shared group

	handled *prometheus.CounterVec
	dropped *prometheus.CounterVec

	now func() time.Time // swapped in tests

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the consumer. The consumer name is the configured prefix plus
// the process id, so parallel engines keep distinct pending lists.
func New(cfg config.IngressConfig, b bus.Bus, engine Engine, reg prometheus.Registerer, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	factory := promauto.With(reg)

	return &Consumer{
		cfg:    cfg,
		bus:    b,
		engine: engine,
		logger: logger.With("component", "ingress"),
		name:   fmt.Sprintf("%s-%d", cfg.ConsumerPrefix, os.Getpid()),
		handled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matching",
			Name:      "ingress_messages_handled_total",
			Help:      "Messages processed and acknowledged.",
		}, []string{"stream"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matching",
			Name:      "ingress_messages_dropped_total",
			Help:      "Messages acknowledged without effect: malformed, invalid or replayed.",
		}, []string{"stream"}),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start ensures the consumer group on every inbound stream, then launches
// one consumer goroutine per stream.
func (c *Consumer) Start() error {
	streams := []string{types.StreamBidsIncoming, types.StreamUsersStatus, types.StreamEngagement}

	for _, stream := range streams {
		if err := c.bus.EnsureGroup(c.ctx, stream, types.ConsumerGroup, "$"); err != nil {
			return fmt.Errorf("ensure group on %s: %w", stream, err)
		}
	}

	for _, stream := range streams {
		c.wg.Add(1)
		go func(stream string) {
			defer c.wg.Done()
			c.consumeStream(stream)
		}(stream)
	}

	c.logger.Info("ingress started", "consumer", c.name)
	return nil
}

// Stop halts the consumers. Messages already read but unacknowledged stay
// pending and replay on the next start.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.logger.Info("ingress stopped")
}

func (c *Consumer) consumeStream(stream string) {
	log := c.logger.With("stream", stream)

	if err := c.replayPending(stream, log); err != nil && c.ctx.Err() == nil {
		log.Error("pending replay failed", "error", err)
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msgs, err := c.bus.ReadGroup(c.ctx, stream, types.ConsumerGroup, c.name, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Warn("stream read failed", "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		for _, msg := range msgs {
			c.handle(stream, msg, log)
		}
	}
}

// replayPending pages through this consumer's unacknowledged entries and
// handles them in order before any live read.
func (c *Consumer) replayPending(stream string, log *slog.Logger) error {
	if n, err := c.bus.PendingCount(c.ctx, stream, types.ConsumerGroup); err == nil && n > 0 {
		log.Info("resuming with pending backlog", "count", n)
	}

	start := "0"
	for {
		msgs, err := c.bus.ReadPending(c.ctx, stream, types.ConsumerGroup, c.name, start, c.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			c.handle(stream, msg, log)
		}
		start = msgs[len(msgs)-1].ID
	}
}

// handle decodes, dispatches and acknowledges one message. Only a handler
// error withholds the ack.
func (c *Consumer) handle(stream string, msg bus.Message, log *slog.Logger) {
	ev, err := bus.Decode(msg)
	if err != nil {
		log.Warn("dropping undecodable message", "id", msg.ID, "error", err)
		c.dropped.WithLabelValues(stream).Inc()
		c.ack(stream, msg.ID, log)
		return
	}

	var herr error
	switch stream {
	case types.StreamBidsIncoming:
		herr = c.handleBidEvent(stream, ev, log)
	case types.StreamUsersStatus:
		herr = c.handleUserEvent(stream, ev, log)
	case types.StreamEngagement:
		herr = c.handleEngagementEvent(stream, ev, log)
	}
	if herr != nil {
		log.Error("handler failed, leaving message pending",
			"id", msg.ID, "type", ev.Type, "error", herr)
		return
	}

	c.handled.WithLabelValues(stream).Inc()
	c.ack(stream, msg.ID, log)
}

// ack uses a fresh context so shutdown does not strand a processed message.
func (c *Consumer) ack(stream, id string, log *slog.Logger) {
	if err := c.bus.Ack(context.Background(), stream, types.ConsumerGroup, id); err != nil {
		log.Warn("ack failed, message may be redelivered", "id", id, "error", err)
	}
}

// ----------------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------------

func (c *Consumer) handleBidEvent(stream string, ev bus.Event, log *slog.Logger) error {
	switch ev.Type {
	case types.EventBidCreated:
		var p types.BidCreatedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn("dropping malformed bid_created", "error", err)
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		bid, err := c.buildBid(p)
		if err != nil {
			log.Warn("dropping invalid bid_created", "bid_id", p.BidID, "error", err)
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		if err := c.engine.SubmitBid(bid); err != nil {
			if errors.Is(err, book.ErrDuplicateBid) {
				log.Debug("replayed bid already admitted", "bid_id", bid.ID)
				c.dropped.WithLabelValues(stream).Inc()
				return nil
			}
			return err
		}
		return nil

	case types.EventBidCancelled:
		var p types.BidCancelledPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn("dropping malformed bid_cancelled", "error", err)
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		if p.BidID == "" {
			log.Warn("dropping bid_cancelled without bid_id")
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		if _, ok := c.engine.CancelBid(p.BidID, p.AgentID); !ok {
			log.Debug("cancel had no effect", "bid_id", p.BidID)
		}
		return nil

	default:
		log.Debug("ignoring event", "type", ev.Type)
		return nil
	}
}

func (c *Consumer) handleUserEvent(stream string, ev bus.Event, log *slog.Logger) error {
	switch ev.Type {
	case types.EventUserConnected:
		var p types.UserConnectedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn("dropping malformed user_connected", "error", err)
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		if p.SessionID == "" || p.HumanID == "" {
			log.Warn("dropping user_connected missing ids",
				"session_id", p.SessionID, "human_id", p.HumanID)
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		now := c.now()
		c.engine.ConnectSession(types.Session{
			ID:                  p.SessionID,
			HumanID:             p.HumanID,
			PriceFloorPerSecond: types.Micro(p.PriceFloorPerSecond),
			// Scores start optimistic; the first engagement tick corrects them.
			LastEngagementScore: 1.0,
			LastLivenessScore:   1.0,
			LastHeartbeat:       now,
			ConnectedAt:         now,
			Status:              types.SessionAvailable,
		})
		return nil

	case types.EventUserDisconnected:
		var p types.UserDisconnectedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn("dropping malformed user_disconnected", "error", err)
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		if p.SessionID == "" {
			log.Warn("dropping user_disconnected without session_id")
			c.dropped.WithLabelValues(stream).Inc()
			return nil
		}
		c.engine.Disconnect(p.SessionID, p.Reason)
		return nil

	default:
		log.Debug("ignoring event", "type", ev.Type)
		return nil
	}
}

func (c *Consumer) handleEngagementEvent(stream string, ev bus.Event, log *slog.Logger) error {
	if ev.Type != types.EventEngagementUpdate {
		log.Debug("ignoring event", "type", ev.Type)
		return nil
	}

	var p types.EngagementUpdatePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		log.Warn("dropping malformed engagement_update", "error", err)
		c.dropped.WithLabelValues(stream).Inc()
		return nil
	}
	if p.SessionID == "" {
		log.Warn("dropping engagement_update without session_id")
		c.dropped.WithLabelValues(stream).Inc()
		return nil
	}
	if p.Attention < 0 || p.Attention > 1 || p.Liveness < 0 || p.Liveness > 1 {
		log.Warn("dropping engagement_update with out-of-range scores",
			"session_id", p.SessionID, "attention", p.Attention, "liveness", p.Liveness)
		c.dropped.WithLabelValues(stream).Inc()
		return nil
	}

	c.engine.ProcessEngagementEvent(p)
	return nil
}

// buildBid applies defaults and validates the admission payload.
func (c *Consumer) buildBid(p types.BidCreatedPayload) (types.Bid, error) {
	id := p.BidID
	if id == "" {
		id = uuid.NewString()
	}
	expiry := p.ExpirySeconds
	if expiry == 0 {
		expiry = defaultExpirySeconds
	}
	minAttention := p.MinAttentionSeconds
	if minAttention == 0 {
		minAttention = defaultMinAttentionSeconds
	}

	now := c.now()
	bid := types.Bid{
		ID:                     id,
		AgentID:                p.AgentID,
		MaxPricePerSecond:      types.Micro(p.MaxPricePerSecond),
		RequiredAttentionScore: p.RequiredAttentionScore,
		MinAttentionSeconds:    minAttention,
		CreatedAt:              now,
		ExpiresAt:              now.Add(time.Duration(expiry) * time.Second),
		Status:                 types.BidPending,
	}

	if bid.AgentID == "" {
		return types.Bid{}, fmt.Errorf("agent_id is required")
	}
	if bid.MaxPricePerSecond == 0 {
		return types.Bid{}, fmt.Errorf("max_price_per_second must be positive")
	}
	if bid.RequiredAttentionScore < 0 || bid.RequiredAttentionScore > 1 {
		return types.Bid{}, fmt.Errorf("required_attention_score %v outside [0, 1]", bid.RequiredAttentionScore)
	}
	if bid.MinAttentionSeconds <= 0 {
		return types.Bid{}, fmt.Errorf("min_attention_seconds must be positive")
	}
	if !bid.ExpiresAt.After(now) {
		return types.Bid{}, fmt.Errorf("expiry must be in the future")
	}
	return bid, nil
}
