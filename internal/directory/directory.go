// Package directory resolves agent identities to escrow accounts for
// settlement instructions.
//
// Lookups go to the settlement directory service (GET /escrow) and land in
// a TTL cache. ResolveEscrow answers from the cache and never blocks: on a
// miss it returns the agent identity as a placeholder and refreshes the
// entry in the background. The matcher calls it during match teardown while
// holding its lock, so the method must not perform I/O inline.
//
// With no base URL configured the client runs in placeholder mode and every
// instruction carries the agent identity as its escrow account.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"attnmarket-engine/internal/config"
)

// failureCooldown delays the next background lookup for an agent after a
// failed fetch, on top of resty's own retries.
const failureCooldown = 10 * time.Second

type escrowRecord struct {
	AgentID       string `json:"agent_id"`
	EscrowAccount string `json:"escrow_account"`
}

type entry struct {
	account   string    // empty until a lookup succeeds
	expiresAt time.Time // value freshness, or failure cooldown when account is empty
	fetching  bool
}

// Client is the settlement directory client with a read-through TTL cache.
type Client struct {
	http   *resty.Client // nil in placeholder mode
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]entry

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a directory client with retry on 5xx. An empty BaseURL
// yields a placeholder-mode client that performs no HTTP calls.
func NewClient(cfg config.DirectoryConfig, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ttl:    cfg.CacheTTL,
		logger: logger.With("component", "directory"),
		cache:  make(map[string]entry),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.BaseURL == "" {
		return c
	}

	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	return c
}

// Close stops background refreshes and waits for them to finish.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

// ResolveEscrow returns the escrow account for an agent without blocking.
// A fresh cache entry answers directly; a stale one is served while a
// background refresh runs; an unknown agent gets the agent identity back
// as a placeholder until a lookup lands.
func (c *Client) ResolveEscrow(agentID string) string {
	if c.http == nil {
		return agentID
	}

	now := c.now()
	c.mu.Lock()
	e := c.cache[agentID]
	if !e.fetching && !now.Before(e.expiresAt) {
		e.fetching = true
		c.cache[agentID] = e
		c.wg.Add(1)
		go c.refresh(agentID)
	}
	c.mu.Unlock()

	if e.account != "" {
		return e.account
	}
	return agentID
}

// refresh performs one lookup and records the result, or a failure cooldown
// so an unreachable directory is not hammered once per match end.
func (c *Client) refresh(agentID string) {
	defer c.wg.Done()

	account, err := c.Lookup(c.ctx, agentID)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.cache[agentID]
	e.fetching = false
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("escrow lookup failed", "agent_id", agentID, "error", err)
		}
		e.expiresAt = now.Add(failureCooldown)
	} else {
		e.account = account
		e.expiresAt = now.Add(c.ttl)
		c.logger.Debug("escrow account cached", "agent_id", agentID, "escrow", account)
	}
	c.cache[agentID] = e
}

// Lookup fetches the escrow account for one agent from the directory.
func (c *Client) Lookup(ctx context.Context, agentID string) (string, error) {
	if c.http == nil {
		return "", fmt.Errorf("no directory configured")
	}

	var result escrowRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("agent_id", agentID).
		SetResult(&result).
		Get("/escrow")
	if err != nil {
		return "", fmt.Errorf("lookup escrow: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("lookup escrow: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.EscrowAccount == "" {
		return "", fmt.Errorf("lookup escrow: empty account for agent %s", agentID)
	}
	return result.EscrowAccount, nil
}
