// Package rules implements the match admission and continuation predicates
// and the settlement arithmetic.
//
// The Engine is pure except for two things: the options it was built with,
// and the per-match grace-period map used by ShouldContinue. It never logs
// and never mutates bids, sessions, or matches; callers act on the returned
// Verdict. A rejected predicate is information, not an error.
package rules

import (
	"sync"
	"time"

	"attnmarket-engine/pkg/types"
)

// Options are the recognized rule thresholds.
type Options struct {
	MinAttentionSeconds      int64         // bids must request at least this much attention
	HeartbeatTimeout         time.Duration // heartbeat older than this fails admission and continuation
	MinEngagementScore       float64       // continuation floor for the engagement score
	MinLivenessScore         float64       // continuation floor for the liveness score
	LowEngagementGracePeriod time.Duration // how long engagement may stay low before the match ends
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		MinAttentionSeconds:      5,
		HeartbeatTimeout:         30 * time.Second,
		MinEngagementScore:       0.30,
		MinLivenessScore:         0.50,
		LowEngagementGracePeriod: 3 * time.Second,
	}
}

// Reason is a machine-readable explanation for a failed predicate.
type Reason string

const (
	ReasonSessionBusy         Reason = "session_busy"
	ReasonSessionNotAvailable Reason = "session_not_available"
	ReasonPriceBelowFloor     Reason = "price_below_floor"
	ReasonHeartbeatStale      Reason = "heartbeat_stale"
	ReasonMinAttentionTooLow  Reason = "min_attention_below_required"
	ReasonBidNotPending       Reason = "bid_not_pending"
	ReasonBidExpired          Reason = "bid_expired"
	ReasonMatchNotActive      Reason = "match_not_active"
	ReasonSessionDisconnected Reason = "session_disconnected"
	ReasonLivenessBelowMin    Reason = "liveness_below_min"
	ReasonGraceExhausted      Reason = "low_engagement_grace_exhausted"
)

// Verdict is the outcome of a predicate: pass, or fail with a reason.
type Verdict struct {
	OK     bool
	Reason Reason
}

func pass() Verdict         { return Verdict{OK: true} }
func fail(r Reason) Verdict { return Verdict{Reason: r} }

// Engine evaluates predicates against the configured options.
type Engine struct {
	opts Options

	mu         sync.Mutex
	graceStart map[string]time.Time // match id → first low-engagement observation
}

// New creates an Engine with the given options.
func New(opts Options) *Engine {
	return &Engine{
		opts:       opts,
		graceStart: make(map[string]time.Time),
	}
}

// Options returns the thresholds the engine was built with.
func (e *Engine) Options() Options {
	return e.opts
}

// CanMatch is the admission predicate: may this bid be paired with this
// session right now? Checks run in a fixed order and the first failure wins.
//
// Note the attention-floor direction: a bid requesting fewer seconds than the
// configured minimum is rejected. Agents must ask for at least
// MinAttentionSeconds of attention.
func (e *Engine) CanMatch(s *types.Session, b *types.Bid, now time.Time) Verdict {
	if s.CurrentMatchID != "" {
		return fail(ReasonSessionBusy)
	}
	if s.Status != types.SessionAvailable {
		return fail(ReasonSessionNotAvailable)
	}
	if b.MaxPricePerSecond < s.PriceFloorPerSecond {
		return fail(ReasonPriceBelowFloor)
	}
	if s.HeartbeatAge(now) > e.opts.HeartbeatTimeout {
		return fail(ReasonHeartbeatStale)
	}
	if b.MinAttentionSeconds < e.opts.MinAttentionSeconds {
		return fail(ReasonMinAttentionTooLow)
	}
	if b.Status != types.BidPending {
		return fail(ReasonBidNotPending)
	}
	if b.Expired(now) {
		return fail(ReasonBidExpired)
	}
	return pass()
}

// MeetsEngagement reports whether the session's current engagement satisfies
// the bid's required attention score. Checked in addition to CanMatch before
// a pair is admitted.
func (e *Engine) MeetsEngagement(s *types.Session, b *types.Bid) bool {
	return s.LastEngagementScore >= b.RequiredAttentionScore
}

// ShouldContinue is the continuation predicate for a live match. Hard
// failures (dead match, disconnected or silent session, lost liveness) end
// the match immediately. Low engagement is softer: the first observation
// starts a grace window keyed by match id, and only low engagement that
// persists beyond the grace period fails. Recovery above the threshold
// clears the window.
func (e *Engine) ShouldContinue(m *types.Match, s *types.Session, now time.Time) Verdict {
	if m.Status != types.MatchActive {
		return fail(ReasonMatchNotActive)
	}
	if s.Status == types.SessionDisconnected {
		return fail(ReasonSessionDisconnected)
	}
	if s.HeartbeatAge(now) > e.opts.HeartbeatTimeout {
		return fail(ReasonHeartbeatStale)
	}
	if s.LastLivenessScore < e.opts.MinLivenessScore {
		return fail(ReasonLivenessBelowMin)
	}

	if s.LastEngagementScore < e.opts.MinEngagementScore {
		e.mu.Lock()
		defer e.mu.Unlock()

		start, ok := e.graceStart[m.ID]
		if !ok {
			e.graceStart[m.ID] = now
			return pass()
		}
		if now.Sub(start) > e.opts.LowEngagementGracePeriod {
			return fail(ReasonGraceExhausted)
		}
		return pass()
	}

	e.mu.Lock()
	delete(e.graceStart, m.ID)
	e.mu.Unlock()
	return pass()
}

// ClearMatchState drops any grace-period record for the match. Called exactly
// once per match on every terminal transition; skipping it leaks an entry per
// ended match.
func (e *Engine) ClearMatchState(matchID string) {
	e.mu.Lock()
	delete(e.graceStart, matchID)
	e.mu.Unlock()
}

// GraceCount returns the number of matches currently inside a grace window.
func (e *Engine) GraceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.graceStart)
}

// AgreedPrice resolves the per-second price for a new match. The session
// always receives the bid's full willingness to pay.
func (e *Engine) AgreedPrice(s *types.Session, b *types.Bid) types.Micro {
	return b.MaxPricePerSecond
}

// SettlementTotal computes the amount owed for a match: verified seconds
// times the agreed per-second price, in exact integer micro-units.
func (e *Engine) SettlementTotal(m *types.Match) types.Micro {
	return m.AgreedPricePerSecond.Times(m.VerifiedSeconds)
}
