// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: bids, sessions,
// matches, settlement instructions, and the event payloads that cross the
// event bus. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"
)

// -----------------------------------------------------------------------------
// Core enums
// -----------------------------------------------------------------------------

// BidStatus tracks a bid through its lifecycle. Only Pending bids may sit in
// the order book.
type BidStatus string

const (
	BidPending   BidStatus = "pending"   // admitted to the book, waiting for a session
	BidMatched   BidStatus = "matched"   // popped from the book into a match
	BidExpired   BidStatus = "expired"   // expiry passed before a match was found
	BidCancelled BidStatus = "cancelled" // withdrawn by the owning agent
)

// SessionStatus tracks a human session's availability.
type SessionStatus string

const (
	SessionAvailable    SessionStatus = "available"    // connected, matchable
	SessionBusy         SessionStatus = "busy"         // serving an active match
	SessionDisconnected SessionStatus = "disconnected" // gone; kept only transiently
)

// MatchStatus tracks an opened match through to its terminal state.
type MatchStatus string

const (
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
	MatchFailed    MatchStatus = "failed"
)

// EndReason explains why a match left the Active state.
type EndReason string

const (
	EndDurationMet      EndReason = "duration_met"      // normal completion
	EndLowEngagement    EndReason = "low_engagement"    // grace period exhausted or liveness lost
	EndUserDisconnected EndReason = "user_disconnected" // session closed while matched
	EndHeartbeatTimeout EndReason = "heartbeat_timeout" // session went silent mid-match
)

// -----------------------------------------------------------------------------
// Market records
// -----------------------------------------------------------------------------

// Bid is an agent's time-limited offer to buy verified human attention.
// All monetary terms are per-second micro-units (see Micro). The order book
// exclusively owns a bid once admitted; accessors hand out copies.
type Bid struct {
	ID      string `json:"bid_id"`
	AgentID string `json:"agent_id"` // buyer identity, opaque to the engine

	MaxPricePerSecond      Micro   `json:"max_price_per_second"`     // ceiling the agent will pay
	RequiredAttentionScore float64 `json:"required_attention_score"` // minimum engagement, fraction in [0,1]
	MinAttentionSeconds    int64   `json:"min_attention_seconds"`    // shortest session the agent accepts

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"` // bid leaves the book once this passes

	Status BidStatus `json:"status"`
}

// Expired reports whether the bid's lifetime has elapsed at the given instant.
// Expiry is inclusive: a bid whose ExpiresAt equals now is already dead.
func (b *Bid) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// Session is a live connection representing one human's availability to sell
// attention. The session pool owns sessions and enforces at most one live
// session per human identity.
type Session struct {
	ID      string `json:"session_id"`
	HumanID string `json:"human_id"` // seller identity, opaque to the engine

	PriceFloorPerSecond Micro `json:"price_floor_per_second"` // minimum the human accepts

	LastEngagementScore float64   `json:"last_engagement_score"` // fraction in [0,1], from the attention AI
	LastLivenessScore   float64   `json:"last_liveness_score"`   // fraction in [0,1], presence verification
	LastHeartbeat       time.Time `json:"last_heartbeat"`        // stale heartbeat excludes the session
	ConnectedAt         time.Time `json:"connected_at"`
	LastSeq             int64     `json:"-"` // highest engagement seq applied; dedups redelivery

	Status         SessionStatus `json:"status"`
	CurrentMatchID string        `json:"current_match_id,omitempty"` // empty = not matched; set iff Status is busy
}

// HeartbeatAge returns how long ago the session last pinged.
func (s *Session) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeat)
}

// Match is an opened, metered pairing of one bid and one session. The matcher
// exclusively owns the active-match table; a match leaves it only by ending.
// AccumulatedAmount is always VerifiedSeconds times the agreed price.
type Match struct {
	ID        string `json:"match_id"`
	BidID     string `json:"bid_id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	HumanID   string `json:"human_id"`

	AgreedPricePerSecond Micro `json:"agreed_price_per_second"` // fixed at creation: the bid's max price
	VerifiedSeconds      int64 `json:"verified_seconds"`        // grows only via the engagement pipeline
	AccumulatedAmount    Micro `json:"accumulated_amount"`

	Status    MatchStatus `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at,omitzero"`
	EndReason EndReason   `json:"end_reason,omitempty"`
}

// SettlementInstruction is the terminal record describing the amount owed for
// an ended match. Emitted at most once per match id; downstream settlement is
// outside the engine.
type SettlementInstruction struct {
	MatchID         string `json:"match_id"`
	VerifiedSeconds int64  `json:"verified_seconds"`
	PricePerSecond  Micro  `json:"price_per_second"`
	TotalAmount     Micro  `json:"total_amount"` // VerifiedSeconds × PricePerSecond

	EscrowAccount string `json:"escrow_account"` // where the agent's funds are held
	Payee         string `json:"payee"`          // the human identity owed the total

	Nonce     int64 `json:"nonce"`      // match end time in unix ms; monotonic per match
	Timestamp int64 `json:"timestamp"`  // emission time in unix ms
}
