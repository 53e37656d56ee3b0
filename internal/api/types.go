package api

import (
	"time"
)

// StatsView is the engine counter block served at /api/stats and pushed to
// stream clients on each refresh tick.
type StatsView struct {
	Timestamp          time.Time `json:"timestamp"`
	UptimeSeconds      int64     `json:"uptime_seconds"`
	MatchesCreated     uint64    `json:"matches_created"`
	MatchesCompleted   uint64    `json:"matches_completed"`
	MatchesFailed      uint64    `json:"matches_failed"`
	ActiveMatches      int       `json:"active_matches"`
	BookSize           int       `json:"book_size"`
	AvailableSessions  int       `json:"available_sessions"`
	LastMatchLatencyMs float64   `json:"last_match_latency_ms"`
	AvgMatchLatencyMs  float64   `json:"avg_match_latency_ms"`
	SettledTotal       string    `json:"settled_total"` // display units
}

// BidView is a single book entry in display units, best bids first.
type BidView struct {
	BidID          string    `json:"bid_id"`
	AgentID        string    `json:"agent_id"`
	PricePerSecond string    `json:"price_per_second"`
	RequiredScore  float64   `json:"required_attention_score"`
	MinSeconds     int64     `json:"min_attention_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// BookView is the response shape for /api/book.
type BookView struct {
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"` // bids matching the query, not just the page
	Bids      []BidView `json:"bids"`
}

// SettlementsView is the response shape for /api/settlements, newest first.
type SettlementsView struct {
	Timestamp   time.Time         `json:"timestamp"`
	Count       int               `json:"count"`
	Settlements []SettlementEvent `json:"settlements"`
}
