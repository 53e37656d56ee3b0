package types

// -----------------------------------------------------------------------------
// Stream topology
// -----------------------------------------------------------------------------
// Stream keys and the consumer group name are process-wide constants shared
// with every producer and consumer of the matching engine.

const (
	// Inbound streams the engine consumes.
	StreamBidsIncoming = "matching:bids:incoming"
	StreamUsersStatus  = "matching:users:status"
	StreamEngagement   = "matching:engagement:events"

	// Outbound streams the engine produces.
	StreamMatchAssignments = "matching:matches:assignments"
	StreamMatchUpdates     = "matching:matches:updates"
	StreamSettlements      = "matching:settlements:instructions"

	// ConsumerGroup is shared by all engine processes; each process joins it
	// under its own consumer name so pending messages survive restarts.
	ConsumerGroup = "matching-engine-group"
)

// Event type discriminants carried in the envelope `type` field.
const (
	EventBidCreated       = "bid_created"
	EventBidCancelled     = "bid_cancelled"
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventEngagementUpdate = "engagement_update"

	EventMatchAssigned         = "match_assigned"
	EventMatchEnded            = "match_ended"
	EventSettlementInstruction = "settlement_instruction"
)

// -----------------------------------------------------------------------------
// Inbound payloads
// -----------------------------------------------------------------------------
// These structs map 1:1 to the JSON carried in the envelope `data` field of
// inbound events. Optional numeric fields use zero to mean "absent"; the
// ingress layer applies documented defaults before validation.

// BidCreatedPayload carries everything needed to construct a Bid.
type BidCreatedPayload struct {
	BidID                  string  `json:"bid_id,omitempty"` // generated when absent
	AgentID                string  `json:"agent_id"`
	MaxPricePerSecond      uint64  `json:"max_price_per_second"`
	RequiredAttentionScore float64 `json:"required_attention_score"`
	MinAttentionSeconds    int64   `json:"min_attention_seconds,omitempty"` // default 5
	ExpirySeconds          int64   `json:"expiry_seconds,omitempty"`        // default 60
}

// BidCancelledPayload withdraws a pending bid. AgentID must match the booked
// bid's owner for the cancel to be honored.
type BidCancelledPayload struct {
	BidID   string `json:"bid_id"`
	AgentID string `json:"agent_id"`
}

// UserConnectedPayload announces a session offering attention for sale.
type UserConnectedPayload struct {
	SessionID           string `json:"session_id"`
	HumanID             string `json:"human_id"`
	PriceFloorPerSecond uint64 `json:"price_floor_per_second"`
}

// UserDisconnectedPayload closes a session, ending any active match.
type UserDisconnectedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// EngagementUpdatePayload is one tick from the on-device attention AI. Seq is
// a sender-side monotonic counter at roughly one tick per second; the engine
// derives metered duration from seq deltas so redelivered ticks never
// double-count. Signature is opaque here; the engine does not verify it.
type EngagementUpdatePayload struct {
	SessionID string  `json:"session_id"`
	Seq       int64   `json:"seq"`
	Timestamp int64   `json:"timestamp"` // sender clock, unix ms
	Attention float64 `json:"attention"` // engagement score in [0,1]
	Liveness  float64 `json:"liveness"`  // presence score in [0,1]
	IsHuman   bool    `json:"is_human"`  // verifier verdict, informational
	Signature string  `json:"signature,omitempty"`
}

// -----------------------------------------------------------------------------
// Outbound payloads
// -----------------------------------------------------------------------------

// MatchPayload is the full match record as emitted on the assignment and
// update streams. Times are unix milliseconds to match the envelope encoding.
type MatchPayload struct {
	MatchID   string `json:"match_id"`
	BidID     string `json:"bid_id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	HumanID   string `json:"human_id"`

	AgreedPricePerSecond uint64 `json:"agreed_price_per_second"`
	VerifiedSeconds      int64  `json:"verified_seconds"`
	AccumulatedAmount    uint64 `json:"accumulated_amount"`

	Status    string `json:"status"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at,omitempty"`
	EndReason string `json:"end_reason,omitempty"`
}

// NewMatchPayload snapshots a Match into its wire form.
func NewMatchPayload(m *Match) MatchPayload {
	p := MatchPayload{
		MatchID:              m.ID,
		BidID:                m.BidID,
		SessionID:            m.SessionID,
		AgentID:              m.AgentID,
		HumanID:              m.HumanID,
		AgreedPricePerSecond: uint64(m.AgreedPricePerSecond),
		VerifiedSeconds:      m.VerifiedSeconds,
		AccumulatedAmount:    uint64(m.AccumulatedAmount),
		Status:               string(m.Status),
		StartedAt:            m.StartedAt.UnixMilli(),
		EndReason:            string(m.EndReason),
	}
	if !m.EndedAt.IsZero() {
		p.EndedAt = m.EndedAt.UnixMilli()
	}
	return p
}
