package api

import (
	"time"

	"attnmarket-engine/pkg/types"
)

// Ops stream event types. Match and settlement events reuse the bus event
// names so a dashboard can correlate both feeds.
const EventTypeStats = "stats"

// EngineEvent is the wrapper for everything pushed to ops stream clients.
type EngineEvent struct {
	Type      string    `json:"type"` // "stats", "match_assigned", "match_ended", "settlement_instruction"
	Timestamp time.Time `json:"timestamp"`
	MatchID   string    `json:"match_id,omitempty"` // empty for global events
	Data      any       `json:"data"`
}

// MatchEvent describes a match transition in display units.
type MatchEvent struct {
	MatchID         string `json:"match_id"`
	BidID           string `json:"bid_id"`
	SessionID       string `json:"session_id"`
	AgentID         string `json:"agent_id"`
	HumanID         string `json:"human_id"`
	PricePerSecond  string `json:"price_per_second"`
	VerifiedSeconds int64  `json:"verified_seconds"`
	Total           string `json:"total"`
	Status          string `json:"status"`
	EndReason       string `json:"end_reason,omitempty"`
}

// SettlementEvent mirrors an emitted settlement instruction.
type SettlementEvent struct {
	MatchID         string `json:"match_id"`
	EscrowAccount   string `json:"escrow_account"`
	Payee           string `json:"payee"`
	VerifiedSeconds int64  `json:"verified_seconds"`
	Total           string `json:"total"`
	Nonce           int64  `json:"nonce"`
}

// NewMatchEvent builds the ops view of a match.
func NewMatchEvent(m *types.Match) MatchEvent {
	return MatchEvent{
		MatchID:         m.ID,
		BidID:           m.BidID,
		SessionID:       m.SessionID,
		AgentID:         m.AgentID,
		HumanID:         m.HumanID,
		PricePerSecond:  m.AgreedPricePerSecond.String(),
		VerifiedSeconds: m.VerifiedSeconds,
		Total:           m.AccumulatedAmount.String(),
		Status:          string(m.Status),
		EndReason:       string(m.EndReason),
	}
}

// NewSettlementEvent builds the ops view of a settlement instruction.
func NewSettlementEvent(inst types.SettlementInstruction) SettlementEvent {
	return SettlementEvent{
		MatchID:         inst.MatchID,
		EscrowAccount:   inst.EscrowAccount,
		Payee:           inst.Payee,
		VerifiedSeconds: inst.VerifiedSeconds,
		Total:           inst.TotalAmount.String(),
		Nonce:           inst.Nonce,
	}
}
