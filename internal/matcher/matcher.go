// Package matcher is the single writer for all matching state. It owns the
// bid book, the session pool and the active match table, and every mutation
// enters through one of its methods:
//
//  1. Ingress handlers feed bids, session lifecycle and engagement updates in.
//  2. The match loop pairs the best bid with the cheapest eligible session.
//  3. The sweep loop prunes expired bids and stale sessions.
//  4. Ended matches leave as settlement instructions on the outbound streams.
//
// Lifecycle: New() → Start() → [loops run until shutdown] → Stop().
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"attnmarket-engine/internal/api"
	"attnmarket-engine/internal/book"
	"attnmarket-engine/internal/config"
	"attnmarket-engine/internal/rules"
	"attnmarket-engine/internal/session"
	"attnmarket-engine/pkg/types"
)

// EventEmitter abstracts the outbound stream producer.
type EventEmitter interface {
	Emit(ctx context.Context, stream, eventType string, payload any) error
}

// EscrowResolver maps an agent identity to its escrow account. Lookups must
// not block; resolvers answer from cache or fall back to a placeholder.
type EscrowResolver interface {
	ResolveEscrow(agentID string) string
}

// SettlementRecorder persists emitted settlement instructions for audit.
type SettlementRecorder interface {
	Record(inst types.SettlementInstruction) error
}

// MatchResult is the triple produced by a successful match attempt.
type MatchResult struct {
	Match   types.Match
	Bid     types.Bid
	Session types.Session
}

// Matcher pairs agent bids with human sessions and meters live matches.
type Matcher struct {
	cfg     *config.Config
	book    *book.Book
	pool    *session.Pool
	rules   *rules.Engine
	emitter EventEmitter       // outbound bus events, nil disables emission
	escrow  EscrowResolver     // settlement escrow lookup, nil means placeholder
	journal SettlementRecorder // local settlement audit, nil disables
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex              // serializes every mutation path
	active map[string]*types.Match // match id → live match
	bids   map[string]string       // bid id → match id, catches replays of matched bids

	opsEvents chan api.EngineEvent // nil when the ops server is disabled

	now func() time.Time // swapped in tests

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New wires the matcher and its owned state. The emitter, escrow resolver
// and journal may be nil; matching runs the same without them.
func New(
	cfg *config.Config,
	emitter EventEmitter,
	escrow EscrowResolver,
	journal SettlementRecorder,
	metrics *Metrics,
	logger *slog.Logger,
) *Matcher {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Matcher{
		cfg:  cfg,
		book: book.New(),
		pool: session.NewPool(cfg.Pool.HeartbeatTimeout),
		rules: rules.New(rules.Options{
			MinAttentionSeconds:      cfg.Rules.MinAttentionSeconds,
			HeartbeatTimeout:         cfg.Rules.HeartbeatTimeout,
			MinEngagementScore:       cfg.Rules.MinEngagementScore,
			MinLivenessScore:         cfg.Rules.MinLivenessScore,
			LowEngagementGracePeriod: cfg.Rules.LowEngagementGracePeriod,
		}),
		emitter:   emitter,
		escrow:    escrow,
		journal:   journal,
		metrics:   metrics,
		logger:    logger.With("component", "matcher"),
		active:    make(map[string]*types.Match),
		bids:      make(map[string]string),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	if cfg.Ops.Enabled {
		m.opsEvents = make(chan api.EngineEvent, 100)
	}

	return m
}

// Start launches the match and sweep loops.
func (m *Matcher) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runMatchLoop()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSweepLoop()
	}()

	m.logger.Info("matcher started",
		"match_interval", m.cfg.Matcher.MatchInterval,
		"prune_interval", m.cfg.Matcher.PruneInterval,
		"max_per_iteration", m.cfg.Matcher.MaxMatchesPerIteration)
}

// Stop halts the loops and waits for them to drain. Matches do not survive
// a restart, so there is nothing to flush. Callers stop ingress first; no
// mutation may arrive after Stop returns.
func (m *Matcher) Stop() {
	m.cancel()
	m.wg.Wait()
	if m.opsEvents != nil {
		close(m.opsEvents)
	}
	m.logger.Info("matcher stopped")
}

// ----------------------------------------------------------------------------
// Loops
// ----------------------------------------------------------------------------

// runMatchLoop drives match attempts. After a productive iteration it
// re-enters immediately while both sides still have liquidity; otherwise it
// idles for the configured interval.
func (m *Matcher) runMatchLoop() {
	interval := m.cfg.Matcher.MatchInterval
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		if m.runIteration() > 0 && m.book.Size() > 0 && m.pool.AvailableCount() > 0 {
			continue
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// runIteration attempts matches up to the per-iteration cap so a deep book
// cannot starve the sweep and ingress paths.
func (m *Matcher) runIteration() int {
	matched := 0
	for i := 0; i < m.cfg.Matcher.MaxMatchesPerIteration; i++ {
		if m.TryMatch() == nil {
			break
		}
		matched++
	}
	m.refreshGauges()
	return matched
}

func (m *Matcher) runSweepLoop() {
	ticker := time.NewTicker(m.cfg.Matcher.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops expired bids and stale sessions. A session that went silent
// mid-match takes its match down with it; the bid was already consumed at
// assignment, so only the match ends.
func (m *Matcher) sweep() {
	m.mu.Lock()
	now := m.now()

	expired := m.book.PruneExpired(now)
	m.metrics.bidsExpiredN(len(expired))
	if len(expired) > 0 {
		m.logger.Info("expired bids pruned", "count", len(expired))
	}

	stale := m.pool.PruneStale(now)
	for _, s := range stale {
		if s.CurrentMatchID == "" {
			continue
		}
		m.logger.Warn("session went silent mid-match",
			"session_id", s.ID, "match_id", s.CurrentMatchID)
		m.endMatchLocked(s.CurrentMatchID, types.MatchFailed, types.EndHeartbeatTimeout)
	}
	if len(stale) > 0 {
		m.logger.Info("stale sessions pruned", "count", len(stale))
	}
	m.mu.Unlock()

	m.refreshGauges()
}

func (m *Matcher) refreshGauges() {
	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()
	m.metrics.setGauges(active, m.book.Size(), m.pool.AvailableCount())
}

// ----------------------------------------------------------------------------
// Matching
// ----------------------------------------------------------------------------

// TryMatch runs one match attempt: inspect the best bid, walk the cheapest
// eligible sessions, open a match for the first pair the rules admit.
// Returns nil when nothing matched.
func (m *Matcher) TryMatch() *MatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryMatchLocked()
}

func (m *Matcher) tryMatchLocked() *MatchResult {
	started := time.Now()
	now := m.now()

	top, ok := m.book.PeekTop()
	if !ok {
		return nil
	}
	if top.Expired(now) {
		m.book.PopTop()
		m.metrics.bidsExpiredN(1)
		m.logger.Debug("dropped expired bid from top of book", "bid_id", top.ID)
		return nil
	}

	candidates := m.pool.FindMatchingFor(top.MaxPricePerSecond, now)
	for i := range candidates {
		cand := &candidates[i]
		if verdict := m.rules.CanMatch(cand, &top, now); !verdict.OK {
			m.logger.Debug("candidate rejected",
				"bid_id", top.ID, "session_id", cand.ID, "reason", verdict.Reason)
			continue
		}
		if !m.rules.MeetsEngagement(cand, &top) {
			m.logger.Debug("candidate rejected",
				"bid_id", top.ID, "session_id", cand.ID, "reason", "engagement_below_required")
			continue
		}
		return m.openMatchLocked(cand.ID, now, started)
	}

	return nil
}

// openMatchLocked consumes the top bid and binds it to the chosen session.
func (m *Matcher) openMatchLocked(sessionID string, now, started time.Time) *MatchResult {
	bid, ok := m.book.PopTop()
	if !ok {
		return nil
	}
	bid.Status = types.BidMatched

	matchID := uuid.NewString()
	if err := m.pool.MarkBusy(sessionID, matchID); err != nil {
		// Unreachable while all mutations go through the matcher lock.
		m.logger.Error("session vanished between checks", "session_id", sessionID, "error", err)
		bid.Status = types.BidPending
		_ = m.book.Add(bid)
		return nil
	}
	sess, _ := m.pool.GetByID(sessionID)

	match := &types.Match{
		ID:                   matchID,
		BidID:                bid.ID,
		SessionID:            sessionID,
		AgentID:              bid.AgentID,
		HumanID:              sess.HumanID,
		AgreedPricePerSecond: m.rules.AgreedPrice(&sess, &bid),
		Status:               types.MatchActive,
		StartedAt:            now,
	}
	m.active[matchID] = match
	m.bids[bid.ID] = matchID

	latency := time.Since(started)
	m.metrics.matchCreated(latency)
	m.logger.Info("match assigned",
		"match_id", matchID, "bid_id", bid.ID, "session_id", sessionID,
		"agent_id", bid.AgentID, "human_id", sess.HumanID,
		"price_per_second", match.AgreedPricePerSecond, "latency", latency)

	m.emitEvent(types.StreamMatchAssignments, types.EventMatchAssigned, types.NewMatchPayload(match))
	m.opsEvent(types.EventMatchAssigned, matchID, api.NewMatchEvent(match))

	return &MatchResult{Match: *match, Bid: bid, Session: sess}
}

// ----------------------------------------------------------------------------
// Ingress entry points
// ----------------------------------------------------------------------------

// SubmitBid admits a validated bid into the book. Replays of bids that are
// already pending or already matched report ErrDuplicateBid so the caller
// can ack without effect.
func (m *Matcher) SubmitBid(bid types.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if matchID, ok := m.bids[bid.ID]; ok {
		return fmt.Errorf("%w: %s is bound to match %s", book.ErrDuplicateBid, bid.ID, matchID)
	}
	if err := m.book.Add(bid); err != nil {
		return err
	}

	m.metrics.bidAdmitted()
	m.logger.Info("bid admitted",
		"bid_id", bid.ID, "agent_id", bid.AgentID,
		"price_per_second", bid.MaxPricePerSecond, "expires_at", bid.ExpiresAt)
	return nil
}

// CancelBid withdraws a pending bid. The caller's agent id must match the
// admitted bid; a mismatch is logged and ignored. Returns false when there
// was nothing to cancel.
func (m *Matcher) CancelBid(bidID, agentID string) (types.Bid, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bid, ok := m.book.GetByID(bidID)
	if !ok {
		return types.Bid{}, false
	}
	if agentID != "" && bid.AgentID != agentID {
		m.logger.Warn("cancel rejected, agent does not own bid",
			"bid_id", bidID, "owner", bid.AgentID, "caller", agentID)
		return types.Bid{}, false
	}

	if err := m.book.UpdateStatus(bidID, types.BidCancelled); err != nil {
		return types.Bid{}, false
	}
	removed, _ := m.book.RemoveByID(bidID)

	m.metrics.bidCancelled()
	m.logger.Info("bid cancelled", "bid_id", bidID, "agent_id", removed.AgentID)
	return removed, true
}

// ConnectSession registers a session, evicting any prior session for the
// same human. A live match on the evicted session ends as cancelled first
// so already-metered seconds still settle.
func (m *Matcher) ConnectSession(s types.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.pool.GetByHuman(s.HumanID); ok && prior.CurrentMatchID != "" {
		m.endMatchLocked(prior.CurrentMatchID, types.MatchCancelled, types.EndUserDisconnected)
	}
	if prior, ok := m.pool.GetByID(s.ID); ok && prior.CurrentMatchID != "" {
		m.endMatchLocked(prior.CurrentMatchID, types.MatchCancelled, types.EndUserDisconnected)
	}

	if evicted := m.pool.Upsert(s); evicted != nil {
		m.logger.Info("session replaced by reconnect",
			"human_id", s.HumanID, "old_session_id", evicted.ID, "session_id", s.ID)
	}
	m.logger.Info("session connected",
		"session_id", s.ID, "human_id", s.HumanID, "price_floor", s.PriceFloorPerSecond)
}

// Disconnect ends any live match for the session as user-disconnected and
// removes it from the pool. Unknown sessions are a no-op.
func (m *Matcher) Disconnect(sessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pool.GetByID(sessionID)
	if !ok {
		m.logger.Debug("disconnect for unknown session", "session_id", sessionID)
		return
	}
	if s.CurrentMatchID != "" {
		m.endMatchLocked(s.CurrentMatchID, types.MatchCancelled, types.EndUserDisconnected)
	}
	m.pool.Remove(sessionID)

	m.logger.Info("session disconnected",
		"session_id", sessionID, "human_id", s.HumanID, "reason", reason)
}

// ProcessEngagementEvent applies a raw engagement update. The verified
// duration is derived from the sequence number, so replays and long gaps
// never inflate metered time.
func (m *Matcher) ProcessEngagementEvent(p types.EngagementUpdatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration, ok := m.pool.AdvanceSeq(p.SessionID, p.Seq, m.cfg.Matcher.MaxSeqGapSeconds)
	if !ok {
		m.logger.Debug("engagement for unknown session", "session_id", p.SessionID)
		return
	}
	m.processEngagementLocked(p.SessionID, p.Attention, p.Liveness, duration)
}

// ProcessEngagement applies an engagement sample with an already-derived
// verified duration.
func (m *Matcher) ProcessEngagement(sessionID string, attention, liveness float64, durationSeconds int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processEngagementLocked(sessionID, attention, liveness, durationSeconds)
}

func (m *Matcher) processEngagementLocked(sessionID string, attention, liveness float64, durationSeconds int64) {
	now := m.now()
	s, ok := m.pool.UpdateEngagement(sessionID, attention, liveness, now)
	if !ok || s.CurrentMatchID == "" {
		return
	}
	match, ok := m.active[s.CurrentMatchID]
	if !ok || match.Status != types.MatchActive {
		return
	}

	if verdict := m.rules.ShouldContinue(match, &s, now); !verdict.OK {
		m.logger.Info("match continuation denied",
			"match_id", match.ID, "session_id", sessionID, "reason", verdict.Reason)
		m.endMatchLocked(match.ID, types.MatchFailed, types.EndLowEngagement)
		return
	}

	// The only path that grows the billable amount.
	match.VerifiedSeconds += durationSeconds
	match.AccumulatedAmount = m.rules.SettlementTotal(match)
}

// ----------------------------------------------------------------------------
// Match teardown
// ----------------------------------------------------------------------------

// EndMatch finalizes a match and emits its settlement instruction. Unknown
// ids, including already-ended matches, return nil with no side effects.
func (m *Matcher) EndMatch(matchID string, status types.MatchStatus, reason types.EndReason) *types.Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endMatchLocked(matchID, status, reason)
}

func (m *Matcher) endMatchLocked(matchID string, status types.MatchStatus, reason types.EndReason) *types.Match {
	match, ok := m.active[matchID]
	if !ok {
		return nil
	}
	now := m.now()

	match.Status = status
	match.EndReason = reason
	match.EndedAt = now
	match.AccumulatedAmount = m.rules.SettlementTotal(match)

	if err := m.pool.MarkAvailable(match.SessionID); err != nil {
		// Session may have been pruned or replaced already.
		m.logger.Debug("session not released", "session_id", match.SessionID, "error", err)
	}
	m.rules.ClearMatchState(matchID)
	delete(m.active, matchID)
	delete(m.bids, match.BidID)

	inst := types.SettlementInstruction{
		MatchID:         matchID,
		VerifiedSeconds: match.VerifiedSeconds,
		PricePerSecond:  match.AgreedPricePerSecond,
		TotalAmount:     match.AccumulatedAmount,
		EscrowAccount:   m.resolveEscrow(match.AgentID),
		Payee:           match.HumanID,
		Nonce:           now.UnixMilli(),
		Timestamp:       now.UnixMilli(),
	}

	m.metrics.matchEnded(status, inst.TotalAmount)
	m.logger.Info("match ended",
		"match_id", matchID, "status", status, "reason", reason,
		"verified_seconds", match.VerifiedSeconds, "total", inst.TotalAmount)

	// The settlement follows its end event; consumers rely on that order.
	m.emitEvent(types.StreamMatchUpdates, types.EventMatchEnded, types.NewMatchPayload(match))
	m.emitEvent(types.StreamSettlements, types.EventSettlementInstruction, inst)
	m.opsEvent(types.EventMatchEnded, matchID, api.NewMatchEvent(match))
	m.opsEvent(types.EventSettlementInstruction, matchID, api.NewSettlementEvent(inst))

	if m.journal != nil {
		if err := m.journal.Record(inst); err != nil {
			m.logger.Warn("settlement journal write failed", "match_id", matchID, "error", err)
		}
	}

	ended := *match
	return &ended
}

func (m *Matcher) resolveEscrow(agentID string) string {
	if m.escrow == nil {
		return agentID
	}
	return m.escrow.ResolveEscrow(agentID)
}

// ----------------------------------------------------------------------------
// Event fan-out
// ----------------------------------------------------------------------------

func (m *Matcher) emitEvent(stream, eventType string, payload any) {
	if m.emitter == nil || !m.cfg.Matcher.EmitEvents {
		return
	}
	if err := m.emitter.Emit(m.ctx, stream, eventType, payload); err != nil {
		m.logger.Error("event emission failed",
			"stream", stream, "type", eventType, "error", err)
	}
}

func (m *Matcher) opsEvent(eventType, matchID string, data any) {
	if m.opsEvents == nil {
		return
	}
	evt := api.EngineEvent{Type: eventType, Timestamp: m.now(), MatchID: matchID, Data: data}
	select {
	case m.opsEvents <- evt:
	default:
		// Ops stream is best-effort; drop when the buffer is full.
	}
}

// OpsEvents exposes the ops stream for the dashboard server. Nil when the
// ops server is disabled.
func (m *Matcher) OpsEvents() <-chan api.EngineEvent { return m.opsEvents }

// ----------------------------------------------------------------------------
// Snapshots
// ----------------------------------------------------------------------------

// Stats assembles a consistent counter snapshot.
func (m *Matcher) Stats() Stats {
	created, completed, failed, last, avg, settled := m.metrics.snapshot()

	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()

	return Stats{
		MatchesCreated:    created,
		MatchesCompleted:  completed,
		MatchesFailed:     failed,
		ActiveMatches:     active,
		BookSize:          m.book.Size(),
		AvailableSessions: m.pool.AvailableCount(),
		LastMatchLatency:  last,
		AvgMatchLatency:   avg,
		SettledTotal:      settled.String(),
	}
}

// GetStatsSnapshot implements api.EngineSnapshotProvider.
func (m *Matcher) GetStatsSnapshot() api.StatsView {
	st := m.Stats()
	return api.StatsView{
		Timestamp:          m.now(),
		UptimeSeconds:      int64(time.Since(m.startedAt).Seconds()),
		MatchesCreated:     st.MatchesCreated,
		MatchesCompleted:   st.MatchesCompleted,
		MatchesFailed:      st.MatchesFailed,
		ActiveMatches:      st.ActiveMatches,
		BookSize:           st.BookSize,
		AvailableSessions:  st.AvailableSessions,
		LastMatchLatencyMs: float64(st.LastMatchLatency) / float64(time.Millisecond),
		AvgMatchLatencyMs:  float64(st.AvgMatchLatency) / float64(time.Millisecond),
		SettledTotal:       st.SettledTotal,
	}
}

// GetBookSnapshot implements api.EngineSnapshotProvider.
func (m *Matcher) GetBookSnapshot(floor types.Micro, limit int) api.BookView {
	bids := m.book.SnapshotAbovePrice(floor)
	view := api.BookView{Timestamp: m.now(), Size: len(bids)}

	if limit > 0 && len(bids) > limit {
		bids = bids[:limit]
	}
	for i := range bids {
		b := &bids[i]
		view.Bids = append(view.Bids, api.BidView{
			BidID:          b.ID,
			AgentID:        b.AgentID,
			PricePerSecond: b.MaxPricePerSecond.String(),
			RequiredScore:  b.RequiredAttentionScore,
			MinSeconds:     b.MinAttentionSeconds,
			CreatedAt:      b.CreatedAt,
			ExpiresAt:      b.ExpiresAt,
		})
	}
	return view
}
