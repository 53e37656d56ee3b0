// Package session provides the registry of live human sessions.
//
// The Pool owns every connected session and maintains a secondary index by
// human identity with the rule: at most one live session per human. A new
// session for an already-connected human evicts the prior session outright.
//
// Staleness is defined by heartbeat age. Stale sessions never appear in
// matching queries and are hard-removed by PruneStale. The Pool is
// concurrency-safe (RWMutex protected); accessors hand out copies.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"attnmarket-engine/pkg/types"
)

// Mutating an unknown session, or marking a session busy while it already
// serves another match, means the caller's bookkeeping is wrong; callers
// surface these instead of repairing them.
var (
	ErrSessionNotFound = errors.New("session not in pool")
	ErrSessionBusy     = errors.New("session already serving a match")
)

// Patch carries optional field updates for Update. Nil fields are untouched.
type Patch struct {
	PriceFloorPerSecond *types.Micro
	Status              *types.SessionStatus
	CurrentMatchID      *string
}

// Pool is the live seller registry.
type Pool struct {
	mu               sync.RWMutex
	byID             map[string]*types.Session
	byHuman          map[string]string // human identity → session id
	heartbeatTimeout time.Duration
}

// NewPool creates an empty pool. heartbeatTimeout bounds how old a session's
// last heartbeat may be before it is excluded from matching and pruned.
func NewPool(heartbeatTimeout time.Duration) *Pool {
	return &Pool{
		byID:             make(map[string]*types.Session),
		byHuman:          make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Upsert inserts or replaces a session. If the session's human identity is
// already held by a different session, that prior session is hard-removed
// and returned so the caller can reconcile anything attached to it.
func (p *Pool) Upsert(s types.Session) *types.Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted *types.Session
	if priorID, ok := p.byHuman[s.HumanID]; ok && priorID != s.ID {
		if prior, ok := p.byID[priorID]; ok {
			cp := *prior
			evicted = &cp
			delete(p.byID, priorID)
		}
		delete(p.byHuman, s.HumanID)
	}

	// Replacing a session that moved to a new human frees the old index slot.
	if prev, ok := p.byID[s.ID]; ok && prev.HumanID != s.HumanID {
		delete(p.byHuman, prev.HumanID)
	}

	cp := s
	p.byID[s.ID] = &cp
	p.byHuman[s.HumanID] = s.ID
	return evicted
}

// Remove deletes a session and returns its final state.
func (p *Pool) Remove(id string) (types.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return types.Session{}, false
	}
	delete(p.byID, id)
	if p.byHuman[s.HumanID] == id {
		delete(p.byHuman, s.HumanID)
	}
	return *s, true
}

// GetByID returns a copy of the session.
func (p *Pool) GetByID(id string) (types.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.byID[id]
	if !ok {
		return types.Session{}, false
	}
	return *s, true
}

// GetByHuman returns a copy of the human's current session.
func (p *Pool) GetByHuman(humanID string) (types.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.byHuman[humanID]
	if !ok {
		return types.Session{}, false
	}
	s, ok := p.byID[id]
	if !ok {
		return types.Session{}, false
	}
	return *s, true
}

// Update applies a partial update to a session.
func (p *Pool) Update(id string, patch Patch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if patch.PriceFloorPerSecond != nil {
		s.PriceFloorPerSecond = *patch.PriceFloorPerSecond
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.CurrentMatchID != nil {
		s.CurrentMatchID = *patch.CurrentMatchID
	}
	return nil
}

// MarkBusy binds the session to a match and flips it to Busy. A session
// already bound to a different match is an invariant breach.
func (p *Pool) MarkBusy(id, matchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.CurrentMatchID != "" && s.CurrentMatchID != matchID {
		return fmt.Errorf("%w: %s serves %s", ErrSessionBusy, id, s.CurrentMatchID)
	}
	s.Status = types.SessionBusy
	s.CurrentMatchID = matchID
	return nil
}

// MarkAvailable releases the session back into the matchable set.
func (p *Pool) MarkAvailable(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Status = types.SessionAvailable
	s.CurrentMatchID = ""
	return nil
}

// UpdateEngagement overwrites the scalar scores and refreshes the heartbeat.
// Unknown sessions are a normal race (engagement for a just-closed session),
// so this reports absence instead of erroring.
func (p *Pool) UpdateEngagement(id string, attention, liveness float64, now time.Time) (types.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return types.Session{}, false
	}
	s.LastEngagementScore = attention
	s.LastLivenessScore = liveness
	s.LastHeartbeat = now
	return *s, true
}

// AdvanceSeq applies an engagement tick counter and returns the metered
// duration in seconds. Ticks arrive roughly once per second; the duration is
// the seq delta clamped to maxGap so a long sender stall cannot mint a burst
// of verified time. A seq at or below the last applied one contributes zero,
// which makes redelivered ticks harmless. The first observed seq counts as
// one second.
func (p *Pool) AdvanceSeq(id string, seq, maxGap int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[id]
	if !ok {
		return 0, false
	}
	if seq <= s.LastSeq {
		return 0, true
	}
	var dur int64
	if s.LastSeq == 0 {
		dur = 1
	} else {
		dur = seq - s.LastSeq
		if dur > maxGap {
			dur = maxGap
		}
	}
	s.LastSeq = seq
	return dur, true
}

// AvailableCount returns the number of sessions with status Available.
func (p *Pool) AvailableCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, s := range p.byID {
		if s.Status == types.SessionAvailable {
			n++
		}
	}
	return n
}

// Size returns the total number of sessions in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// FindMatchingFor returns copies of every session an agent paying maxPrice
// could be matched with: Available, unbound, price floor at or below
// maxPrice, and a fresh heartbeat. Ordered cheapest floor first, then
// earliest connectedAt, so the cheapest and longest-waiting human wins ties.
func (p *Pool) FindMatchingFor(maxPrice types.Micro, now time.Time) []types.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.Session
	for _, s := range p.byID {
		if s.Status != types.SessionAvailable || s.CurrentMatchID != "" {
			continue
		}
		if s.PriceFloorPerSecond > maxPrice {
			continue
		}
		if s.HeartbeatAge(now) >= p.heartbeatTimeout {
			continue
		}
		out = append(out, *s)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PriceFloorPerSecond != b.PriceFloorPerSecond {
			return a.PriceFloorPerSecond < b.PriceFloorPerSecond
		}
		if !a.ConnectedAt.Equal(b.ConnectedAt) {
			return a.ConnectedAt.Before(b.ConnectedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// PruneStale hard-removes every session whose heartbeat age exceeds the
// timeout and returns them. Busy sessions are removed too; the caller is
// responsible for ending their orphaned matches.
func (p *Pool) PruneStale(now time.Time) []types.Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []types.Session
	for id, s := range p.byID {
		if now.Sub(s.LastHeartbeat) > p.heartbeatTimeout {
			stale = append(stale, *s)
			delete(p.byID, id)
			if p.byHuman[s.HumanID] == id {
				delete(p.byHuman, s.HumanID)
			}
		}
	}
	return stale
}
