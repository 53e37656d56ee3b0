package rules

import (
	"testing"
	"time"

	"attnmarket-engine/pkg/types"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func eligibleSession() types.Session {
	return types.Session{
		ID:                  "s-1",
		HumanID:             "human-1",
		PriceFloorPerSecond: 50,
		LastEngagementScore: 0.8,
		LastLivenessScore:   0.9,
		LastHeartbeat:       testNow,
		ConnectedAt:         testNow.Add(-time.Minute),
		Status:              types.SessionAvailable,
	}
}

func eligibleBid() types.Bid {
	return types.Bid{
		ID:                     "b-1",
		AgentID:                "agent-1",
		MaxPricePerSecond:      100,
		RequiredAttentionScore: 0.5,
		MinAttentionSeconds:    10,
		CreatedAt:              testNow.Add(-time.Second),
		ExpiresAt:              testNow.Add(time.Minute),
		Status:                 types.BidPending,
	}
}

func activeMatch() types.Match {
	return types.Match{
		ID:                   "m-1",
		BidID:                "b-1",
		SessionID:            "s-1",
		AgreedPricePerSecond: 100,
		Status:               types.MatchActive,
		StartedAt:            testNow,
	}
}

func TestCanMatchPasses(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions())
	s, b := eligibleSession(), eligibleBid()
	if v := e.CanMatch(&s, &b, testNow); !v.OK {
		t.Errorf("CanMatch failed with reason %q, want pass", v.Reason)
	}
}

func TestCanMatchFailureReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*types.Session, *types.Bid)
		want   Reason
	}{
		{
			"session mid-match",
			func(s *types.Session, _ *types.Bid) { s.CurrentMatchID = "other"; s.Status = types.SessionBusy },
			ReasonSessionBusy,
		},
		{
			"session disconnected",
			func(s *types.Session, _ *types.Bid) { s.Status = types.SessionDisconnected },
			ReasonSessionNotAvailable,
		},
		{
			"bid below session floor",
			func(s *types.Session, b *types.Bid) { s.PriceFloorPerSecond = 200; b.MaxPricePerSecond = 100 },
			ReasonPriceBelowFloor,
		},
		{
			"silent session",
			func(s *types.Session, _ *types.Bid) { s.LastHeartbeat = testNow.Add(-31 * time.Second) },
			ReasonHeartbeatStale,
		},
		{
			"bid not pending",
			func(_ *types.Session, b *types.Bid) { b.Status = types.BidCancelled },
			ReasonBidNotPending,
		},
		{
			"bid expired",
			func(_ *types.Session, b *types.Bid) { b.ExpiresAt = testNow.Add(-time.Second) },
			ReasonBidExpired,
		},
	}

	for _, tt := range tests {
		e := New(DefaultOptions())
		s, b := eligibleSession(), eligibleBid()
		tt.mutate(&s, &b)
		v := e.CanMatch(&s, &b, testNow)
		if v.OK {
			t.Errorf("%s: CanMatch passed, want reason %q", tt.name, tt.want)
			continue
		}
		if v.Reason != tt.want {
			t.Errorf("%s: reason = %q, want %q", tt.name, v.Reason, tt.want)
		}
	}
}

// Bids must request at least the configured minimum attention: a bid asking
// for fewer seconds than MinAttentionSeconds is rejected, not one asking for
// more. Tests pin the direction of the comparison.
func TestCanMatchRejectsBidRequestingBelowConfiguredMinimum(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions()) // MinAttentionSeconds = 5
	s, b := eligibleSession(), eligibleBid()

	b.MinAttentionSeconds = 3
	if v := e.CanMatch(&s, &b, testNow); v.OK || v.Reason != ReasonMinAttentionTooLow {
		t.Errorf("bid requesting 3s: verdict = %+v, want %q", v, ReasonMinAttentionTooLow)
	}

	b.MinAttentionSeconds = 5
	if v := e.CanMatch(&s, &b, testNow); !v.OK {
		t.Errorf("bid requesting exactly the minimum rejected: %q", v.Reason)
	}

	b.MinAttentionSeconds = 3600
	if v := e.CanMatch(&s, &b, testNow); !v.OK {
		t.Errorf("bid requesting an hour rejected: %q", v.Reason)
	}
}

func TestCanMatchHeartbeatAtExactTimeout(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions())
	s, b := eligibleSession(), eligibleBid()
	s.LastHeartbeat = testNow.Add(-30 * time.Second) // age == timeout: not yet stale

	if v := e.CanMatch(&s, &b, testNow); !v.OK {
		t.Errorf("heartbeat at exact timeout rejected: %q", v.Reason)
	}
}

func TestMeetsEngagement(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions())
	s, b := eligibleSession(), eligibleBid()

	tests := []struct {
		score    float64
		required float64
		want     bool
	}{
		{0.8, 0.5, true},
		{0.5, 0.5, true}, // boundary is inclusive
		{0.49, 0.5, false},
		{0.0, 0.0, true},
	}

	for _, tt := range tests {
		s.LastEngagementScore = tt.score
		b.RequiredAttentionScore = tt.required
		if got := e.MeetsEngagement(&s, &b); got != tt.want {
			t.Errorf("MeetsEngagement(score=%v, required=%v) = %v, want %v", tt.score, tt.required, got, tt.want)
		}
	}
}

func TestShouldContinueHardFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*types.Match, *types.Session)
		want   Reason
	}{
		{
			"match already ended",
			func(m *types.Match, _ *types.Session) { m.Status = types.MatchCompleted },
			ReasonMatchNotActive,
		},
		{
			"session disconnected",
			func(_ *types.Match, s *types.Session) { s.Status = types.SessionDisconnected },
			ReasonSessionDisconnected,
		},
		{
			"heartbeat stale",
			func(_ *types.Match, s *types.Session) { s.LastHeartbeat = testNow.Add(-31 * time.Second) },
			ReasonHeartbeatStale,
		},
		{
			"liveness lost",
			func(_ *types.Match, s *types.Session) { s.LastLivenessScore = 0.2 },
			ReasonLivenessBelowMin,
		},
	}

	for _, tt := range tests {
		e := New(DefaultOptions())
		m, s := activeMatch(), eligibleSession()
		s.Status = types.SessionBusy
		s.CurrentMatchID = m.ID
		tt.mutate(&m, &s)
		v := e.ShouldContinue(&m, &s, testNow)
		if v.OK {
			t.Errorf("%s: ShouldContinue passed, want %q", tt.name, tt.want)
			continue
		}
		if v.Reason != tt.want {
			t.Errorf("%s: reason = %q, want %q", tt.name, v.Reason, tt.want)
		}
	}
}

func TestShouldContinueGracePeriod(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions()) // grace period 3s
	m, s := activeMatch(), eligibleSession()
	s.Status = types.SessionBusy
	s.CurrentMatchID = m.ID
	s.LastEngagementScore = 0.1 // below the 0.30 floor

	// First low observation opens the window.
	s.LastHeartbeat = testNow
	if v := e.ShouldContinue(&m, &s, testNow); !v.OK {
		t.Fatalf("first low observation failed: %q", v.Reason)
	}

	// Still inside the window two seconds later.
	at2 := testNow.Add(2 * time.Second)
	s.LastHeartbeat = at2
	if v := e.ShouldContinue(&m, &s, at2); !v.OK {
		t.Fatalf("low engagement at +2s failed: %q", v.Reason)
	}

	// Past the window: fail.
	at4 := testNow.Add(4 * time.Second)
	s.LastHeartbeat = at4
	v := e.ShouldContinue(&m, &s, at4)
	if v.OK {
		t.Fatal("low engagement at +4s passed, want grace exhausted")
	}
	if v.Reason != ReasonGraceExhausted {
		t.Errorf("reason = %q, want %q", v.Reason, ReasonGraceExhausted)
	}
}

func TestGraceRecoveryClearsWindow(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions())
	m, s := activeMatch(), eligibleSession()
	s.Status = types.SessionBusy
	s.CurrentMatchID = m.ID

	step := func(at time.Time, engagement float64, wantOK bool) {
		t.Helper()
		s.LastEngagementScore = engagement
		s.LastHeartbeat = at
		if v := e.ShouldContinue(&m, &s, at); v.OK != wantOK {
			t.Fatalf("at %v engagement %v: verdict = %+v, want ok=%v", at.Sub(testNow), engagement, v, wantOK)
		}
	}

	step(testNow, 0.1, true)                    // window opens
	step(testNow.Add(time.Second), 0.9, true)   // recovery clears it
	if e.GraceCount() != 0 {
		t.Fatalf("GraceCount = %d after recovery, want 0", e.GraceCount())
	}
	step(testNow.Add(10*time.Second), 0.1, true)  // fresh window
	step(testNow.Add(12*time.Second), 0.1, true)  // 2s in, still inside
	step(testNow.Add(14*time.Second), 0.1, false) // 4s in, exhausted
}

func TestClearMatchState(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions())
	m, s := activeMatch(), eligibleSession()
	s.Status = types.SessionBusy
	s.CurrentMatchID = m.ID
	s.LastEngagementScore = 0.1

	e.ShouldContinue(&m, &s, testNow)
	if e.GraceCount() != 1 {
		t.Fatalf("GraceCount = %d after low observation, want 1", e.GraceCount())
	}

	e.ClearMatchState(m.ID)
	if e.GraceCount() != 0 {
		t.Errorf("GraceCount = %d after clear, want 0", e.GraceCount())
	}

	// A cleared match gets a fresh window, not a stale deadline.
	at10 := testNow.Add(10 * time.Second)
	s.LastHeartbeat = at10
	if v := e.ShouldContinue(&m, &s, at10); !v.OK {
		t.Errorf("first low observation after clear failed: %q", v.Reason)
	}
}

func TestAgreedPrice(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions())
	s, b := eligibleSession(), eligibleBid()
	s.PriceFloorPerSecond = 50
	b.MaxPricePerSecond = 175

	if got := e.AgreedPrice(&s, &b); got != 175 {
		t.Errorf("AgreedPrice = %d, want the bid max 175", got)
	}
}

func TestSettlementTotal(t *testing.T) {
	t.Parallel()

	e := New(DefaultOptions())
	tests := []struct {
		seconds int64
		price   types.Micro
		want    types.Micro
	}{
		{4, 100, 400},
		{0, 100, 0},
		{3600, 1_000_000, 3_600_000_000},
	}

	for _, tt := range tests {
		m := activeMatch()
		m.VerifiedSeconds = tt.seconds
		m.AgreedPricePerSecond = tt.price
		if got := e.SettlementTotal(&m); got != tt.want {
			t.Errorf("SettlementTotal(%ds × %d) = %d, want %d", tt.seconds, tt.price, got, tt.want)
		}
	}
}
