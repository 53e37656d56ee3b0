package session

import (
	"errors"
	"testing"
	"time"

	"attnmarket-engine/pkg/types"
)

const testTimeout = 30 * time.Second

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testSession(id, humanID string, floor types.Micro, connectedAt time.Time) types.Session {
	return types.Session{
		ID:                  id,
		HumanID:             humanID,
		PriceFloorPerSecond: floor,
		LastEngagementScore: 0.9,
		LastLivenessScore:   0.9,
		LastHeartbeat:       testNow,
		ConnectedAt:         connectedAt,
		Status:              types.SessionAvailable,
	}
}

func TestUpsertAndLookup(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	if evicted := p.Upsert(testSession("s-1", "human-1", 50, testNow)); evicted != nil {
		t.Errorf("Upsert evicted %s on empty pool", evicted.ID)
	}

	got, ok := p.GetByID("s-1")
	if !ok || got.HumanID != "human-1" {
		t.Fatalf("GetByID = (%+v, %v), want human-1", got, ok)
	}
	byHuman, ok := p.GetByHuman("human-1")
	if !ok || byHuman.ID != "s-1" {
		t.Errorf("GetByHuman = (%s, %v), want s-1", byHuman.ID, ok)
	}
	if p.Size() != 1 {
		t.Errorf("Size = %d, want 1", p.Size())
	}
}

func TestUpsertEvictsPriorSessionForHuman(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	p.Upsert(testSession("old", "human-1", 50, testNow))

	evicted := p.Upsert(testSession("new", "human-1", 75, testNow.Add(time.Second)))
	if evicted == nil || evicted.ID != "old" {
		t.Fatalf("Upsert evicted = %v, want old", evicted)
	}
	if _, ok := p.GetByID("old"); ok {
		t.Error("evicted session still resolvable by id")
	}
	if s, _ := p.GetByHuman("human-1"); s.ID != "new" {
		t.Errorf("GetByHuman = %s, want new", s.ID)
	}
	if p.Size() != 1 {
		t.Errorf("Size = %d after eviction, want 1", p.Size())
	}
}

func TestUpsertSameIDNewHumanFreesOldIndex(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	p.Upsert(testSession("s-1", "human-1", 50, testNow))
	p.Upsert(testSession("s-1", "human-2", 50, testNow))

	if _, ok := p.GetByHuman("human-1"); ok {
		t.Error("old human identity still indexed after session moved")
	}
	if s, ok := p.GetByHuman("human-2"); !ok || s.ID != "s-1" {
		t.Errorf("GetByHuman(human-2) = (%s, %v), want s-1", s.ID, ok)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	p.Upsert(testSession("s-1", "human-1", 50, testNow))

	removed, ok := p.Remove("s-1")
	if !ok || removed.ID != "s-1" {
		t.Fatalf("Remove = (%s, %v), want s-1", removed.ID, ok)
	}
	if _, ok := p.GetByHuman("human-1"); ok {
		t.Error("human index survives removal")
	}
	if _, ok := p.Remove("s-1"); ok {
		t.Error("second Remove reported success")
	}
}

func TestMarkBusyAndAvailable(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	p.Upsert(testSession("s-1", "human-1", 50, testNow))

	if err := p.MarkBusy("s-1", "match-1"); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}
	s, _ := p.GetByID("s-1")
	if s.Status != types.SessionBusy || s.CurrentMatchID != "match-1" {
		t.Errorf("after MarkBusy: status=%s match=%s, want busy/match-1", s.Status, s.CurrentMatchID)
	}

	if err := p.MarkBusy("s-1", "match-2"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("MarkBusy on busy session = %v, want ErrSessionBusy", err)
	}

	if err := p.MarkAvailable("s-1"); err != nil {
		t.Fatalf("MarkAvailable: %v", err)
	}
	s, _ = p.GetByID("s-1")
	if s.Status != types.SessionAvailable || s.CurrentMatchID != "" {
		t.Errorf("after MarkAvailable: status=%s match=%q, want available/empty", s.Status, s.CurrentMatchID)
	}

	if err := p.MarkBusy("ghost", "m"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("MarkBusy(ghost) = %v, want ErrSessionNotFound", err)
	}
}

func TestUpdatePatch(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	p.Upsert(testSession("s-1", "human-1", 50, testNow))

	floor := types.Micro(120)
	if err := p.Update("s-1", Patch{PriceFloorPerSecond: &floor}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s, _ := p.GetByID("s-1")
	if s.PriceFloorPerSecond != 120 {
		t.Errorf("floor = %d, want 120", s.PriceFloorPerSecond)
	}
	if s.Status != types.SessionAvailable {
		t.Errorf("status changed by unrelated patch: %s", s.Status)
	}

	if err := p.Update("ghost", Patch{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Update(ghost) = %v, want ErrSessionNotFound", err)
	}
}

func TestUpdateEngagement(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	s := testSession("s-1", "human-1", 50, testNow)
	s.LastHeartbeat = testNow.Add(-10 * time.Second)
	p.Upsert(s)

	later := testNow.Add(time.Minute)
	got, ok := p.UpdateEngagement("s-1", 0.42, 0.77, later)
	if !ok {
		t.Fatal("UpdateEngagement reported missing session")
	}
	if got.LastEngagementScore != 0.42 || got.LastLivenessScore != 0.77 {
		t.Errorf("scores = %v/%v, want 0.42/0.77", got.LastEngagementScore, got.LastLivenessScore)
	}
	if !got.LastHeartbeat.Equal(later) {
		t.Errorf("heartbeat = %v, want %v", got.LastHeartbeat, later)
	}

	if _, ok := p.UpdateEngagement("ghost", 1, 1, later); ok {
		t.Error("UpdateEngagement(ghost) reported success")
	}
}

func TestAdvanceSeq(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	p.Upsert(testSession("s-1", "human-1", 50, testNow))

	tests := []struct {
		name string
		seq  int64
		want int64
	}{
		{"first tick counts one second", 5, 1},
		{"consecutive tick", 6, 1},
		{"gap of three", 9, 3},
		{"replayed tick contributes nothing", 9, 0},
		{"older tick contributes nothing", 4, 0},
		{"stall clamped to max gap", 100, 10},
	}

	for _, tt := range tests {
		got, ok := p.AdvanceSeq("s-1", tt.seq, 10)
		if !ok {
			t.Fatalf("%s: AdvanceSeq reported missing session", tt.name)
		}
		if got != tt.want {
			t.Errorf("%s: duration = %d, want %d", tt.name, got, tt.want)
		}
	}

	if _, ok := p.AdvanceSeq("ghost", 1, 10); ok {
		t.Error("AdvanceSeq(ghost) reported success")
	}
}

func TestFindMatchingForFiltersAndOrder(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)

	cheapLate := testSession("cheap-late", "h1", 25, testNow.Add(time.Second))
	cheapEarly := testSession("cheap-early", "h2", 25, testNow)
	pricier := testSession("pricier", "h3", 80, testNow)
	tooExpensive := testSession("expensive", "h4", 500, testNow)
	busy := testSession("busy", "h5", 10, testNow)
	busy.Status = types.SessionBusy
	busy.CurrentMatchID = "m-1"
	stale := testSession("stale", "h6", 10, testNow)
	stale.LastHeartbeat = testNow.Add(-testTimeout - time.Second)

	for _, s := range []types.Session{cheapLate, cheapEarly, pricier, tooExpensive, busy, stale} {
		p.Upsert(s)
	}

	got := p.FindMatchingFor(100, testNow)
	want := []string{"cheap-early", "cheap-late", "pricier"}
	if len(got) != len(want) {
		t.Fatalf("FindMatchingFor returned %d sessions, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("candidate[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestFindMatchingForExcludesExactTimeoutAge(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	s := testSession("edge", "h1", 10, testNow)
	s.LastHeartbeat = testNow.Add(-testTimeout)
	p.Upsert(s)

	if got := p.FindMatchingFor(100, testNow); len(got) != 0 {
		t.Errorf("session at exact timeout age returned as candidate")
	}
}

func TestPruneStale(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)

	fresh := testSession("fresh", "h1", 10, testNow)
	stale := testSession("stale", "h2", 10, testNow)
	stale.LastHeartbeat = testNow.Add(-testTimeout - time.Second)
	staleBusy := testSession("stale-busy", "h3", 10, testNow)
	staleBusy.LastHeartbeat = testNow.Add(-2 * testTimeout)
	staleBusy.Status = types.SessionBusy
	staleBusy.CurrentMatchID = "m-1"
	edge := testSession("edge", "h4", 10, testNow)
	edge.LastHeartbeat = testNow.Add(-testTimeout) // exactly at timeout: kept

	for _, s := range []types.Session{fresh, stale, staleBusy, edge} {
		p.Upsert(s)
	}

	removed := p.PruneStale(testNow)
	if len(removed) != 2 {
		t.Fatalf("PruneStale removed %d, want 2", len(removed))
	}
	ids := map[string]bool{}
	for _, s := range removed {
		ids[s.ID] = true
	}
	if !ids["stale"] || !ids["stale-busy"] {
		t.Errorf("removed = %v, want stale and stale-busy", ids)
	}
	if p.Size() != 2 {
		t.Errorf("Size = %d after prune, want 2", p.Size())
	}
	if _, ok := p.GetByHuman("h2"); ok {
		t.Error("human index survives prune")
	}
}

func TestAvailableCount(t *testing.T) {
	t.Parallel()

	p := NewPool(testTimeout)
	p.Upsert(testSession("a", "h1", 10, testNow))
	p.Upsert(testSession("b", "h2", 10, testNow))
	busy := testSession("c", "h3", 10, testNow)
	busy.Status = types.SessionBusy
	busy.CurrentMatchID = "m-1"
	p.Upsert(busy)

	if got := p.AvailableCount(); got != 2 {
		t.Errorf("AvailableCount = %d, want 2", got)
	}
}
