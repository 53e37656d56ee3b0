package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"attnmarket-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	stats     StatsView
	book      BookView
	lastFloor types.Micro
	lastLimit int
}

func (f *fakeProvider) GetStatsSnapshot() StatsView { return f.stats }

func (f *fakeProvider) GetBookSnapshot(floor types.Micro, limit int) BookView {
	f.lastFloor = floor
	f.lastLimit = limit
	view := f.book
	if limit < len(view.Bids) {
		view.Bids = view.Bids[:limit]
	}
	return view
}

type fakeSettlements struct {
	insts []types.SettlementInstruction
	err   error
}

func (f *fakeSettlements) LoadRecent(n int) ([]types.SettlementInstruction, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n < len(f.insts) {
		return f.insts[:n], nil
	}
	return f.insts, nil
}

func newTestHandlers(provider EngineSnapshotProvider, settlements SettlementSource) *Handlers {
	return NewHandlers(provider, settlements, nil, NewHub(testLogger()), testLogger())
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		allowed []string
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://ops.example.com",
			allowed: []string{"https://ops.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			allowed: []string{"https://ops.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://engine.internal:8080",
			reqHost: "engine.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.allowed, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{
		stats: StatsView{UptimeSeconds: 90, ActiveMatches: 2},
	}, nil)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["uptime_seconds"] != float64(90) {
		t.Errorf("uptime_seconds = %v, want 90", body["uptime_seconds"])
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{
		stats: StatsView{
			MatchesCreated:   7,
			MatchesCompleted: 5,
			ActiveMatches:    2,
			SettledTotal:     "1.500000",
		},
	}, nil)

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view StatsView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view.MatchesCreated != 7 || view.MatchesCompleted != 5 {
		t.Errorf("counters = %d/%d, want 7/5", view.MatchesCreated, view.MatchesCompleted)
	}
	if view.SettledTotal != "1.500000" {
		t.Errorf("SettledTotal = %q, want 1.500000", view.SettledTotal)
	}
}

func TestHandleBookRespectsLimit(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{
		book: BookView{
			Size: 3,
			Bids: []BidView{
				{BidID: "bid-1", PricePerSecond: "0.003000"},
				{BidID: "bid-2", PricePerSecond: "0.002000"},
				{BidID: "bid-3", PricePerSecond: "0.001000"},
			},
		},
	}, nil)

	rec := httptest.NewRecorder()
	h.HandleBook(rec, httptest.NewRequest(http.MethodGet, "/api/book?limit=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view BookView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(view.Bids) != 2 {
		t.Fatalf("page size = %d, want 2", len(view.Bids))
	}
	if view.Bids[0].BidID != "bid-1" {
		t.Errorf("first bid = %s, want bid-1 (best price first)", view.Bids[0].BidID)
	}
	if view.Size != 3 {
		t.Errorf("Size = %d, want full book size 3", view.Size)
	}
}

func TestHandleBookRejectsBadParams(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{}, nil)

	for _, q := range []string{"limit=0", "limit=-1", "limit=abc", "floor=-5", "floor=abc"} {
		rec := httptest.NewRecorder()
		h.HandleBook(rec, httptest.NewRequest(http.MethodGet, "/api/book?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestHandleBookPassesFloorThrough(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{}
	h := newTestHandlers(provider, nil)

	rec := httptest.NewRecorder()
	h.HandleBook(rec, httptest.NewRequest(http.MethodGet, "/api/book?floor=1500&limit=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if provider.lastFloor != 1500 {
		t.Errorf("floor = %d, want 1500", provider.lastFloor)
	}
	if provider.lastLimit != 10 {
		t.Errorf("limit = %d, want 10", provider.lastLimit)
	}
}

func TestHandleSettlements(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{}, &fakeSettlements{
		insts: []types.SettlementInstruction{
			{
				MatchID:         "match-2",
				VerifiedSeconds: 10,
				PricePerSecond:  1500,
				TotalAmount:     15000,
				EscrowAccount:   "escrow-2",
				Payee:           "human-2",
				Nonce:           200,
			},
			{
				MatchID:         "match-1",
				VerifiedSeconds: 5,
				PricePerSecond:  1000,
				TotalAmount:     5000,
				EscrowAccount:   "escrow-1",
				Payee:           "human-1",
				Nonce:           100,
			},
		},
	})

	rec := httptest.NewRecorder()
	h.HandleSettlements(rec, httptest.NewRequest(http.MethodGet, "/api/settlements", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view SettlementsView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view.Count != 2 {
		t.Fatalf("Count = %d, want 2", view.Count)
	}
	if view.Settlements[0].MatchID != "match-2" {
		t.Errorf("first settlement = %s, want match-2 (newest first)", view.Settlements[0].MatchID)
	}
	if view.Settlements[0].Total != "0.015000" {
		t.Errorf("Total = %q, want display units 0.015000", view.Settlements[0].Total)
	}
}

func TestHandleSettlementsWithoutJournal(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{}, nil)

	rec := httptest.NewRecorder()
	h.HandleSettlements(rec, httptest.NewRequest(http.MethodGet, "/api/settlements", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view SettlementsView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view.Count != 0 || len(view.Settlements) != 0 {
		t.Errorf("view = %+v, want empty list without a journal", view)
	}
}

func TestHandleSettlementsSourceError(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{}, &fakeSettlements{err: errors.New("disk gone")})

	rec := httptest.NewRecorder()
	h.HandleSettlements(rec, httptest.NewRequest(http.MethodGet, "/api/settlements", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestBroadcastStatsReachesSubscribedClient(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger())
	go hub.Run()

	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client

	hub.BroadcastStats(StatsView{MatchesCreated: 3})

	select {
	case data := <-client.send:
		var evt EngineEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if evt.Type != EventTypeStats {
			t.Errorf("event type = %q, want %q", evt.Type, EventTypeStats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the client")
	}
}
