package matcher

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"attnmarket-engine/pkg/types"
)

// Metrics carries the matcher's Prometheus collectors plus the plain
// counters behind the ops snapshot. Everything here is observational; the
// matcher never reads metrics to make decisions.
type Metrics struct {
	matchesCreated    prometheus.Counter
	matchesCompleted  prometheus.Counter
	matchesFailed     prometheus.Counter
	bidsAdmitted      prometheus.Counter
	bidsCancelled     prometheus.Counter
	bidsExpired       prometheus.Counter
	settlements       prometheus.Counter
	matchLatency      prometheus.Histogram
	activeMatches     prometheus.Gauge
	bookSize          prometheus.Gauge
	availableSessions prometheus.Gauge

	mu           sync.Mutex
	created      uint64
	completed    uint64
	failed       uint64
	lastLatency  time.Duration
	totalLatency time.Duration
	settledTotal types.Micro
}

// NewMetrics registers the matcher collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		matchesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matching", Name: "matches_created_total",
			Help: "Matches opened by the match loop.",
		}),
		matchesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matching", Name: "matches_completed_total",
			Help: "Matches ended with status completed.",
		}),
		matchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matching", Name: "matches_failed_total",
			Help: "Matches ended with status failed or cancelled.",
		}),
		bidsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matching", Name: "bids_admitted_total",
			Help: "Bids accepted into the book.",
		}),
		bidsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matching", Name: "bids_cancelled_total",
			Help: "Bids withdrawn by their owner before matching.",
		}),
		bidsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matching", Name: "bids_expired_total",
			Help: "Bids dropped because their expiry passed.",
		}),
		settlements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matching", Name: "settlements_emitted_total",
			Help: "Settlement instructions emitted.",
		}),
		matchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "matching", Name: "match_latency_seconds",
			Help:    "Single-match construction latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		activeMatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "matching", Name: "active_matches",
			Help: "Matches currently being metered.",
		}),
		bookSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "matching", Name: "book_size",
			Help: "Pending bids in the book.",
		}),
		availableSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "matching", Name: "available_sessions",
			Help: "Sessions currently matchable.",
		}),
	}
}

func (m *Metrics) matchCreated(latency time.Duration) {
	m.matchesCreated.Inc()
	m.matchLatency.Observe(latency.Seconds())

	m.mu.Lock()
	m.created++
	m.lastLatency = latency
	m.totalLatency += latency
	m.mu.Unlock()
}

func (m *Metrics) matchEnded(status types.MatchStatus, total types.Micro) {
	if status == types.MatchCompleted {
		m.matchesCompleted.Inc()
	} else {
		m.matchesFailed.Inc()
	}
	m.settlements.Inc()

	m.mu.Lock()
	if status == types.MatchCompleted {
		m.completed++
	} else {
		m.failed++
	}
	m.settledTotal += total
	m.mu.Unlock()
}

func (m *Metrics) bidAdmitted() { m.bidsAdmitted.Inc() }
func (m *Metrics) bidCancelled() { m.bidsCancelled.Inc() }

func (m *Metrics) bidsExpiredN(n int) {
	if n > 0 {
		m.bidsExpired.Add(float64(n))
	}
}

func (m *Metrics) setGauges(active, book, available int) {
	m.activeMatches.Set(float64(active))
	m.bookSize.Set(float64(book))
	m.availableSessions.Set(float64(available))
}

// Stats is a consistent view of the matcher's counters for the ops API.
type Stats struct {
	MatchesCreated    uint64        `json:"matches_created"`
	MatchesCompleted  uint64        `json:"matches_completed"`
	MatchesFailed     uint64        `json:"matches_failed"`
	ActiveMatches     int           `json:"active_matches"`
	BookSize          int           `json:"book_size"`
	AvailableSessions int           `json:"available_sessions"`
	LastMatchLatency  time.Duration `json:"last_match_latency_ns"`
	AvgMatchLatency   time.Duration `json:"avg_match_latency_ns"`
	SettledTotal      string        `json:"settled_total"` // display units
}

func (m *Metrics) snapshot() (created, completed, failed uint64, last, avg time.Duration, settled types.Micro) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created, completed, failed = m.created, m.completed, m.failed
	last = m.lastLatency
	if m.created > 0 {
		avg = m.totalLatency / time.Duration(m.created)
	}
	settled = m.settledTotal
	return
}
