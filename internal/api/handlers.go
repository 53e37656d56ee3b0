package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"attnmarket-engine/pkg/types"
)

// defaultBookLimit caps /api/book responses when no limit is given.
const defaultBookLimit = 50

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider    EngineSnapshotProvider
	settlements SettlementSource // nil serves an empty list
	hub         *Hub
	allowed     []string
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHandlers creates a new handlers instance. allowedOrigins is the
// websocket origin allowlist; empty falls back to same-host and localhost.
func NewHandlers(provider EngineSnapshotProvider, settlements SettlementSource, allowedOrigins []string, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider:    provider,
		settlements: settlements,
		hub:         hub,
		allowed:     allowedOrigins,
		logger:      logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.allowed, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a websocket upgrade may proceed. An empty
// origin (non-browser client) always passes. With an allowlist configured,
// only exact matches pass; without one, same-host and localhost origins do.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HandleHealth returns a liveness response with basic engine vitals.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.provider.GetStatsSnapshot()
	h.writeJSON(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": stats.UptimeSeconds,
		"active_matches": stats.ActiveMatches,
	})
}

// HandleStats returns the engine counter block.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.GetStatsSnapshot())
}

// HandleBook returns the top of the bid book. ?limit= bounds the page and
// ?floor= (micro-units) drops bids priced below it.
func (h *Handlers) HandleBook(w http.ResponseWriter, r *http.Request) {
	limit := defaultBookLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	var floor types.Micro
	if q := r.URL.Query().Get("floor"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			http.Error(w, "invalid floor", http.StatusBadRequest)
			return
		}
		floor = types.Micro(n)
	}
	h.writeJSON(w, h.provider.GetBookSnapshot(floor, limit))
}

// HandleSettlements returns recently journalled settlement instructions,
// newest first. ?limit= bounds the page.
func (h *Handlers) HandleSettlements(w http.ResponseWriter, r *http.Request) {
	limit := defaultBookLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	view := SettlementsView{Timestamp: time.Now(), Settlements: []SettlementEvent{}}
	if h.settlements != nil {
		insts, err := h.settlements.LoadRecent(limit)
		if err != nil {
			h.logger.Error("failed to load settlements", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		for _, inst := range insts {
			view.Settlements = append(view.Settlements, NewSettlementEvent(inst))
		}
	}
	view.Count = len(view.Settlements)
	h.writeJSON(w, view)
}

// HandleWebSocket upgrades the connection and registers a stream client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Push current stats so the client renders before the next tick.
	evt := EngineEvent{
		Type:      EventTypeStats,
		Timestamp: time.Now(),
		Data:      h.provider.GetStatsSnapshot(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial stats", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial stats to client")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
