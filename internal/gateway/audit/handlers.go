package audit

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/httpx"
)

// Handlers exposes audit queries over HTTP. Admin only: the trail carries
// every team's activity.
type Handlers struct {
	store  Store
	logger *zap.Logger
}

// NewHandlers builds the audit HTTP surface.
func NewHandlers(store Store, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{store: store, logger: logger.Named("audit-http")}
}

// Mount registers the audit routes on mux.
func (h *Handlers) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /audit/events", h.handleQuery)
	mux.HandleFunc("GET /audit/stats", h.handleStats)
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !p.IsAdmin() {
		httpx.WriteError(w, http.StatusForbidden, "audit access requires the admin role")
		return false
	}
	return true
}

// parseFilter builds a Filter from query parameters. A false return means
// the error response has already been written.
func parseFilter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	q := r.URL.Query()
	filter := Filter{
		EventType:         q.Get("eventType"),
		Actor:             q.Get("actor"),
		ActorTeam:         q.Get("team"),
		ServerCanonicalID: q.Get("server"),
		Tool:              q.Get("tool"),
	}
	if raw := q.Get("decision"); raw != "" {
		decision, err := ParseDecision(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
			return filter, false
		}
		filter.Decision = &decision
	}
	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid since: %s", err.Error())
		return filter, false
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid until: %s", err.Error())
		return filter, false
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid limit")
			return filter, false
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid offset")
			return filter, false
		}
	}
	return filter, true
}

func (h *Handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}

	events, total, err := h.store.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	if filter.Since == nil {
		since := time.Now().UTC().Add(-24 * time.Hour)
		filter.Since = &since
	}

	stats, err := h.store.Stats(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit stats failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
