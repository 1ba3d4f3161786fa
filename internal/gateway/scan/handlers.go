package scan

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/httpx"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

// Handlers exposes scan orchestration controls over HTTP.
type Handlers struct {
	reconciler *Reconciler
	store      registry.Store
	logger     *zap.Logger
}

// NewHandlers builds the scan HTTP surface.
func NewHandlers(reconciler *Reconciler, store registry.Store, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{reconciler: reconciler, store: store, logger: logger.Named("scan-http")}
}

// Mount registers the scan routes on mux.
func (h *Handlers) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /registry/scans/{scanId}/cancel", h.handleCancel)
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	scanID := r.PathValue("scanId")
	scan, err := h.store.GetScan(r.Context(), scanID)
	if errors.Is(err, registry.ErrNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	srv, err := h.store.GetServer(r.Context(), scan.ServerID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !p.IsAdmin() && !p.InTeam(srv.OwnerTeam) {
		httpx.WriteError(w, http.StatusForbidden, "cancel requires admin or ownership")
		return
	}

	switch err := h.reconciler.Cancel(r.Context(), scanID); {
	case errors.Is(err, ErrScanTerminal):
		httpx.WriteError(w, http.StatusConflict, "%s", err.Error())
	case errors.Is(err, registry.ErrStale):
		httpx.WriteError(w, http.StatusConflict, "scan already transitioned")
	case err != nil:
		h.logger.Error("cancel failed", zap.String("scanId", scanID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	default:
		updated, err := h.store.GetScan(r.Context(), scanID)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, updated)
	}
}
