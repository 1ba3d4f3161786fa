package registry

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/httpx"
)

// Handlers exposes the registry service over HTTP.
type Handlers struct {
	service *Service
	logger  *zap.Logger
}

// NewHandlers builds the registry HTTP surface.
func NewHandlers(service *Service, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{service: service, logger: logger.Named("registry-http")}
}

// Mount registers all registry routes on mux.
func (h *Handlers) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /registry/servers", h.handleRegister)
	mux.HandleFunc("GET /registry/servers", h.handleList)
	mux.HandleFunc("GET /registry/servers/{id}", h.handleGet)
	// Canonical ids contain slashes, so the lookup takes the path remainder.
	// GET sub-resources go through one dispatcher pattern: a literal segment
	// route like {id}/scans would be incomparable with this wildcard and the
	// mux would reject the pair at registration.
	mux.HandleFunc("GET /registry/servers/by-canonical-id/{canonicalId...}", h.handleGetByCanonicalID)
	mux.HandleFunc("GET /registry/servers/{id}/{sub...}", h.handleServerSubresource)
	mux.HandleFunc("PUT /registry/servers/{id}", h.handleUpdate)
	mux.HandleFunc("PATCH /registry/servers/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /registry/servers/{id}", h.handleDelete)

	mux.HandleFunc("POST /registry/servers/{id}/scan", h.handleSubmitScan)
	mux.HandleFunc("POST /registry/servers/{id}/scan/upload", h.handleUploadScan)
	mux.HandleFunc("GET /registry/scans/{scanId}", h.handleGetScan)

	mux.HandleFunc("POST /registry/servers/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /registry/servers/{id}/deny", h.handleDeny)
	mux.HandleFunc("POST /registry/servers/{id}/suspend", h.handleSuspend)
	mux.HandleFunc("POST /registry/servers/{id}/reinstate", h.handleReinstate)
	mux.HandleFunc("POST /registry/servers/{id}/deprecate", h.handleDeprecate)
}

func (h *Handlers) handleServerSubresource(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("sub") {
	case "scans":
		h.handleListScans(w, r)
	case "scan/latest":
		h.handleLatestScan(w, r)
	case "approvals":
		h.handleListApprovals(w, r)
	default:
		httpx.WriteError(w, http.StatusNotFound, "not found")
	}
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var invalid *InvalidStateError
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "%s", err.Error())
	case IsDuplicate(err):
		httpx.WriteError(w, http.StatusConflict, "%s", err.Error())
	case errors.As(err, &invalid):
		httpx.WriteError(w, http.StatusConflict, "%s", err.Error())
	case IsValidation(err):
		httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var in RegisterInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	srv, err := h.service.Register(r.Context(), p, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, srv)
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var filter ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := ParseServerStatus(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
			return
		}
		filter.Status = &status
	}
	filter.Team = r.URL.Query().Get("team")

	servers, err := h.service.List(r.Context(), p, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, servers)
}

func (h *Handlers) handleGetByCanonicalID(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	srv, err := h.service.Get(r.Context(), p, r.PathValue("canonicalId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, srv)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	srv, err := h.service.Get(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, srv)
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var in UpdateInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	srv, err := h.service.Update(r.Context(), p, r.PathValue("id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, srv)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := h.service.Delete(r.Context(), p, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scan, err := h.service.SubmitForScan(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, scan)
}

func (h *Handlers) handleUploadScan(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var in UploadLocalScanInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	scan, err := h.service.UploadLocalScan(r.Context(), p, r.PathValue("id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, scan)
}

func (h *Handlers) handleLatestScan(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scan, err := h.service.LatestScan(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, scan)
}

func (h *Handlers) handleListScans(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scans, err := h.service.ListScans(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"scans": scans,
		"count": len(scans),
	})
}

func (h *Handlers) handleGetScan(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scan, err := h.service.GetScan(r.Context(), p, r.PathValue("scanId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, scan)
}

type lifecycleFunc func(r *http.Request, p auth.Principal, id string, req ApprovalRequest) (*Approval, error)

func (h *Handlers) handleLifecycle(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req ApprovalRequest
	if r.ContentLength != 0 {
		if err := httpx.Decode(r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
			return
		}
	}
	approval, err := fn(r, p, r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, approval)
}

func (h *Handlers) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, p auth.Principal, id string, req ApprovalRequest) (*Approval, error) {
		return h.service.Approve(r.Context(), p, id, req)
	})
}

func (h *Handlers) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, p auth.Principal, id string, req ApprovalRequest) (*Approval, error) {
		return h.service.Deny(r.Context(), p, id, req)
	})
}

func (h *Handlers) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, p auth.Principal, id string, req ApprovalRequest) (*Approval, error) {
		return h.service.Suspend(r.Context(), p, id, req)
	})
}

func (h *Handlers) handleReinstate(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, p auth.Principal, id string, req ApprovalRequest) (*Approval, error) {
		return h.service.Reinstate(r.Context(), p, id, req)
	})
}

func (h *Handlers) handleDeprecate(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, p auth.Principal, id string, req ApprovalRequest) (*Approval, error) {
		return h.service.Deprecate(r.Context(), p, id, req)
	})
}

// approvalView adds the advisory expiry flag computed at read time. Expiry
// never reverts server status on its own.
type approvalView struct {
	Approval
	Expired bool `json:"expired"`
}

func (h *Handlers) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	approvals, err := h.service.ListApprovals(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	now := time.Now().UTC()
	views := make([]approvalView, len(approvals))
	for i, a := range approvals {
		views[i] = approvalView{Approval: a, Expired: a.Expired(now)}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"approvals": views,
		"count":     len(views),
	})
}
