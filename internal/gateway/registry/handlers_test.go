package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
)

func newTestHandlers(t *testing.T) (*http.ServeMux, *Service) {
	t.Helper()
	svc := NewService(NewMemoryStore(), 0.5, nil, nil, nil)
	mux := http.NewServeMux()
	NewHandlers(svc, nil).Mount(mux)
	return mux, svc
}

func doJSON(t *testing.T, mux *http.ServeMux, p auth.Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if p.ID != "" {
		req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandlersRegisterAndGet(t *testing.T) {
	mux, _ := newTestHandlers(t)

	rec := doJSON(t, mux, owner, http.MethodPost, "/registry/servers", RegisterInput{
		CanonicalID: "team-a/weather",
		Name:        "Weather",
		SourceType:  SourceInternalRepo,
		SourceURL:   "https://git.internal/weather",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	var created Server
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != StatusDraft {
		t.Fatalf("status: %s", created.Status)
	}

	rec = doJSON(t, mux, owner, http.MethodGet, "/registry/servers/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	// Duplicate is a conflict.
	rec = doJSON(t, mux, owner, http.MethodPost, "/registry/servers", RegisterInput{
		CanonicalID: "team-a/weather",
		Name:        "Again",
		SourceType:  SourceInternalRepo,
		SourceURL:   "https://git.internal/weather",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register: %d", rec.Code)
	}

	// Missing principal is unauthorized.
	rec = doJSON(t, mux, auth.Principal{}, http.MethodPost, "/registry/servers", RegisterInput{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous register: %d", rec.Code)
	}
}

func TestHandlersListFilterRejectsBadStatus(t *testing.T) {
	mux, _ := newTestHandlers(t)
	rec := doJSON(t, mux, owner, http.MethodGet, "/registry/servers?status=NotAThing", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", rec.Code)
	}
}

func TestHandlersScanFlow(t *testing.T) {
	mux, svc := newTestHandlers(t)
	srv := registerTestServer(t, svc, owner, "team-a/weather")

	rec := doJSON(t, mux, owner, http.MethodPost, "/registry/servers/"+srv.ID+"/scan", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit scan: %d %s", rec.Code, rec.Body)
	}
	var scan Scan
	if err := json.Unmarshal(rec.Body.Bytes(), &scan); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, mux, owner, http.MethodGet, "/registry/scans/"+scan.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get scan: %d", rec.Code)
	}

	rec = doJSON(t, mux, owner, http.MethodGet, "/registry/servers/"+srv.ID+"/scans", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list scans: %d", rec.Code)
	}
	var listing struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatal(err)
	}
	if listing.Count != 1 {
		t.Fatalf("scan count: %d", listing.Count)
	}

	// Double submit conflicts.
	rec = doJSON(t, mux, owner, http.MethodPost, "/registry/servers/"+srv.ID+"/scan", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double submit: %d", rec.Code)
	}
}

func TestHandlersApprovalFlow(t *testing.T) {
	mux, svc := newTestHandlers(t)
	srv := registerTestServer(t, svc, owner, "team-a/weather")
	passScan(t, svc, srv.ID)

	// Non-admin is forbidden.
	rec := doJSON(t, mux, owner, http.MethodPost, "/registry/servers/"+srv.ID+"/approve",
		ApprovalRequest{Reason: "ok"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("owner approve: %d", rec.Code)
	}

	rec = doJSON(t, mux, admin, http.MethodPost, "/registry/servers/"+srv.ID+"/approve",
		ApprovalRequest{Reason: "reviewed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body)
	}
	var approval Approval
	if err := json.Unmarshal(rec.Body.Bytes(), &approval); err != nil {
		t.Fatal(err)
	}
	if approval.Action != ActionApproved || approval.Reason != "reviewed" {
		t.Fatalf("approval record: %+v", approval)
	}
	if got, _ := svc.Resolve(context.Background(), srv.ID); got.Status != StatusApproved {
		t.Fatalf("status: %s", got.Status)
	}

	// Approve again conflicts.
	rec = doJSON(t, mux, admin, http.MethodPost, "/registry/servers/"+srv.ID+"/approve",
		ApprovalRequest{Reason: "again"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("double approve: %d", rec.Code)
	}

	rec = doJSON(t, mux, admin, http.MethodGet, "/registry/servers/"+srv.ID+"/approvals", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list approvals: %d", rec.Code)
	}
}

func TestHandlersDelete(t *testing.T) {
	mux, svc := newTestHandlers(t)
	srv := registerTestServer(t, svc, owner, "team-a/weather")

	rec := doJSON(t, mux, random, http.MethodDelete, "/registry/servers/"+srv.ID, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider delete: %d", rec.Code)
	}
	rec = doJSON(t, mux, owner, http.MethodDelete, "/registry/servers/"+srv.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("owner delete: %d", rec.Code)
	}
	rec = doJSON(t, mux, admin, http.MethodGet, "/registry/servers/"+srv.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
}

func TestHandlersListReturnsBareArray(t *testing.T) {
	mux, svc := newTestHandlers(t)
	registerTestServer(t, svc, owner, "team-a/weather")

	rec := doJSON(t, mux, owner, http.MethodGet, "/registry/servers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var servers []Server
	if err := json.Unmarshal(rec.Body.Bytes(), &servers); err != nil {
		t.Fatalf("list body must be a plain array: %v (%s)", err, rec.Body)
	}
	if len(servers) != 1 || servers[0].CanonicalID != "team-a/weather" {
		t.Fatalf("listing: %+v", servers)
	}
}

func TestHandlersGetByCanonicalID(t *testing.T) {
	mux, svc := newTestHandlers(t)
	srv := registerTestServer(t, svc, owner, "team-a/weather")

	rec := doJSON(t, mux, owner, http.MethodGet,
		"/registry/servers/by-canonical-id/team-a/weather", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by canonical id: %d %s", rec.Code, rec.Body)
	}
	var got Server
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != srv.ID {
		t.Fatal("canonical id lookup mismatch")
	}

	rec = doJSON(t, mux, owner, http.MethodGet,
		"/registry/servers/by-canonical-id/no/such/server", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing canonical id: %d", rec.Code)
	}
}

func TestHandlersLatestScan(t *testing.T) {
	mux, svc := newTestHandlers(t)
	srv := registerTestServer(t, svc, owner, "team-a/weather")

	rec := doJSON(t, mux, owner, http.MethodGet, "/registry/servers/"+srv.ID+"/scan/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("latest scan before any submit: %d", rec.Code)
	}

	rec = doJSON(t, mux, owner, http.MethodPost, "/registry/servers/"+srv.ID+"/scan", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit scan: %d", rec.Code)
	}
	var submitted Scan
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, mux, owner, http.MethodGet, "/registry/servers/"+srv.ID+"/scan/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest scan: %d %s", rec.Code, rec.Body)
	}
	var latest Scan
	if err := json.Unmarshal(rec.Body.Bytes(), &latest); err != nil {
		t.Fatal(err)
	}
	if latest.ID != submitted.ID {
		t.Fatal("latest scan mismatch")
	}
}

func TestHandlersUpdateAcceptsPut(t *testing.T) {
	mux, svc := newTestHandlers(t)
	srv := registerTestServer(t, svc, owner, "team-a/weather")

	desc := "updated over PUT"
	for _, method := range []string{http.MethodPut, http.MethodPatch} {
		rec := doJSON(t, mux, owner, method, "/registry/servers/"+srv.ID,
			UpdateInput{Description: &desc})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s update: %d %s", method, rec.Code, rec.Body)
		}
	}
	got, _ := svc.Resolve(context.Background(), srv.ID)
	if got.Description != desc {
		t.Fatalf("description: %q", got.Description)
	}
}

func TestHandlersUploadScanReturnsOK(t *testing.T) {
	mux, svc := newTestHandlers(t)
	srv, err := svc.Register(context.Background(), owner, RegisterInput{
		CanonicalID:   "team-a/local",
		Name:          "Local",
		SourceType:    SourceLocalDeclared,
		DeclaredTools: []string{"ping"},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, owner, http.MethodPost, "/registry/servers/"+srv.ID+"/scan/upload",
		UploadLocalScanInput{ScanOutput: []byte(`{"risk_score": 0.2}`)})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body)
	}
}
