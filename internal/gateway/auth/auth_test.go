package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPrincipalRoles(t *testing.T) {
	p := Principal{ID: "u1", Team: "team-a", Roles: []string{"Admin", "owner"}}
	if !p.IsAdmin() {
		t.Error("expected admin")
	}
	if !p.HasRole("OWNER") {
		t.Error("expected case-insensitive role match")
	}
	if p.HasRole("viewer") {
		t.Error("unexpected viewer role")
	}
	if !p.InTeam("Team-A") {
		t.Error("expected case-insensitive team match")
	}
	if (Principal{}).InTeam("") {
		t.Error("empty team must not match")
	}
}

func TestKeyStoreLifecycle(t *testing.T) {
	ks := NewKeyStore()
	p := Principal{ID: "dev", Roles: []string{"admin"}}

	key, plain, err := ks.Create("dev key", p, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if key.KeyHash == plain {
		t.Fatal("plaintext must not be stored")
	}

	got, err := ks.Validate(plain)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != "dev" || !got.IsAdmin() {
		t.Fatalf("unexpected principal %+v", got)
	}

	if _, err := ks.Validate("mjk_bogus0000cafe"); err == nil {
		t.Fatal("expected unknown key error")
	}

	if err := ks.Revoke(key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := ks.Validate(plain); err == nil {
		t.Fatal("expected revoked key to fail validation")
	}
}

func TestKeyStoreExpiry(t *testing.T) {
	ks := NewKeyStore()
	past := time.Now().Add(-time.Hour)
	_, plain, err := ks.Create("expired", Principal{ID: "x"}, &past)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ks.Validate(plain); err != ErrKeyExpired {
		t.Fatalf("expected ErrKeyExpired, got %v", err)
	}
}

func TestMiddlewareTrustedHeaders(t *testing.T) {
	mw := NewMiddleware(true, nil, []string{"/healthz", "/adapters/*"})

	var captured Principal
	var had bool
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, had = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/registry/servers", nil)
	req.Header.Set(HeaderSubject, "alice")
	req.Header.Set(HeaderTeam, "team-a")
	req.Header.Set(HeaderRoles, "admin, owner")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !had || captured.ID != "alice" || captured.Team != "team-a" || len(captured.Roles) != 2 {
		t.Fatalf("principal: %+v", captured)
	}
}

func TestMiddlewareRejectsMissingIdentity(t *testing.T) {
	mw := NewMiddleware(true, nil, nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/registry/servers", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMiddlewareSkipPaths(t *testing.T) {
	mw := NewMiddleware(true, nil, []string{"/healthz", "/adapters/*"})
	ran := false
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/adapters/team-a/weather/mcp", nil))
	if !ran || rec.Code != http.StatusOK {
		t.Fatalf("skip path blocked: ran=%v code=%d", ran, rec.Code)
	}
}

func TestMiddlewareAPIKeyPath(t *testing.T) {
	ks := NewKeyStore()
	_, plain, err := ks.Create("ci", Principal{ID: "ci-bot", Roles: []string{"owner"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	mw := NewMiddleware(false, ks, nil)
	var captured Principal
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/registry/servers", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || captured.ID != "ci-bot" {
		t.Fatalf("code=%d principal=%+v", rec.Code, captured)
	}
}
