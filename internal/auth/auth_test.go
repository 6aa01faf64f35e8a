package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{
		Secret: "test-secret", Issuer: "host", Audience: []string{"plugins"}, AccessTTL: 60,
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIssueAndParse(t *testing.T) {
	svc := newJWTService(t)
	token, err := svc.Issue(&Subject{UserID: "alice", Workspace: "ws-1", Scopes: []Scope{ScopeAdmin}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.UserID != "alice" || subject.Workspace != "ws-1" {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if !subject.Allows(ScopeExecute) || !subject.Allows(ScopeRead) {
		t.Fatalf("admin should include execute and read")
	}
	if subject.Allows("documents:admin") {
		t.Fatalf("unknown scopes are never granted")
	}
}

func TestRolesGrantScopes(t *testing.T) {
	operator := &Subject{UserID: "otto", Roles: []string{"Operator"}}
	if !operator.Allows(ScopeExecute) || operator.Allows(ScopeAdmin) {
		t.Fatalf("operator role should grant execute only")
	}
	if (&Subject{UserID: "x", Roles: []string{"guest"}}).Allows(ScopeRead) {
		t.Fatalf("unknown roles grant nothing")
	}
}

func TestAuthorizeChecksWorkspace(t *testing.T) {
	scoped := &Subject{UserID: "alice", Workspace: "ws-1", Scopes: []Scope{ScopeAdmin}}
	if err := scoped.Authorize(ScopeAdmin, "ws-2"); !errors.Is(err, ErrWorkspaceScope) {
		t.Fatalf("expected workspace mismatch, got %v", err)
	}
	if err := scoped.Authorize(ScopeAdmin, "WS-1"); err != nil {
		t.Fatalf("same workspace should pass: %v", err)
	}
	global := &Subject{UserID: "root", Scopes: []Scope{ScopeAdmin}}
	if err := global.Authorize(ScopeAdmin, "ws-2"); err != nil {
		t.Fatalf("global admin should pass any workspace: %v", err)
	}
	if err := (&Subject{UserID: "r", Scopes: []Scope{ScopeRead}}).Authorize(ScopeAdmin, ""); !errors.Is(err, ErrScopeDenied) {
		t.Fatalf("expected scope denial, got %v", err)
	}
}

func TestRejectsBadTokens(t *testing.T) {
	svc := newJWTService(t)
	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}

	other, _ := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "other", Issuer: "host", Audience: []string{"plugins"}}})
	forged, _ := other.Issue(&Subject{UserID: "mallory"})
	if _, err := svc.Parse(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong key must be rejected, got %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "alice", Issuer: "host", Audience: []string{"plugins"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	raw, _ := expired.SignedString([]byte("test-secret"))
	if _, err := svc.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must be rejected, got %v", err)
	}
}

func TestRequire(t *testing.T) {
	svc := newJWTService(t)
	var seen Actor
	h := svc.Require(ScopeExecute, "plugins.execute")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	reader, _ := svc.Issue(&Subject{UserID: "rita", Scopes: []Scope{ScopeRead}})
	operator, _ := svc.Issue(&Subject{UserID: "otto", Workspace: "ws-1", Roles: []string{"operator"}})
	cases := []struct {
		name, token, query string
		want               int
		code               string
	}{
		{"missing token", "", "", http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"reader", reader, "", http.StatusForbidden, "PERMISSION_DENIED"},
		{"operator", operator, "", http.StatusNoContent, ""},
		{"other workspace", operator, "?workspace=ws-2", http.StatusForbidden, "PERMISSION_DENIED"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/word-count/execute"+tc.query, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, rec.Code, tc.want)
		}
		if tc.code == "" {
			continue
		}
		var body map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["code"] != tc.code {
			t.Fatalf("%s: unexpected body %v (%v)", tc.name, body, err)
		}
	}
	if seen.User != "otto" || seen.Workspace != "ws-1" {
		t.Fatalf("actor not propagated: %+v", seen)
	}
	if actor := ActorFrom(context.Background()); actor.User != SystemActor {
		t.Fatalf("unauthenticated actor should be system, got %q", actor.User)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty config should disable auth: %v", err)
	}
	called := false
	h := svc.Require(ScopeAdmin, "x")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("disabled auth should pass through")
	}
	if _, err := NewService(Config{Mode: ModeJWT}); err == nil {
		t.Fatalf("jwt mode without secret must fail")
	}
}
