package pluginapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/plugin"
)

func TestRegisterSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/plugins" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var b manifest.Bundle
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(plugin.Info{ID: b.Manifest.ID, Version: b.Manifest.Version, State: plugin.StateActive})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")
	info, err := client.Register(context.Background(), manifest.Bundle{
		Manifest: manifest.Manifest{ID: "word-count", Version: "1.0.0"},
		Code:     "module.exports = {activate: function () {}};",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if info.ID != "word-count" || info.State != plugin.StateActive {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestErrorsCarryCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"PERMISSION_DENIED","message":"plugin reader lacks permission storage:write"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	_, err := client.Execute(context.Background(), "reader", "save")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "PERMISSION_DENIED" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestUnregisterAcceptsNoContent(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/", nil)
	if err := client.Unregister(context.Background(), "word-count"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if path != "DELETE /api/v1/plugins/word-count" {
		t.Fatalf("unexpected request %s", path)
	}
	if err := client.Disable(context.Background(), "word-count"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if path != "POST /api/v1/plugins/word-count/disable" {
		t.Fatalf("unexpected request %s", path)
	}
}
