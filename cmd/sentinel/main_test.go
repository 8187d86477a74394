package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"sentinel/internal/assembler"
	"sentinel/internal/auth"
	"sentinel/internal/config"
	"sentinel/internal/detection"
	"sentinel/internal/engine"
	"sentinel/internal/pipeline"
	"sentinel/internal/sink"
	"sentinel/internal/storage"
	"sentinel/internal/ws"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{".env", []string{".env"}},
		{" a, ,b ,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func testDeps(t *testing.T) serverDeps {
	t.Helper()
	store, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := sink.NewDispatcher(store)
	asm := assembler.New(nil, dispatcher, pipeline.NewEventBus())
	pool := detection.NewPool(1)
	manager := engine.NewManager(asm, pool, dispatcher)
	hub := ws.NewHub()
	t.Cleanup(func() {
		manager.Close()
		hub.Close()
		dispatcher.Close()
	})
	return serverDeps{manager: manager, asm: asm, pool: pool, dispatcher: dispatcher, hub: hub}
}

func TestHealthzWithoutCameras(t *testing.T) {
	srv := httptest.NewServer(newServer(config.Default(), testDeps(t)).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "down" || len(body.Cameras) != 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestFeedRequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.Feed.Enabled = true
	deps := testDeps(t)
	deps.feedAuth = auth.NewJWTManager("secret", time.Hour)

	srv := httptest.NewServer(newServer(cfg, deps).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + feedPrefix)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// Previews are not mounted unless enabled
	resp, err = http.Get(srv.URL + previewPrefix + "/front")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("preview status = %d, want 404", resp.StatusCode)
	}
}
