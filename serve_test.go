package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lavender-pwa/offline-gateway/internal/config"
	"github.com/lavender-pwa/offline-gateway/internal/logging"
)

func TestGatewayServesOfflineAfterUpstreamLoss(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<h1>offline</h1>")
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<h1>lavender</h1>")
		default:
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "console.log('"+r.URL.Path+"')")
		}
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, StoragePath: t.TempDir()},
		Controller: config.ControllerConfig{
			CachePrefix: "lavender-pwa",
			Version:     "v1",
			OfflinePath: "/offline.html",
			AppShell:    []string{"/", "/index.html", "/offline.html"},
			SkipWaiting: true,
		},
		App: config.OriginConfig{Name: "lavender", Domain: "lavender.local", Scheme: "http", Upstream: upstream.URL},
	}

	gw, err := newGateway(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newGateway failed: %v", err)
	}
	if _, err := gw.controllers.Install(context.Background(), gw.registration); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	app, err := gw.newApp(cfg.Global.ListenPort)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}

	do := func(method, path, accept string) (*http.Response, string) {
		t.Helper()
		req := httptest.NewRequest(method, "http://lavender.local"+path, nil)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test %s %s failed: %v", method, path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	resp, _ := do(http.MethodGet, "/assets/app.js", "*/*")
	if resp.Header.Get("X-Offline-Source") != "network" {
		t.Fatalf("first asset request should hit network, got %q", resp.Header.Get("X-Offline-Source"))
	}

	upstream.Close()

	resp, body := do(http.MethodGet, "/assets/app.js", "*/*")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Offline-Source") != "cache" || body != "console.log('/assets/app.js')" {
		t.Fatalf("asset should come from precache: %d %q %s", resp.StatusCode, resp.Header.Get("X-Offline-Source"), body)
	}

	resp, body = do(http.MethodGet, "/settings", "text/html")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Offline-Source") != "fallback" || body != "<h1>offline</h1>" {
		t.Fatalf("navigation should fall back to offline page: %d %q %s", resp.StatusCode, resp.Header.Get("X-Offline-Source"), body)
	}

	resp, _ = do(http.MethodPost, "/api/save", "")
	if resp.StatusCode != http.StatusBadGateway || resp.Header.Get("X-Offline-Strategy") != "passthrough" {
		t.Fatalf("non-GET should pass through and fail: %d %q", resp.StatusCode, resp.Header.Get("X-Offline-Strategy"))
	}

	if err := gw.registration.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
}
