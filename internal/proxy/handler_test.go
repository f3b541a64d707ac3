package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	perrors "github.com/jmgilman/go/errors"

	"github.com/lavender-pwa/offline-gateway/internal/config"
	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/lifecycle"
	"github.com/lavender-pwa/offline-gateway/internal/logging"
	"github.com/lavender-pwa/offline-gateway/internal/server"
)

type dispatchFunc func(ctx context.Context, req *fetch.Request, clientID string) (*lifecycle.Reply, bool, error)

func (f dispatchFunc) Dispatch(ctx context.Context, req *fetch.Request, clientID string) (*lifecycle.Reply, bool, error) {
	return f(ctx, req, clientID)
}

func newProxyApp(t *testing.T, dispatcher Dispatcher, fetcher fetch.Fetcher) *fiber.App {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		App:    config.OriginConfig{Name: "lavender", Domain: "lavender.local", Scheme: "https", Upstream: "http://127.0.0.1:4173"},
	}
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	logger := logging.Discard()
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(dispatcher, fetcher, logger, nil), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target string, header http.Header) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.Host = "lavender.local"
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHandlerWritesInterceptedResponse(t *testing.T) {
	var seen *fetch.Request
	dispatcher := dispatchFunc(func(_ context.Context, req *fetch.Request, clientID string) (*lifecycle.Reply, bool, error) {
		seen = req
		if clientID == "" {
			t.Errorf("expected client id for app origin")
		}
		return &lifecycle.Reply{
			Response: &fetch.Response{
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": []string{"text/javascript"}, "Connection": []string{"close"}},
				Body:   []byte("console.log(1)"),
			},
			Strategy: "precache-first",
			Source:   "cache",
		}, true, nil
	})
	app := newProxyApp(t, dispatcher, nil)

	resp, body := doRequest(t, app, http.MethodGet, "http://lavender.local/assets/a.js?v=2", nil)
	if resp.StatusCode != http.StatusOK || body != "console.log(1)" {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Offline-Strategy") != "precache-first" || resp.Header.Get("X-Offline-Source") != "cache" {
		t.Fatalf("missing strategy headers: %v", resp.Header)
	}
	if resp.Header.Get("Content-Type") != "text/javascript" {
		t.Fatalf("content type not copied: %s", resp.Header.Get("Content-Type"))
	}
	if seen == nil || seen.URL.String() != "https://lavender.local/assets/a.js?v=2" {
		t.Fatalf("dispatched url should be client-visible, got %v", seen)
	}
	if seen.Destination != fetch.DestinationScript {
		t.Fatalf("expected script destination, got %q", seen.Destination)
	}
}

func TestHandlerNavigationHeadersBecomeNavigateMode(t *testing.T) {
	var mode fetch.Mode
	dispatcher := dispatchFunc(func(_ context.Context, req *fetch.Request, _ string) (*lifecycle.Reply, bool, error) {
		mode = req.Mode
		return &lifecycle.Reply{Response: &fetch.Response{Status: http.StatusOK}, Strategy: "network-first", Source: "network"}, true, nil
	})
	app := newProxyApp(t, dispatcher, nil)

	doRequest(t, app, http.MethodGet, "http://lavender.local/garden", http.Header{"Accept": []string{"text/html,application/xhtml+xml"}})
	if mode != fetch.ModeNavigate {
		t.Fatalf("expected navigate mode, got %s", mode)
	}
}

func TestHandlerNetworkErrorResponse(t *testing.T) {
	dispatcher := dispatchFunc(func(context.Context, *fetch.Request, string) (*lifecycle.Reply, bool, error) {
		return &lifecycle.Reply{Response: fetch.NetworkError(), Strategy: "network-first", Source: "fallback"}, true, nil
	})
	app := newProxyApp(t, dispatcher, nil)

	resp, body := doRequest(t, app, http.MethodGet, "http://lavender.local/", nil)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "network_error") {
		t.Fatalf("expected 502 network_error, got %d %s", resp.StatusCode, body)
	}
}

func TestHandlerRejectedFetch(t *testing.T) {
	dispatcher := dispatchFunc(func(context.Context, *fetch.Request, string) (*lifecycle.Reply, bool, error) {
		return nil, true, perrors.New(perrors.CodeNetwork, "unreachable")
	})
	app := newProxyApp(t, dispatcher, nil)

	resp, body := doRequest(t, app, http.MethodGet, "http://lavender.local/a.js", nil)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected 502 upstream_failed, got %d %s", resp.StatusCode, body)
	}
}

func TestHandlerPassthroughWhenNotHandled(t *testing.T) {
	dispatcher := dispatchFunc(func(context.Context, *fetch.Request, string) (*lifecycle.Reply, bool, error) {
		return nil, false, nil
	})
	var method string
	fetcher := fetch.FetcherFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		method = req.Method
		return &fetch.Response{Status: http.StatusCreated, Header: http.Header{}, Body: []byte("created")}, nil
	})
	app := newProxyApp(t, dispatcher, fetcher)

	resp, body := doRequest(t, app, http.MethodPost, "http://lavender.local/api/progress", nil)
	if resp.StatusCode != http.StatusCreated || body != "created" {
		t.Fatalf("unexpected passthrough response: %d %s", resp.StatusCode, body)
	}
	if method != http.MethodPost {
		t.Fatalf("expected POST forwarded, got %s", method)
	}
	if resp.Header.Get("X-Offline-Strategy") != "passthrough" {
		t.Fatalf("expected passthrough strategy header")
	}
}

func TestHandlerPassthroughNetworkFailure(t *testing.T) {
	dispatcher := dispatchFunc(func(context.Context, *fetch.Request, string) (*lifecycle.Reply, bool, error) {
		return nil, false, nil
	})
	fetcher := fetch.FetcherFunc(func(context.Context, *fetch.Request) (*fetch.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	app := newProxyApp(t, dispatcher, fetcher)

	resp, body := doRequest(t, app, http.MethodPost, "http://lavender.local/api/progress", nil)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "network_error") {
		t.Fatalf("expected 502 network_error, got %d %s", resp.StatusCode, body)
	}
}

func TestHandlerControllerPanic(t *testing.T) {
	dispatcher := dispatchFunc(func(context.Context, *fetch.Request, string) (*lifecycle.Reply, bool, error) {
		panic("strategy exploded")
	})
	app := newProxyApp(t, dispatcher, nil)

	resp, body := doRequest(t, app, http.MethodGet, "http://lavender.local/a.js", nil)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(body, "controller_panic") {
		t.Fatalf("expected 500 controller_panic, got %d %s", resp.StatusCode, body)
	}
}
