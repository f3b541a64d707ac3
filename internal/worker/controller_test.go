package worker

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"testing"

	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/goleak"

	"github.com/lavender-pwa/offline-gateway/internal/cache"
	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/lifecycle"
	"github.com/lavender-pwa/offline-gateway/internal/manifest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const appOrigin = "https://lavender.local"

// fakeNetwork 按 URL 返回固定响应，offline 时所有请求返回网络错误。
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	offline bool
	calls   map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{bodies: map[string]string{}, calls: map[string]int{}}
}

func (n *fakeNetwork) serve(rawURL, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[rawURL] = body
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := req.URL.String()
	n.calls[key]++
	if n.offline {
		return nil, perrors.New(perrors.CodeNetwork, "network unreachable")
	}
	body, ok := n.bodies[key]
	if !ok {
		return &fetch.Response{Status: http.StatusNotFound, Header: http.Header{}, URL: key, Type: fetch.ResponseBasic}, nil
	}
	return &fetch.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body), URL: key, Type: fetch.ResponseBasic}, nil
}

type harness struct {
	t       *testing.T
	storage cache.Storage
	network *fakeNetwork
	reg     *lifecycle.Registration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	storage, err := cache.NewStore(t.TempDir(), cache.Options{MemoryBudget: 1 << 20})
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	network := newFakeNetwork()
	for _, path := range []string{"/", "/index.html", "/offline.html", "/a.js", "/b.js"} {
		network.serve(appOrigin+path, "body of "+path)
	}
	return &harness{
		t:       t,
		storage: storage,
		network: network,
		reg:     lifecycle.NewRegistration(lifecycle.Options{}),
	}
}

func (h *harness) controller(version string, paths []string, mutate ...func(*Options)) *Controller {
	h.t.Helper()
	origin, _ := url.Parse(appOrigin)
	opts := Options{
		Names:       Names{Prefix: "lavender-pwa", Version: version},
		Origin:      origin,
		OfflinePath: "/offline.html",
		Precache:    paths,
		SkipWaiting: true,
		Storage:     h.storage,
		Fetcher:     h.network,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	ctrl, err := New(opts)
	if err != nil {
		h.t.Fatalf("controller error: %v", err)
	}
	return ctrl
}

func (h *harness) register(ctrl *Controller) {
	h.t.Helper()
	if err := h.reg.Register(context.Background(), ctrl); err != nil {
		h.t.Fatalf("register %s: %v", ctrl.Version(), err)
	}
}

func (h *harness) dispatch(req *fetch.Request) (*lifecycle.Reply, bool, error) {
	h.t.Helper()
	reply, handled, err := h.reg.Dispatch(context.Background(), req, "")
	if drainErr := h.reg.Drain(context.Background()); drainErr != nil {
		h.t.Fatalf("drain error: %v", drainErr)
	}
	return reply, handled, err
}

func (h *harness) entryURLs(name string) []string {
	h.t.Helper()
	c, err := h.storage.Open(context.Background(), name)
	if err != nil {
		h.t.Fatalf("open %s: %v", name, err)
	}
	entries, err := c.Keys(context.Background())
	if err != nil {
		h.t.Fatalf("keys %s: %v", name, err)
	}
	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		urls = append(urls, entry.URL)
	}
	sort.Strings(urls)
	return urls
}

func (h *harness) seed(name, rawURL, body string) {
	h.t.Helper()
	c, err := h.storage.Open(context.Background(), name)
	if err != nil {
		h.t.Fatalf("open %s: %v", name, err)
	}
	if err := c.Put(context.Background(), request(h.t, rawURL), &fetch.Response{Status: http.StatusOK, Body: []byte(body)}); err != nil {
		h.t.Fatalf("seed %s: %v", rawURL, err)
	}
}

func request(t *testing.T, rawURL string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}

func navigation(t *testing.T, rawURL string) *fetch.Request {
	req := request(t, rawURL)
	req.Mode = fetch.ModeNavigate
	req.Destination = fetch.DestinationDocument
	return req
}

var v1Manifest = []string{"/", "/index.html", "/offline.html", "/a.js"}

func TestInstallPopulatesPrecache(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))

	got := h.entryURLs("lavender-pwa-v1")
	want := []string{appOrigin + "/", appOrigin + "/a.js", appOrigin + "/index.html", appOrigin + "/offline.html"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected entries: %v", got)
		}
	}
}

func TestInstallTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	paths := manifest.Precache(v1Manifest, []string{"/a.js", "/index.html"})
	h.register(h.controller("v1", paths))
	first := h.entryURLs("lavender-pwa-v1")

	h.register(h.controller("v1", paths))
	second := h.entryURLs("lavender-pwa-v1")
	if len(first) != 4 || len(first) != len(second) {
		t.Fatalf("entry set changed between installs: %v vs %v", first, second)
	}
}

func TestInstallRejectsWhenAnyAssetMissing(t *testing.T) {
	h := newHarness(t)
	ctrl := h.controller("v1", append(append([]string{}, v1Manifest...), "/missing.js"))
	err := h.reg.Register(context.Background(), ctrl)
	if err == nil {
		t.Fatalf("expected install failure")
	}
	if perrors.GetCode(err) != perrors.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
	if got := h.entryURLs("lavender-pwa-v1"); len(got) != 0 {
		t.Fatalf("no entry may be committed on failure, got %v", got)
	}
	if h.reg.ActiveVersion() != "" {
		t.Fatalf("failed install must not activate")
	}
}

func TestActivateDeletesRetiredGenerations(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	h.seed("lavender-pwa-runtime", "https://fonts.example/lora.woff2", "font")
	h.seed("lavender-pwa-experiment", "https://lavender.local/x", "x")
	h.seed("other-app-v1", "https://other.example/", "other")

	h.register(h.controller("v2", append(append([]string{}, v1Manifest...), "/b.js")))

	names, err := h.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	want := []string{"lavender-pwa-runtime", "lavender-pwa-v2", "other-app-v1"}
	if len(names) != len(want) {
		t.Fatalf("unexpected caches after activate: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected caches after activate: %v", names)
		}
	}
	if got := h.entryURLs("lavender-pwa-v2"); len(got) != 5 {
		t.Fatalf("expected 5 entries in v2, got %v", got)
	}
	if got := h.entryURLs("lavender-pwa-runtime"); len(got) != 1 {
		t.Fatalf("runtime cache must survive upgrades, got %v", got)
	}
}

func TestPrecacheHitSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	installCalls := h.network.callCount(appOrigin + "/a.js")

	reply, handled, err := h.dispatch(request(t, appOrigin+"/a.js"))
	if err != nil || !handled {
		t.Fatalf("expected handled, got %v %v", handled, err)
	}
	if reply.Strategy != StrategyPrecacheFirst || reply.Source != SourceCache {
		t.Fatalf("unexpected strategy/source: %s/%s", reply.Strategy, reply.Source)
	}
	if string(reply.Response.Body) != "body of /a.js" {
		t.Fatalf("unexpected body: %s", reply.Response.Body)
	}
	if h.network.callCount(appOrigin+"/a.js") != installCalls {
		t.Fatalf("precache hit must not touch the network")
	}
}

func TestPrecacheMissFetchesAndStores(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	h.network.serve(appOrigin+"/late.css", "late")

	reply, _, err := h.dispatch(request(t, appOrigin+"/late.css"))
	if err != nil || reply.Source != SourceNetwork {
		t.Fatalf("expected network response, got %+v %v", reply, err)
	}
	h.network.setOffline(true)
	reply, _, err = h.dispatch(request(t, appOrigin+"/late.css"))
	if err != nil || reply.Source != SourceCache || string(reply.Response.Body) != "late" {
		t.Fatalf("second request should come from precache, got %+v %v", reply, err)
	}
}

func TestPrecacheEntriesAreNeverRefreshed(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	h.network.serve(appOrigin+"/a.js", "rebuilt")

	reply, _, _ := h.dispatch(request(t, appOrigin+"/a.js"))
	if string(reply.Response.Body) != "body of /a.js" {
		t.Fatalf("precache entry must stay pinned to the installed version, got %s", reply.Response.Body)
	}
}

func TestStaleWhileRevalidateServesCachedThenRefreshes(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	const font = "https://fonts.example/lora.woff2"
	h.seed("lavender-pwa-runtime", font, "old")
	h.network.serve(font, "new")

	req := request(t, font)
	req.Destination = fetch.DestinationFont
	reply, handled, err := h.dispatch(req)
	if err != nil || !handled {
		t.Fatalf("expected handled, got %v %v", handled, err)
	}
	if reply.Strategy != StrategyStaleWhileRevalidate || string(reply.Response.Body) != "old" {
		t.Fatalf("expected stale body, got %s via %s", reply.Response.Body, reply.Strategy)
	}

	reply, _, _ = h.dispatch(req)
	if string(reply.Response.Body) != "new" {
		t.Fatalf("revalidated body should be served next time, got %s", reply.Response.Body)
	}
}

func TestStaleWhileRevalidateSwallowsBackgroundFailure(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	const script = "https://cdn.example/lib.js"
	h.seed("lavender-pwa-runtime", script, "cached")
	h.network.setOffline(true)

	req := request(t, script)
	req.Destination = fetch.DestinationScript
	reply, _, err := h.dispatch(req)
	if err != nil || string(reply.Response.Body) != "cached" {
		t.Fatalf("cached copy should be served offline, got %+v %v", reply, err)
	}
	reply, _, _ = h.dispatch(req)
	if string(reply.Response.Body) != "cached" {
		t.Fatalf("failed revalidation must keep the cached copy")
	}
}

func TestCrossOriginMissWhileOfflineFails(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	h.network.setOffline(true)

	req := request(t, "https://fonts.example/missing.woff2")
	req.Destination = fetch.DestinationFont
	_, handled, err := h.dispatch(req)
	if !handled || err == nil {
		t.Fatalf("expected rejected fetch, got handled=%v err=%v", handled, err)
	}
	if !perrors.IsRetryable(err) {
		t.Fatalf("network error should keep its classification: %v", err)
	}
}

func TestNavigationOfflineServesFallback(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	h.network.setOffline(true)

	reply, handled, err := h.dispatch(navigation(t, appOrigin+"/"))
	if err != nil || !handled {
		t.Fatalf("navigation must never fail, got %v %v", handled, err)
	}
	if reply.Source != SourceFallback || string(reply.Response.Body) != "body of /offline.html" {
		t.Fatalf("expected offline document, got %s from %s", reply.Response.Body, reply.Source)
	}
}

func TestNavigationWithoutOfflineDocumentReturnsNetworkError(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	if _, err := h.storage.Delete(context.Background(), "lavender-pwa-v1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	h.network.setOffline(true)

	reply, _, err := h.dispatch(navigation(t, appOrigin+"/garden"))
	if err != nil {
		t.Fatalf("navigation must not surface errors: %v", err)
	}
	if !reply.Response.IsNetworkError() {
		t.Fatalf("expected network error response, got %+v", reply.Response)
	}
}

func TestNavigationOnlineWritesRuntimeCache(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))
	h.network.serve(appOrigin+"/garden", "garden page")

	reply, _, err := h.dispatch(navigation(t, appOrigin+"/garden"))
	if err != nil || reply.Source != SourceNetwork {
		t.Fatalf("expected network response, got %+v %v", reply, err)
	}
	if got := h.entryURLs("lavender-pwa-runtime"); len(got) != 1 || got[0] != appOrigin+"/garden" {
		t.Fatalf("navigation response should be stored in runtime cache, got %v", got)
	}

	h.network.serve(appOrigin+"/garden", "garden v2")
	reply, _, _ = h.dispatch(navigation(t, appOrigin+"/garden"))
	if string(reply.Response.Body) != "garden v2" {
		t.Fatalf("navigation must prefer the network, got %s", reply.Response.Body)
	}
}

func TestNonGETIsNotIntercepted(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest))

	req := request(t, appOrigin+"/a.js")
	req.Method = http.MethodPost
	if _, handled, err := h.dispatch(req); handled || err != nil {
		t.Fatalf("POST must pass through, got %v %v", handled, err)
	}

	other := request(t, "https://api.example/data.json")
	if _, handled, _ := h.dispatch(other); handled {
		t.Fatalf("cross-origin requests outside asset destinations must pass through")
	}
}

func TestRuntimeCapEvictsOldest(t *testing.T) {
	h := newHarness(t)
	h.register(h.controller("v1", v1Manifest, func(o *Options) { o.RuntimeMaxEntries = 2 }))
	for _, name := range []string{"a", "b", "c"} {
		raw := "https://img.example/" + name + ".png"
		h.network.serve(raw, name)
		req := request(t, raw)
		req.Destination = fetch.DestinationImage
		if _, _, err := h.dispatch(req); err != nil {
			t.Fatalf("dispatch error: %v", err)
		}
	}
	got := h.entryURLs("lavender-pwa-runtime")
	if len(got) != 2 {
		t.Fatalf("runtime cache should be capped at 2, got %v", got)
	}
	for _, u := range got {
		if u == "https://img.example/a.png" {
			t.Fatalf("oldest entry should be evicted, got %v", got)
		}
	}
}

func TestNewRequiresOfflineDocumentInPrecache(t *testing.T) {
	h := newHarness(t)
	origin, _ := url.Parse(appOrigin)
	_, err := New(Options{
		Names:       Names{Prefix: "lavender-pwa", Version: "v1"},
		Origin:      origin,
		OfflinePath: "/offline.html",
		Precache:    []string{"/", "/index.html"},
		Storage:     h.storage,
		Fetcher:     h.network,
	})
	if err == nil {
		t.Fatalf("expected error when offline document is not precached")
	}
}

func TestNamesRetired(t *testing.T) {
	names := Names{Prefix: "lavender-pwa", Version: "v2"}
	tests := []struct {
		name    string
		retired bool
	}{
		{"lavender-pwa-v1", true},
		{"lavender-pwa-v2", false},
		{"lavender-pwa-runtime", false},
		{"lavender-pwa-experiment", true},
		{"other-app-v1", false},
	}
	for _, tc := range tests {
		if got := names.Retired(tc.name); got != tc.retired {
			t.Fatalf("Retired(%q) = %v, want %v", tc.name, got, tc.retired)
		}
	}
	if names.Precache() != "lavender-pwa-v2" || names.Runtime() != "lavender-pwa-runtime" {
		t.Fatalf("unexpected cache names: %s %s", names.Precache(), names.Runtime())
	}
}

func TestStrategiesDescribeDispatchOrder(t *testing.T) {
	h := newHarness(t)
	strategies := h.controller("v1", v1Manifest).Strategies()
	if len(strategies) != 3 || strategies[0].Name != StrategyNetworkFirst || strategies[2].Cache != "lavender-pwa-runtime" {
		t.Fatalf("unexpected strategies: %+v", strategies)
	}
}
