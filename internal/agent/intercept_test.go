package agent

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

const htmlAccept = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"

func TestNavigationNetworkSuccessIsCached(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)
	origin.set("/about", originRoute{status: http.StatusOK, body: "<html>about</html>", contentType: "text/html"})

	res, err := a.Intercept(context.Background(), getRequest(t, "/about", htmlAccept))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Strategy != StrategyNetworkFirst || res.Source != SourceNetwork {
		t.Fatalf("unexpected strategy/source: %s/%s", res.Strategy, res.Source)
	}
	if string(res.Response.Body) != "<html>about</html>" {
		t.Fatalf("expected network body, got %q", res.Response.Body)
	}
	if err := res.Wait(); err != nil {
		t.Fatalf("background error: %v", err)
	}

	cached := mustMatch(t, mustOpen(t, storage, a.Names().Primary), "GET /about")
	if !bytes.Equal(cached.Body, res.Response.Body) || cached.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("primary partition should hold the network response, got %q", cached.Body)
	}
}

func TestNavigationNonOKIsReturnedButNotCached(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)
	origin.set("/gone", originRoute{status: http.StatusNotFound, body: "missing"})

	res, err := a.Intercept(context.Background(), getRequest(t, "/gone", htmlAccept))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Response.Status != http.StatusNotFound || res.Source != SourceNetwork {
		t.Fatalf("expected the 404 to be returned as-is, got %d from %s", res.Response.Status, res.Source)
	}
	if err := res.Wait(); err != nil {
		t.Fatalf("background error: %v", err)
	}
	assertMissing(t, mustOpen(t, storage, a.Names().Primary), "GET /gone")
}

func TestNavigationTimeoutFallsBackToCache(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, func(o *Options) { o.NavigationTimeout = 30 * time.Millisecond })

	primary := mustOpen(t, storage, a.Names().Primary)
	if err := primary.Put(context.Background(), "GET /", &cache.Response{Status: 200, Body: []byte("cached home"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	origin.set("/", originRoute{status: http.StatusOK, body: "fresh home", gate: gate})

	start := time.Now()
	res, err := a.Intercept(context.Background(), getRequest(t, "/", htmlAccept))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout race did not fire, took %v", elapsed)
	}
	if res.Source != SourceCache || string(res.Response.Body) != "cached home" {
		t.Fatalf("expected cached entry, got %q from %s", res.Response.Body, res.Source)
	}
}

func TestNavigationFailureFallsBackToCache(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)

	primary := mustOpen(t, storage, a.Names().Primary)
	if err := primary.Put(context.Background(), "GET /projects", &cache.Response{Status: 200, Body: []byte("cached projects"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	res, err := a.Intercept(context.Background(), getRequest(t, "/projects", htmlAccept))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Source != SourceCache || string(res.Response.Body) != "cached projects" {
		t.Fatalf("expected cached entry, got %q from %s", res.Response.Body, res.Source)
	}
}

func TestNavigationFailureWithoutCacheServesOfflineDocument(t *testing.T) {
	storage := cache.NewMemoryStorage()
	a := newActiveAgent(t, storage, newFakeOrigin(), nil)

	res, err := a.Intercept(context.Background(), getRequest(t, "/contact", htmlAccept))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Source != SourceOffline {
		t.Fatalf("expected offline source, got %s", res.Source)
	}
	offline, err := a.OfflineDocument(context.Background())
	if err != nil {
		t.Fatalf("offline document error: %v", err)
	}
	if !bytes.Equal(res.Response.Body, offline.Body) || res.Response.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("expected the offline document")
	}
	assertMissing(t, mustOpen(t, storage, a.Names().Primary), "GET /contact")
}

func TestImageCacheHitServesCachedAndRevalidates(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)

	image := mustOpen(t, storage, a.Names().Image)
	if err := image.Put(context.Background(), "GET /images/profile.jpg", &cache.Response{Status: 200, Body: []byte("stale"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	origin.serve("/images/profile.jpg", "fresh")

	res, err := a.Intercept(context.Background(), getRequest(t, "/images/profile.jpg", "image/avif,image/webp,*/*"))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Strategy != StrategyCacheFirst || res.Source != SourceCache || string(res.Response.Body) != "stale" {
		t.Fatalf("expected cached entry, got %q from %s/%s", res.Response.Body, res.Strategy, res.Source)
	}
	if err := res.Wait(); err != nil {
		t.Fatalf("revalidate error: %v", err)
	}
	if origin.count("/images/profile.jpg") != 1 {
		t.Fatalf("expected one background refresh, got %d", origin.count("/images/profile.jpg"))
	}
	if refreshed := mustMatch(t, image, "GET /images/profile.jpg"); string(refreshed.Body) != "fresh" {
		t.Fatalf("expected background refresh to update cache, got %q", refreshed.Body)
	}
}

func TestImageRevalidateFailureKeepsCachedEntry(t *testing.T) {
	storage := cache.NewMemoryStorage()
	a := newActiveAgent(t, storage, newFakeOrigin(), nil)

	image := mustOpen(t, storage, a.Names().Image)
	if err := image.Put(context.Background(), "GET /images/og-cover.webp", &cache.Response{Status: 200, Body: []byte("cover"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	res, err := a.Intercept(context.Background(), getRequest(t, "/images/og-cover.webp", ""))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if err := res.Wait(); err == nil {
		t.Fatalf("expected background refresh failure to be reported")
	}
	if cached := mustMatch(t, image, "GET /images/og-cover.webp"); string(cached.Body) != "cover" {
		t.Fatalf("cached entry should survive a failed refresh, got %q", cached.Body)
	}
}

func TestImageMissNetworkFailureReturnsError(t *testing.T) {
	storage := cache.NewMemoryStorage()
	a := newActiveAgent(t, storage, newFakeOrigin(), nil)

	_, err := a.Intercept(context.Background(), getRequest(t, "/photo.png", ""))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
	if !errors.Is(err, errOriginDown) {
		t.Fatalf("expected network error to be wrapped, got %v", err)
	}
	assertMissing(t, mustOpen(t, storage, a.Names().Image), "GET /photo.png")
}

func TestImageMissCachesOnlyBasicOK(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)
	origin.serve("/images/a.png", "a")
	origin.set("/images/b.png", originRoute{status: http.StatusOK, body: "b", respType: cache.ResponseTypeCORS})
	origin.set("/images/c.png", originRoute{status: http.StatusNotFound, body: "c"})

	for _, target := range []string{"/images/a.png", "/images/b.png", "/images/c.png"} {
		res, err := a.Intercept(context.Background(), getRequest(t, target, ""))
		if err != nil {
			t.Fatalf("intercept %s error: %v", target, err)
		}
		if res.Source != SourceNetwork {
			t.Fatalf("expected network source for %s, got %s", target, res.Source)
		}
		if err := res.Wait(); err != nil {
			t.Fatalf("background error: %v", err)
		}
	}

	image := mustOpen(t, storage, a.Names().Image)
	mustMatch(t, image, "GET /images/a.png")
	assertMissing(t, image, "GET /images/b.png")
	assertMissing(t, image, "GET /images/c.png")
	assertMissing(t, mustOpen(t, storage, a.Names().Primary), "GET /images/a.png")
}

func TestStaticAssetUsesPrimaryPartition(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)
	origin.set("/fonts/inter.WOFF2", originRoute{status: http.StatusOK, body: "font", contentType: "font/woff2"})

	res, err := a.Intercept(context.Background(), getRequest(t, "/fonts/inter.WOFF2", ""))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Strategy != StrategyCacheFirst {
		t.Fatalf("expected cache-first, got %s", res.Strategy)
	}
	mustMatch(t, mustOpen(t, storage, a.Names().Primary), "GET /fonts/inter.WOFF2")
	assertMissing(t, mustOpen(t, storage, a.Names().Image), "GET /fonts/inter.WOFF2")

	again, err := a.Intercept(context.Background(), getRequest(t, "/fonts/inter.WOFF2", ""))
	if err != nil {
		t.Fatalf("second intercept error: %v", err)
	}
	if again.Source != SourceCache {
		t.Fatalf("expected cache hit on second request, got %s", again.Source)
	}
	if err := again.Wait(); err != nil {
		t.Fatalf("revalidate error: %v", err)
	}
}

func TestDefaultStrategyCachesBasicOK(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)
	origin.set("/manifest.json", originRoute{status: http.StatusOK, body: `{"name":"portfolio"}`, contentType: "application/json"})
	origin.set("/feed.json", originRoute{status: http.StatusOK, body: `{}`, respType: cache.ResponseTypeOpaque})

	for _, target := range []string{"/manifest.json", "/feed.json"} {
		res, err := a.Intercept(context.Background(), getRequest(t, target, "application/json"))
		if err != nil {
			t.Fatalf("intercept error: %v", err)
		}
		if res.Strategy != StrategyNetworkDefault || res.Source != SourceNetwork {
			t.Fatalf("unexpected strategy/source: %s/%s", res.Strategy, res.Source)
		}
		if err := res.Wait(); err != nil {
			t.Fatalf("background error: %v", err)
		}
	}
	primary := mustOpen(t, storage, a.Names().Primary)
	mustMatch(t, primary, "GET /manifest.json")
	assertMissing(t, primary, "GET /feed.json")
}

func TestDefaultStrategyFallsBackToAnyPartition(t *testing.T) {
	storage := cache.NewMemoryStorage()
	a := newActiveAgent(t, storage, newFakeOrigin(), nil)

	image := mustOpen(t, storage, a.Names().Image)
	if err := image.Put(context.Background(), "GET /data/stats", &cache.Response{Status: 200, Body: []byte("stats"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	res, err := a.Intercept(context.Background(), getRequest(t, "/data/stats", ""))
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Source != SourceCache || string(res.Response.Body) != "stats" {
		t.Fatalf("expected cached fallback, got %q from %s", res.Response.Body, res.Source)
	}

	if _, err := a.Intercept(context.Background(), getRequest(t, "/data/other", "")); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse without offline substitute, got %v", err)
	}
}

func TestBypassRequestsSkipCache(t *testing.T) {
	cases := []struct {
		name    string
		request func(t *testing.T) *Request
	}{
		{name: "post", request: func(t *testing.T) *Request {
			req, err := NewRequest(http.MethodPost, "https://portfolio.example.com/css/style.css")
			if err != nil {
				t.Fatalf("request error: %v", err)
			}
			return req
		}},
		{name: "ignored scheme", request: func(t *testing.T) *Request {
			req, err := NewRequest(http.MethodGet, "chrome-extension://abc/css/style.css")
			if err != nil {
				t.Fatalf("request error: %v", err)
			}
			return req
		}},
		{name: "excluded pattern", request: func(t *testing.T) *Request {
			return getRequest(t, "/browser-sync/css/style.css", "")
		}},
		{name: "only-if-cached cross mode", request: func(t *testing.T) *Request {
			req := getRequest(t, "/css/style.css", "")
			req.CacheMode = CacheModeOnlyIfCached
			req.Mode = ModeNoCORS
			return req
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			storage := cache.NewMemoryStorage()
			a := newActiveAgent(t, storage, FetcherFunc(func(ctx context.Context, req *Request) (*cache.Response, error) {
				return &cache.Response{Status: 200, Body: []byte("net"), Type: cache.ResponseTypeBasic}, nil
			}), nil)

			req := tc.request(t)
			res, err := a.Intercept(context.Background(), req)
			if err != nil {
				t.Fatalf("intercept error: %v", err)
			}
			if res.Strategy != StrategyBypass || res.Source != SourceNetwork {
				t.Fatalf("expected bypass, got %s/%s", res.Strategy, res.Source)
			}
			if err := res.Wait(); err != nil {
				t.Fatalf("background error: %v", err)
			}
			for _, name := range a.Names().List() {
				infos, err := mustOpen(t, storage, name).Entries(context.Background())
				if err != nil {
					t.Fatalf("entries error: %v", err)
				}
				for _, info := range infos {
					if info.Key != "GET /offline.html" {
						t.Fatalf("bypass must not write to cache, found %s in %s", info.Key, name)
					}
				}
			}
		})
	}
}

func TestOnlyIfCachedSameOriginIsIntercepted(t *testing.T) {
	origin := newFakeOrigin()
	a := newActiveAgent(t, cache.NewMemoryStorage(), origin, nil)
	origin.serve("/css/style.css", "body{}")

	req := getRequest(t, "/css/style.css", "")
	req.CacheMode = CacheModeOnlyIfCached
	req.Mode = ModeSameOrigin
	res, err := a.Intercept(context.Background(), req)
	if err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if res.Strategy != StrategyCacheFirst {
		t.Fatalf("expected cache-first, got %s", res.Strategy)
	}
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)
	gate := make(chan struct{})
	origin.set("/js/main.js", originRoute{status: http.StatusOK, body: "main", gate: gate})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		req := getRequest(t, "/js/main.js", "")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Intercept(context.Background(), req)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if string(results[i].Response.Body) != "main" {
			t.Fatalf("caller %d unexpected body %q", i, results[i].Response.Body)
		}
	}
	if calls := origin.count("/js/main.js"); calls != 1 {
		t.Fatalf("expected a single shared fetch, got %d", calls)
	}
	// 每个调用方拿到独立副本。
	results[0].Response.Body[0] = 'X'
	if string(results[1].Response.Body) != "main" {
		t.Fatalf("responses must not share buffers")
	}
}

func TestConcurrentMissesWithoutDedupeFetchIndependently(t *testing.T) {
	origin := newFakeOrigin()
	a := newActiveAgent(t, cache.NewMemoryStorage(), origin, func(o *Options) { o.Dedupe = false })
	gate := make(chan struct{})
	origin.set("/js/main.js", originRoute{status: http.StatusOK, body: "main", gate: gate})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		req := getRequest(t, "/js/main.js", "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Intercept(context.Background(), req); err != nil {
				t.Errorf("intercept error: %v", err)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	if calls := origin.count("/js/main.js"); calls != 3 {
		t.Fatalf("expected redundant fetches without dedupe, got %d", calls)
	}
}

func TestImageQuotaEvictsNonManifestFirst(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	origin.serve("/images/profile.jpg", "12345678")
	a := newActiveAgent(t, storage, origin, func(o *Options) {
		o.ImageLimit = 20
		o.Manifest = manifest.Manifest{{URL: "/images/profile.jpg", Priority: manifest.PriorityLow}}
	})
	origin.serve("/images/gallery-1.png", "12345678")
	origin.serve("/images/gallery-2.png", "12345678")

	for _, target := range []string{"/images/gallery-1.png", "/images/gallery-2.png"} {
		res, err := a.Intercept(context.Background(), getRequest(t, target, ""))
		if err != nil {
			t.Fatalf("intercept error: %v", err)
		}
		if err := res.Wait(); err != nil {
			t.Fatalf("background error: %v", err)
		}
	}

	image := mustOpen(t, storage, a.Names().Image)
	mustMatch(t, image, "GET /images/profile.jpg")
	assertMissing(t, image, "GET /images/gallery-1.png")
	mustMatch(t, image, "GET /images/gallery-2.png")
}

func TestCloseDrainsBackgroundWork(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	a := newActiveAgent(t, storage, origin, nil)

	image := mustOpen(t, storage, a.Names().Image)
	if err := image.Put(context.Background(), "GET /images/a.png", &cache.Response{Status: 200, Body: []byte("old"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	gate := make(chan struct{})
	origin.set("/images/a.png", originRoute{status: http.StatusOK, body: "new", gate: gate})

	if _, err := a.Intercept(context.Background(), getRequest(t, "/images/a.png", "")); err != nil {
		t.Fatalf("intercept error: %v", err)
	}
	if a.Pending() == 0 {
		t.Fatalf("expected pending background refresh")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected close to wait for background work, got %v", err)
	}

	close(gate)
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("expected no pending work after close")
	}
	if cached := mustMatch(t, image, "GET /images/a.png"); string(cached.Body) != "new" {
		t.Fatalf("expected refresh to complete before close returned, got %q", cached.Body)
	}
	if _, err := a.Intercept(context.Background(), getRequest(t, "/images/a.png", "")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected retired agent to reject requests, got %v", err)
	}
}
