package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

func TestInstallCachesManifestAsset(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	origin.serve("/a.css", "X")

	a := newTestAgent(t, storage, origin, func(o *Options) {
		o.Manifest = manifest.Manifest{{URL: "/a.css", Priority: manifest.PriorityHigh}}
	})
	report, err := a.Install(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(report.Cached) != 1 || report.Cached[0] != "/a.css" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if a.State() != StateInstalled {
		t.Fatalf("expected installed state, got %s", a.State())
	}

	primary := mustOpen(t, storage, a.Names().Primary)
	resp := mustMatch(t, primary, "GET /a.css")
	if string(resp.Body) != "X" {
		t.Fatalf("unexpected cached body: %q", resp.Body)
	}
}

func TestInstallRoutesBySuffixAndRecordsFailures(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	origin.serve("/", "<html>home</html>")
	origin.serve("/css/style.css", "body{}")
	origin.serve("/images/profile.JPG", "jpeg")
	origin.serve("/images/favicon.svg", "<svg/>")
	origin.set("/js/missing.js", originRoute{status: http.StatusNotFound, body: "nope"})
	origin.set("/js/redirect.js", originRoute{status: http.StatusMovedPermanently})

	a := newTestAgent(t, storage, origin, func(o *Options) {
		o.Manifest = manifest.Manifest{
			{URL: "/", Priority: manifest.PriorityCritical},
			{URL: "/css/style.css", Priority: manifest.PriorityCritical},
			{URL: "/images/profile.JPG", Priority: manifest.PriorityMedium},
			{URL: "/images/favicon.svg", Priority: manifest.PriorityLow},
			{URL: "/js/missing.js", Priority: manifest.PriorityHigh},
			{URL: "/js/redirect.js", Priority: manifest.PriorityHigh},
			{URL: "/js/down.js", Priority: manifest.PriorityHigh},
		}
	})
	report, err := a.Install(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}

	sort.Strings(report.Failed)
	if fmt.Sprint(report.Failed) != "[/js/down.js /js/missing.js /js/redirect.js]" {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}
	if len(report.Cached) != 4 {
		t.Fatalf("expected 4 cached assets, got %v", report.Cached)
	}
	if !report.OfflineDocument {
		t.Fatalf("expected offline document to be written")
	}

	primary := mustOpen(t, storage, a.Names().Primary)
	image := mustOpen(t, storage, a.Names().Image)

	// 每个成功的清单资源恰好出现在 primary 与 image 之一。
	for _, key := range []string{"GET /", "GET /css/style.css"} {
		mustMatch(t, primary, key)
		assertMissing(t, image, key)
	}
	for _, key := range []string{"GET /images/profile.JPG", "GET /images/favicon.svg"} {
		mustMatch(t, image, key)
		assertMissing(t, primary, key)
	}
	for _, key := range []string{"GET /js/missing.js", "GET /js/redirect.js", "GET /js/down.js"} {
		assertMissing(t, primary, key)
		assertMissing(t, image, key)
	}
}

func TestInstallWritesOfflineDocument(t *testing.T) {
	storage := cache.NewMemoryStorage()
	a := newTestAgent(t, storage, newFakeOrigin(), func(o *Options) {
		o.Offline = OfflineCopy{Heading: "Signal lost", Message: "Try again later", RetryLabel: "Retry"}
	})
	if _, err := a.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}

	offline := mustOpen(t, storage, a.Names().Offline)
	resp := mustMatch(t, offline, "GET /offline.html")
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("unexpected content type: %s", resp.Header.Get("Content-Type"))
	}
	expected, err := RenderOfflineDocument(a.Options().Offline)
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if string(resp.Body) != string(expected) {
		t.Fatalf("offline document mismatch")
	}
}

func TestInstallSkipsAssetsAlreadyCached(t *testing.T) {
	storage := cache.NewMemoryStorage()
	names := PartitionNamesFor("portfolio", "v1")
	image := mustOpen(t, storage, names.Image)
	if err := image.Put(context.Background(), "GET /images/profile.jpg", &cache.Response{Status: 200, Body: []byte("old"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	origin := newFakeOrigin()
	origin.serve("/images/profile.jpg", "new")
	a := newTestAgent(t, storage, origin, func(o *Options) {
		o.Manifest = manifest.Manifest{{URL: "/images/profile.jpg", Priority: manifest.PriorityMedium}}
	})
	report, err := a.Install(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("expected asset to be skipped, got %+v", report)
	}
	if origin.count("/images/profile.jpg") != 0 {
		t.Fatalf("expected no network fetch for cached asset")
	}
	if resp := mustMatch(t, image, "GET /images/profile.jpg"); string(resp.Body) != "old" {
		t.Fatalf("cached asset should be untouched, got %q", resp.Body)
	}
}

func TestInstallFailsWhenPartitionCannotOpen(t *testing.T) {
	storage := failingStorage{Storage: cache.NewMemoryStorage(), failOn: "images"}
	a := newTestAgent(t, storage, newFakeOrigin(), nil)

	if _, err := a.Install(context.Background()); err == nil {
		t.Fatalf("expected install to fail")
	}
	if a.State() != StateRedundant {
		t.Fatalf("expected redundant state, got %s", a.State())
	}
	if err := a.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestInstallRunsOnlyOnce(t *testing.T) {
	a := newTestAgent(t, cache.NewMemoryStorage(), newFakeOrigin(), nil)
	if _, err := a.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if _, err := a.Install(context.Background()); err == nil {
		t.Fatalf("expected second install to be rejected")
	}
}

func TestInstallReportsAssetEvictedByQuota(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	origin.serve("/js/bundle.js", "0123456789abcdefghij")

	a := newTestAgent(t, storage, origin, func(o *Options) {
		o.PrimaryLimit = 8
		o.Manifest = manifest.Manifest{{URL: "/js/bundle.js", Priority: manifest.PriorityCritical}}
	})
	report, err := a.Install(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(report.Cached) != 0 || fmt.Sprint(report.Failed) != "[/js/bundle.js]" {
		t.Fatalf("oversized asset must be reported as failed: %+v", report)
	}
	assertMissing(t, mustOpen(t, storage, a.Names().Primary), "GET /js/bundle.js")
}

func TestInstallReportMatchesQuotaSurvivors(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	origin.serve("/js/a.js", "aaaaaa")
	origin.serve("/js/b.js", "bbbbbb")

	a := newTestAgent(t, storage, origin, func(o *Options) {
		o.PrimaryLimit = 10
		o.Manifest = manifest.Manifest{
			{URL: "/js/a.js", Priority: manifest.PriorityHigh},
			{URL: "/js/b.js", Priority: manifest.PriorityHigh},
		}
	})
	report, err := a.Install(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(report.Cached) != 1 || len(report.Failed) != 1 {
		t.Fatalf("expected one survivor and one eviction, got %+v", report)
	}
	primary := mustOpen(t, storage, a.Names().Primary)
	mustMatch(t, primary, "GET "+report.Cached[0])
	assertMissing(t, primary, "GET "+report.Failed[0])
}

func TestManifestAssetWithEscapedPathKeepsPriority(t *testing.T) {
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin()
	origin.serve("/images/my%20photo.png", "png")

	a := newTestAgent(t, storage, origin, func(o *Options) {
		o.Manifest = manifest.Manifest{{URL: "/images/my photo.png", Priority: manifest.PriorityCritical}}
	})
	report, err := a.Install(context.Background())
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if fmt.Sprint(report.Cached) != "[/images/my%20photo.png]" {
		t.Fatalf("unexpected report: %+v", report)
	}

	req := getRequest(t, "/images/my%20photo.png", "")
	if req.Key() != "GET /images/my%20photo.png" {
		t.Fatalf("unexpected request key %q", req.Key())
	}
	if got, want := a.rank(req.Key()), int(manifest.PriorityCritical)+1; got != want {
		t.Fatalf("rank(%q) = %d, want %d", req.Key(), got, want)
	}
	mustMatch(t, mustOpen(t, storage, a.Names().Image), req.Key())
}
