package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

var errOriginDown = errors.New("origin unreachable")

// originRoute 描述假源站对某个 path?query 的响应。
type originRoute struct {
	status      int
	body        string
	contentType string
	respType    cache.ResponseType
	err         error
	// gate 非空时 fetch 会阻塞直到 gate 被关闭。
	gate chan struct{}
}

type fakeOrigin struct {
	mu     sync.Mutex
	routes map[string]originRoute
	calls  map[string]int
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{routes: make(map[string]originRoute), calls: make(map[string]int)}
}

func (o *fakeOrigin) set(target string, route originRoute) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[target] = route
}

func (o *fakeOrigin) serve(target, body string) {
	o.set(target, originRoute{status: http.StatusOK, body: body})
}

func (o *fakeOrigin) count(target string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[target]
}

func (o *fakeOrigin) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	target := req.URL.RequestURI()
	o.mu.Lock()
	o.calls[target]++
	route, ok := o.routes[target]
	o.mu.Unlock()

	if !ok {
		return nil, errOriginDown
	}
	if route.gate != nil {
		select {
		case <-route.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if route.err != nil {
		return nil, route.err
	}
	header := http.Header{}
	if route.contentType != "" {
		header.Set("Content-Type", route.contentType)
	}
	respType := route.respType
	if respType == "" {
		respType = cache.ResponseTypeBasic
	}
	return &cache.Response{
		Status: route.status,
		Header: header,
		Body:   []byte(route.body),
		Type:   respType,
		URL:    "https://portfolio.example.com" + target,
	}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions(version string) Options {
	return Options{
		Version:           version,
		Names:             PartitionNamesFor("portfolio", version),
		ReservedPrefixes:  []string{"workbox-"},
		Manifest:          manifest.Manifest{},
		NavigationTimeout: time.Second,
		IgnoredSchemes:    []string{"chrome-extension"},
		ExcludedPatterns:  []string{"/browser-sync/"},
		OfflinePath:       "/offline.html",
		Origin:            "https://portfolio.example.com",
		Dedupe:            true,
	}
}

func newTestAgent(t *testing.T, storage cache.Storage, origin Fetcher, mutate func(*Options)) *Agent {
	t.Helper()
	opts := testOptions("v1")
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(opts, storage, origin, quietLogger())
	if err != nil {
		t.Fatalf("new agent error: %v", err)
	}
	return a
}

// newActiveAgent 返回已完成 Install 与 Activate 的 agent。
func newActiveAgent(t *testing.T, storage cache.Storage, origin Fetcher, mutate func(*Options)) *Agent {
	t.Helper()
	a := newTestAgent(t, storage, origin, mutate)
	if _, err := a.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := a.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	return a
}

func getRequest(t *testing.T, target, accept string) *Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, "https://portfolio.example.com"+target)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func mustOpen(t *testing.T, storage cache.Storage, name string) cache.Partition {
	t.Helper()
	part, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s error: %v", name, err)
	}
	return part
}

func mustMatch(t *testing.T, part cache.Partition, key string) *cache.Response {
	t.Helper()
	resp, err := part.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("expected %s in %s, got %v", key, part.Name(), err)
	}
	return resp
}

func assertMissing(t *testing.T, part cache.Partition, key string) {
	t.Helper()
	if _, err := part.Match(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected %s to be absent from %s, got %v", key, part.Name(), err)
	}
}

// failingStorage 在名称包含 failOn 时让 Open 失败。
type failingStorage struct {
	cache.Storage
	failOn string
}

func (s failingStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	if strings.Contains(name, s.failOn) {
		return nil, errors.New("disk full")
	}
	return s.Storage.Open(ctx, name)
}
