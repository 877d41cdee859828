package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
)

func TestActivateKeepsOnlyCurrentPartitions(t *testing.T) {
	storage := cache.NewMemoryStorage()
	for _, name := range []string{"portfolio-static-v0", "portfolio-images-v0", "portfolio-offline-v0", "legacy-cache", "workbox-precache-v2"} {
		mustOpen(t, storage, name)
	}

	a := newActiveAgent(t, storage, newFakeOrigin(), nil)
	if a.State() != StateActivated {
		t.Fatalf("expected activated state, got %s", a.State())
	}

	names, err := storage.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	expected := "[portfolio-images-v1 portfolio-offline-v1 portfolio-static-v1 workbox-precache-v2]"
	if fmt.Sprint(names) != expected {
		t.Fatalf("unexpected partitions after activate: %v", names)
	}
}

func TestActivateWithoutReservedPrefixLeavesExactlyThree(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mustOpen(t, storage, "workbox-precache-v2")
	mustOpen(t, storage, "portfolio-static-v0")

	a := newActiveAgent(t, storage, newFakeOrigin(), func(o *Options) { o.ReservedPrefixes = nil })
	names, err := storage.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if fmt.Sprint(names) != fmt.Sprint([]string{a.Names().Image, a.Names().Offline, a.Names().Primary}) {
		t.Fatalf("unexpected partitions after activate: %v", names)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	storage := cache.NewMemoryStorage()
	mustOpen(t, storage, "portfolio-static-v0")
	a := newActiveAgent(t, storage, newFakeOrigin(), nil)

	before, err := storage.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if err := a.Activate(context.Background()); err != nil {
		t.Fatalf("second activate error: %v", err)
	}
	removed, err := a.prune(context.Background())
	if err != nil {
		t.Fatalf("prune error: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected nothing left to prune, removed %v", removed)
	}
	after, err := storage.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Fatalf("partition set changed: %v -> %v", before, after)
	}
}

func TestActivateBeforeInstallFails(t *testing.T) {
	a := newTestAgent(t, cache.NewMemoryStorage(), newFakeOrigin(), nil)
	if err := a.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestInterceptBeforeActivateFails(t *testing.T) {
	a := newTestAgent(t, cache.NewMemoryStorage(), newFakeOrigin(), nil)
	if _, err := a.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if _, err := a.Intercept(context.Background(), getRequest(t, "/", "text/html")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}
