package cache

import (
	"context"
	"testing"
)

func TestMemoryProviderMissesOnUnseenHash(t *testing.T) {
	p, err := NewMemory(0)
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := p.Get(context.Background(), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected a miss on an unseen hash")
	}
}

func TestMemoryProviderRoundTripsDescriptor(t *testing.T) {
	p, err := NewMemory(8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	want := Descriptor{Name: "curl", Version: "8.5.0", Size: 1024}
	if err := p.Set(ctx, "abc123", want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := p.Get(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected a hit after Set")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMemoryProviderClearRemovesEntry(t *testing.T) {
	p, err := NewMemory(8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := p.Set(ctx, "abc123", Descriptor{Name: "curl", Version: "8.5.0"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Clear(ctx, "abc123"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := p.Get(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected a miss after Clear")
	}
}

func TestMemoryProviderEvictsLeastRecentlyUsed(t *testing.T) {
	p, err := NewMemory(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := p.Set(ctx, "a", Descriptor{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Set(ctx, "b", Descriptor{Name: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Set(ctx, "c", Descriptor{Name: "c"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.Get(ctx, "a"); ok {
		t.Fatalf("expected %q to have been evicted", "a")
	}
	if _, ok, _ := p.Get(ctx, "c"); !ok {
		t.Fatalf("expected the most recently set entry to remain cached")
	}
}

func TestNoopProviderAlwaysMisses(t *testing.T) {
	p := Noop()
	ctx := context.Background()
	if err := p.Set(ctx, "abc123", Descriptor{Name: "curl"}); err != nil {
		t.Fatal(err)
	}
	_, ok, err := p.Get(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected Noop to never cache")
	}
	if err := p.Clear(ctx, "abc123"); err != nil {
		t.Fatal(err)
	}
}
