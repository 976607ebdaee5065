// Package cache provides an optional, lossy speedup layer: a small
// descriptor (package name, version, size) keyed by package hash. Its
// one caller, ops, uses it when recording a freshly-ingested package in
// the ledger, so a package hash seen before does not have its total size
// re-summed file by file out of internal/filestore.
//
// Grounded on the teacher's registry/storage/cache package: the
// Provider interface below mirrors BlobDescriptorCacheProvider's
// Stat/Set/Clear shape (registry/storage/cache/cache.go), and the two
// backends mirror the teacher's two implementations — an in-process LRU
// (registry/storage/cache/memory/memory.go) and a Redis-backed store
// (registry/storage/cache/redis.go, adapted in redis.go in this package).
// A miss is never an error: the caller falls back to summing sizes from
// internal/filestore's authoritative on-disk data, so a misconfigured or
// unreachable cache degrades performance, not correctness.
package cache

import "context"

// Descriptor is the cached summary of one package-store entry.
type Descriptor struct {
	Name    string
	Version string
	Size    int64
}

// Provider caches Descriptors keyed by package content hash. Get's second
// return value reports whether the entry was present; a cache miss is
// never distinguishable from "not yet cached" and callers should treat it
// as cache-absent rather than package-absent.
type Provider interface {
	// Get returns the cached descriptor for hash, if present.
	Get(ctx context.Context, hash string) (Descriptor, bool, error)

	// Set stores (or overwrites) the descriptor for hash.
	Set(ctx context.Context, hash string, d Descriptor) error

	// Clear removes any cached entry for hash, e.g. after the underlying
	// package has been removed from the store.
	Clear(ctx context.Context, hash string) error
}

// noop is a Provider that never caches anything; used when no cache
// backend is configured, so callers can depend on a non-nil Provider
// unconditionally.
type noop struct{}

// Noop returns a Provider that always misses and never errors.
func Noop() Provider { return noop{} }

func (noop) Get(context.Context, string) (Descriptor, bool, error) { return Descriptor{}, false, nil }
func (noop) Set(context.Context, string, Descriptor) error         { return nil }
func (noop) Clear(context.Context, string) error                   { return nil }
