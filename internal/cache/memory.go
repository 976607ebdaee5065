package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// DefaultMemorySize is the descriptor count used when a caller doesn't
// pick one explicitly.
const DefaultMemorySize = 4096

// memoryProvider is an in-process LRU-backed Provider, for single-machine
// installs where a separate Redis process would be overkill. lru.Cache is
// already safe for concurrent use.
type memoryProvider struct {
	lru *lru.Cache
}

// NewMemory builds a Provider backed by a fixed-size in-process LRU of
// size entries. size <= 0 uses DefaultMemorySize.
func NewMemory(size int) (Provider, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Internal, "build in-memory descriptor cache", err)
	}
	return &memoryProvider{lru: l}, nil
}

func (m *memoryProvider) Get(_ context.Context, hash string) (Descriptor, bool, error) {
	v, ok := m.lru.Get(hash)
	if !ok {
		return Descriptor{}, false, nil
	}
	return v.(Descriptor), true, nil
}

func (m *memoryProvider) Set(_ context.Context, hash string, d Descriptor) error {
	m.lru.Add(hash, d)
	return nil
}

func (m *memoryProvider) Clear(_ context.Context, hash string) error {
	m.lru.Remove(hash)
	return nil
}
