package filestore

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kiln-pm/kiln/internal/hash"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), hash.XxHash128)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutThenMaterializeRoundTrips(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "src.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, newlyStored, err := s.Put(src)
	if err != nil {
		t.Fatal(err)
	}
	if !newlyStored {
		t.Fatalf("expected first Put to report newly_stored=true")
	}
	if !s.Exists(h) {
		t.Fatalf("expected object to exist after Put")
	}

	dest := filepath.Join(t.TempDir(), "dest.txt")
	if err := s.Materialize(h, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("materialized content mismatch: %q", got)
	}
}

func TestMaterializeDoesNotMutateStoreObject(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "src.txt")
	os.WriteFile(src, []byte("original"), 0o644)
	h, _, err := s.Put(src)
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "dest.txt")
	if err := s.Materialize(h, dest); err != nil {
		t.Fatal(err)
	}

	// Attempt to mutate the destination; the store copy must be
	// unaffected regardless of which fallback (clone/hardlink/copy) fired.
	if err := os.Chmod(dest, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("mutated"), 0o644); err != nil {
		t.Skipf("platform materialize strategy made dest immutable: %v", err)
	}

	ok, err := s.Verify(h)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("mutating the materialized copy must not corrupt the store object")
	}
}

func TestConcurrentPutSameContentExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "src.txt")
	os.WriteFile(src, []byte("shared content"), 0o644)

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, newlyStored, err := s.Put(src)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = newlyStored
		}(i)
	}
	wg.Wait()

	count := 0
	for _, r := range results {
		if r {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one newly_stored=true winner, got %d", count)
	}
}

func TestIngestDirectorySkipsMetadataFiles(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "manifest.toml"), []byte("[package]\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "sbom.spdx.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(dir, "bin"), []byte("binary"), 0o755)

	entries, err := s.IngestDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.RelativePath == "manifest.toml" || e.RelativePath == "sbom.spdx.json" {
			t.Fatalf("metadata file %s must not be ingested into FileStore", e.RelativePath)
		}
	}
	found := false
	for _, e := range entries {
		if e.RelativePath == "bin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected regular file 'bin' to be ingested")
	}
}
