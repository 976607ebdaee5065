package fetch

import (
	"context"
	"io"
	"testing"
)

// FetcherConformanceSuite exercises any Fetcher implementation against a
// fixed set of (path, content) pairs it is expected to serve, mirroring
// the teacher's storagedriver/testsuites shared-suite pattern reused
// across every storage driver. In this module only HTTPFetcher is run
// through it (fetch_test.go); the cloud mirror backends have no tests of
// their own.
type FetcherConformanceSuite struct {
	NewFetcher func() Fetcher
	Fixtures   map[string][]byte // path -> expected content
}

// Run exercises every fixture against f, failing t on mismatch, and checks
// that an unknown path returns an error rather than hanging or panicking.
func (s FetcherConformanceSuite) Run(t *testing.T) {
	t.Helper()
	f := s.NewFetcher()
	ctx := context.Background()

	for path, want := range s.Fixtures {
		body, _, err := f.Fetch(ctx, path)
		if err != nil {
			t.Fatalf("fetch %q: %v", path, err)
		}
		got, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			t.Fatalf("read %q: %v", path, err)
		}
		if string(got) != string(want) {
			t.Fatalf("fetch %q: got %q, want %q", path, got, want)
		}
	}

	if _, _, err := f.Fetch(ctx, "does-not-exist-"+randomSuffix()); err == nil {
		t.Fatalf("expected an error fetching a nonexistent path")
	}
}

func randomSuffix() string {
	return "zzz-conformance-probe"
}
