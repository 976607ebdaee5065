package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiln-pm/kiln/internal/archive"
	"github.com/kiln-pm/kiln/internal/config"
	"github.com/kiln-pm/kiln/internal/fetch"
	"github.com/kiln-pm/kiln/internal/filestore"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/manifest"
	"github.com/kiln-pm/kiln/internal/pkgstore"
	"github.com/kiln-pm/kiln/internal/resolver"
)

// buildArchive packs a minimal package source tree into a ".sp" archive
// and returns its bytes alongside the blake3 hash the index would
// declare for it.
func buildArchive(t *testing.T, name, version, binContent string) (data []byte, hashHex string) {
	t.Helper()
	src := t.TempDir()
	manifestBody := "[package]\nname = \"" + name + "\"\nversion = \"" + version + "\"\nrevision = 1\narch = \"x86_64\"\n"
	if err := os.WriteFile(filepath.Join(src, "manifest.toml"), []byte(manifestBody), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", name), []byte(binContent), 0o755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := archive.PackDirectory(&buf, src); err != nil {
		t.Fatal(err)
	}
	data = buf.Bytes()
	hashHex = hash.OfBytes(hash.Blake3, data).Hex()
	return data, hashHex
}

func mustVersionEntry(t *testing.T, version, url string, data []byte, hashHex string, runtimeDeps ...string) resolver.VersionEntry {
	t.Helper()
	v, err := manifest.ParseVersion(version)
	if err != nil {
		t.Fatal(err)
	}
	return resolver.VersionEntry{
		URL:          url,
		Hash:         hashHex,
		Algorithm:    "blake3",
		Size:         int64(len(data)),
		Version:      v,
		Dependencies: resolver.DependencySpec{Runtime: runtimeDeps},
	}
}

func TestPipelineRunDownloadsAndIngestsInDependencyOrder(t *testing.T) {
	opensslData, opensslHash := buildArchive(t, "openssl", "3.1.0", "openssl-binary")
	curlData, curlHash := buildArchive(t, "curl", "8.5.0", "curl-binary")

	idx := &resolver.Index{IndexVersion: 1, Packages: map[string]resolver.PackageIndexEntry{
		"openssl": {Name: "openssl", Versions: map[string]resolver.VersionEntry{
			"3.1.0": mustVersionEntry(t, "3.1.0", "/pkg/openssl-3.1.0.sp", opensslData, opensslHash),
		}},
		"curl": {Name: "curl", Versions: map[string]resolver.VersionEntry{
			"8.5.0": mustVersionEntry(t, "8.5.0", "/pkg/curl-8.5.0.sp", curlData, curlHash, "openssl>=3.0.0"),
		}},
	}}

	cs, err := manifest.ParseConstraintSet("curl")
	if err != nil {
		t.Fatal(err)
	}
	plan, err := resolver.Resolve(idx, []resolver.Request{{Package: "curl", Constraints: cs}})
	if err != nil {
		t.Fatal(err)
	}

	bodies := map[string][]byte{
		"/pkg/openssl-3.1.0.sp": opensslData,
		"/pkg/curl-8.5.0.sp":    curlData,
	}
	fetcher := fetch.FetcherFunc(func(ctx context.Context, path string) (io.ReadCloser, int64, error) {
		data, ok := bodies[path]
		if !ok {
			t.Fatalf("unexpected fetch for %q", path)
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})

	dir := t.TempDir()
	files, err := filestore.New(filepath.Join(dir, "objects"), hash.XxHash128)
	if err != nil {
		t.Fatal(err)
	}
	store, err := pkgstore.New(filepath.Join(dir, "packages"), files, hash.Blake3)
	if err != nil {
		t.Fatal(err)
	}

	p := New(fetcher, store, nil, nil, config.DefaultConcurrency(), filepath.Join(dir, "scratch"))
	results, err := p.Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 ingested packages, got %d", len(results))
	}
	if results["curl"].Manifest.Name != "curl" {
		t.Fatalf("unexpected curl manifest: %+v", results["curl"].Manifest)
	}
	if results["openssl"].Manifest.Name != "openssl" {
		t.Fatalf("unexpected openssl manifest: %+v", results["openssl"].Manifest)
	}
	if !plan.IsComplete() {
		t.Fatalf("expected plan to be fully complete after Run")
	}
}

func TestPipelineRunFailsClosedOnChecksumMismatch(t *testing.T) {
	data, _ := buildArchive(t, "openssl", "3.1.0", "openssl-binary")

	idx := &resolver.Index{IndexVersion: 1, Packages: map[string]resolver.PackageIndexEntry{
		"openssl": {Name: "openssl", Versions: map[string]resolver.VersionEntry{
			"3.1.0": mustVersionEntry(t, "3.1.0", "/pkg/openssl-3.1.0.sp", data, "deadbeefdeadbeefdeadbeefdeadbeef"),
		}},
	}}
	cs, err := manifest.ParseConstraintSet("openssl")
	if err != nil {
		t.Fatal(err)
	}
	plan, err := resolver.Resolve(idx, []resolver.Request{{Package: "openssl", Constraints: cs}})
	if err != nil {
		t.Fatal(err)
	}

	fetcher := fetch.FetcherFunc(func(ctx context.Context, path string) (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})

	dir := t.TempDir()
	files, err := filestore.New(filepath.Join(dir, "objects"), hash.XxHash128)
	if err != nil {
		t.Fatal(err)
	}
	store, err := pkgstore.New(filepath.Join(dir, "packages"), files, hash.Blake3)
	if err != nil {
		t.Fatal(err)
	}
	p := New(fetcher, store, nil, nil, config.DefaultConcurrency(), filepath.Join(dir, "scratch"))

	if _, err := p.Run(context.Background(), plan, nil); err == nil {
		t.Fatalf("expected a checksum mismatch to fail the run")
	}
}
