package pkgstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiln-pm/kiln/internal/archive"
	"github.com/kiln-pm/kiln/internal/filestore"
	"github.com/kiln-pm/kiln/internal/hash"
)

func newTestStore(t *testing.T) (*Store, *filestore.Store) {
	t.Helper()
	fs, err := filestore.New(filepath.Join(t.TempDir(), "objects"), hash.XxHash128)
	if err != nil {
		t.Fatal(err)
	}
	ps, err := New(filepath.Join(t.TempDir(), "packages"), fs, hash.Blake3)
	if err != nil {
		t.Fatal(err)
	}
	return ps, fs
}

func buildTestArchive(t *testing.T) []byte {
	t.Helper()
	srcDir := t.TempDir()
	os.WriteFile(filepath.Join(srcDir, "manifest.toml"), []byte(`
[package]
name = "libfoo"
version = "1.0.0"
revision = 1
arch = "x86_64"
`), 0o644)
	os.WriteFile(filepath.Join(srcDir, "bin"), []byte("binary content"), 0o755)

	var buf bytes.Buffer
	if err := archive.PackDirectory(&buf, srcDir); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestIngestThenMaterializeInto(t *testing.T) {
	ps, _ := newTestStore(t)
	data := buildTestArchive(t)

	pkg, err := ps.Ingest(bytes.NewReader(data), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Manifest.Name != "libfoo" {
		t.Fatalf("expected manifest name libfoo, got %q", pkg.Manifest.Name)
	}
	if !ps.Exists(pkg.Hash) {
		t.Fatalf("expected package to exist after ingest")
	}

	destRoot := t.TempDir()
	if err := ps.MaterializeInto(pkg.Hash, destRoot); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(destRoot, "bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "binary content" {
		t.Fatalf("materialized content mismatch: %q", got)
	}
	if _, err := os.Stat(filepath.Join(destRoot, "manifest.toml")); err == nil {
		t.Fatalf("manifest.toml must never be materialized into the live root")
	}
}

func TestIngestIsIdempotentByIdentityHash(t *testing.T) {
	ps, _ := newTestStore(t)
	data := buildTestArchive(t)

	pkg1, err := ps.Ingest(bytes.NewReader(data), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pkg2, err := ps.Ingest(bytes.NewReader(data), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if pkg1.Hash != pkg2.Hash {
		t.Fatalf("expected identical archives to produce the same identity hash: %s vs %s", pkg1.Hash, pkg2.Hash)
	}
}

func TestIngestRejectsMissingManifest(t *testing.T) {
	ps, _ := newTestStore(t)
	srcDir := t.TempDir()
	os.WriteFile(filepath.Join(srcDir, "bin"), []byte("x"), 0o755)
	var buf bytes.Buffer
	if err := archive.PackDirectory(&buf, srcDir); err != nil {
		t.Fatal(err)
	}

	_, err := ps.Ingest(bytes.NewReader(buf.Bytes()), t.TempDir())
	if err == nil {
		t.Fatalf("expected error for archive missing manifest.toml")
	}
}

func TestBuildArchiveFailsClosedWithoutManifest(t *testing.T) {
	ps, _ := newTestStore(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bin"), []byte("x"), 0o755)
	var buf bytes.Buffer
	if err := ps.BuildArchive(dir, &buf); err == nil {
		t.Fatalf("expected BuildArchive to fail without manifest.toml")
	}
}
