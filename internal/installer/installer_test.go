package installer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiln-pm/kiln/internal/archive"
	"github.com/kiln-pm/kiln/internal/filestore"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/pkgstore"
	"github.com/kiln-pm/kiln/internal/state"
)

// buildFixturePackage writes a minimal package source tree, packs it into
// a ".sp" archive, and ingests it into store, returning the resulting
// StoredPackage.
func buildFixturePackage(t *testing.T, store *pkgstore.Store, name, version, binContent string) *pkgstore.StoredPackage {
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
	pkg, err := store.Ingest(&buf, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

func newTestStore(t *testing.T) *pkgstore.Store {
	t.Helper()
	dir := t.TempDir()
	files, err := filestore.New(filepath.Join(dir, "objects"), hash.XxHash128)
	if err != nil {
		t.Fatal(err)
	}
	store, err := pkgstore.New(filepath.Join(dir, "packages"), files, hash.Blake3)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func asPackageFiles(pkg *pkgstore.StoredPackage) PackageFiles {
	var files []state.FileRef
	for _, f := range pkg.Files {
		files = append(files, state.FileRef{RelativePath: f.RelativePath, FileHash: f.FileHash, Kind: string(f.Kind), Mode: f.Mode})
	}
	return PackageFiles{Hash: pkg.Hash, Files: files}
}

func TestStageAndCommitFreshInstall(t *testing.T) {
	root := t.TempDir()
	pkgStore := newTestStore(t)
	pkg := buildFixturePackage(t, pkgStore, "curl", "8.5.0", "curl-binary")

	inst := New(root, pkgStore)
	ctx := context.Background()

	stagingRoot, err := inst.Stage(ctx, nil, []PackageFiles{asPackageFiles(pkg)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(stagingRoot, "bin", "curl")); err != nil {
		t.Fatalf("expected materialized binary in staging root: %v", err)
	}

	if _, err := inst.Commit(ctx, stagingRoot); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "live", "bin", "curl"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "curl-binary" {
		t.Fatalf("unexpected live content: %q", data)
	}
}

func TestStageClonesLiveRootAndRemovesOrphans(t *testing.T) {
	root := t.TempDir()
	pkgStore := newTestStore(t)
	ctx := context.Background()
	inst := New(root, pkgStore)

	curl := buildFixturePackage(t, pkgStore, "curl", "8.5.0", "curl-binary")
	jq := buildFixturePackage(t, pkgStore, "jq", "1.7", "jq-binary")

	staging1, err := inst.Stage(ctx, nil, []PackageFiles{asPackageFiles(curl), asPackageFiles(jq)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Commit(ctx, staging1); err != nil {
		t.Fatal(err)
	}

	// Second generation: curl survives unchanged, jq is removed.
	staging2, err := inst.Stage(ctx, []PackageFiles{asPackageFiles(curl)}, nil, []PackageFiles{asPackageFiles(jq)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(staging2, "bin", "curl")); err != nil {
		t.Fatalf("expected curl to survive cloning into the new staging root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging2, "bin", "jq")); !os.IsNotExist(err) {
		t.Fatalf("expected jq to be removed from the new staging root, stat err = %v", err)
	}

	if _, err := inst.Commit(ctx, staging2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "live", "bin", "curl")); err != nil {
		t.Fatalf("expected curl still present in live root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "live", "bin", "jq")); !os.IsNotExist(err) {
		t.Fatalf("expected jq removed from live root")
	}
}

func TestRollbackFailsClosedOnMissingPackageContent(t *testing.T) {
	root := t.TempDir()
	pkgStore := newTestStore(t)
	inst := New(root, pkgStore)

	_, err := inst.Rollback(context.Background(), []PackageFiles{{Hash: "does-not-exist", Files: nil}})
	if err == nil {
		t.Fatalf("expected rollback to fail closed when target package content is missing")
	}
}

func TestDiscardRemovesStagingRoot(t *testing.T) {
	root := t.TempDir()
	pkgStore := newTestStore(t)
	inst := New(root, pkgStore)
	pkg := buildFixturePackage(t, pkgStore, "curl", "8.5.0", "curl-binary")

	stagingRoot, err := inst.Stage(context.Background(), nil, []PackageFiles{asPackageFiles(pkg)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Discard(stagingRoot); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stagingRoot); !os.IsNotExist(err) {
		t.Fatalf("expected staging root to be removed")
	}
}
