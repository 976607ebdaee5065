package ops

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
	"github.com/kiln-pm/kiln/internal/guard"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/installer"
	"github.com/kiln-pm/kiln/internal/manifest"
	"github.com/kiln-pm/kiln/internal/pipeline"
	"github.com/kiln-pm/kiln/internal/pkgstore"
	"github.com/kiln-pm/kiln/internal/resolver"
	"github.com/kiln-pm/kiln/internal/state"
)

// testEnv wires a full Ops facade atop temp-dir-backed stores, mirroring
// the fixture pattern internal/guard and internal/pipeline's tests use.
type testEnv struct {
	ops     *Ops
	st      *state.Manager
	bodies  map[string][]byte
	fetcher fetch.FetcherFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	files, err := filestore.New(filepath.Join(dir, "objects"), hash.XxHash128)
	if err != nil {
		t.Fatal(err)
	}
	pkgStore, err := pkgstore.New(filepath.Join(dir, "packages"), files, hash.Blake3)
	if err != nil {
		t.Fatal(err)
	}
	st, err := state.Open(context.Background(), filepath.Join(dir, "state.db"), dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	inst := installer.New(dir, pkgStore)
	v := guard.New(st, pkgStore, files, nil)

	bodies := map[string][]byte{}
	fetcher := fetch.FetcherFunc(func(ctx context.Context, path string) (io.ReadCloser, int64, error) {
		data, ok := bodies[path]
		if !ok {
			t.Fatalf("unexpected fetch for %q", path)
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})
	pl := pipeline.New(fetcher, pkgStore, nil, nil, config.DefaultConcurrency(), filepath.Join(dir, "scratch"))

	o := New(st, pl, inst, v, pkgStore, files, nil, nil, filepath.Join(dir, "scratch"))
	return &testEnv{ops: o, st: st, bodies: bodies, fetcher: fetcher}
}

// addToIndex builds a package archive, registers its body under path in
// env's fake fetcher, and adds a version entry to idx.
func addToIndex(t *testing.T, env *testEnv, idx *resolver.Index, name, version, binContent, path string, runtimeDeps ...string) {
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
	data := buf.Bytes()
	env.bodies[path] = data

	v, err := manifest.ParseVersion(version)
	if err != nil {
		t.Fatal(err)
	}
	entry := resolver.VersionEntry{
		URL:          path,
		Hash:         hash.OfBytes(hash.Blake3, data).Hex(),
		Algorithm:    "blake3",
		Size:         int64(len(data)),
		Version:      v,
		Dependencies: resolver.DependencySpec{Runtime: runtimeDeps},
	}
	pkg, ok := idx.Packages[name]
	if !ok {
		pkg = resolver.PackageIndexEntry{Name: name, Versions: map[string]resolver.VersionEntry{}}
	}
	pkg.Versions[version] = entry
	idx.Packages[name] = pkg
}

func newIndex() *resolver.Index {
	return &resolver.Index{IndexVersion: 1, Packages: map[string]resolver.PackageIndexEntry{}}
}

func TestInstallResolvesDownloadsAndActivatesState(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	env.ops.SetIndex(idx)

	report, err := env.ops.Install(context.Background(), []string{"curl"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Installed) != 1 || report.Installed[0].Name != "curl" {
		t.Fatalf("unexpected installed diff: %+v", report.Installed)
	}
	if report.PreviousStateID == report.StateID {
		t.Fatalf("expected a new state id after install")
	}

	active, err := env.st.GetActiveState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if active != report.StateID {
		t.Fatalf("expected active state to be %s, got %s", report.StateID, active)
	}

	if _, err := os.Stat(filepath.Join(env.st.LivePath(), "bin", "curl")); err != nil {
		t.Fatalf("expected curl binary to be materialized into live root: %v", err)
	}
}

func TestInstallPinsAlreadyInstalledPackages(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	addToIndex(t, env, idx, "openssl", "3.1.0", "openssl-binary", "/pkg/openssl-3.1.0.sp")
	env.ops.SetIndex(idx)

	if _, err := env.ops.Install(context.Background(), []string{"curl"}); err != nil {
		t.Fatal(err)
	}

	// A newer curl appears in the index, but installing openssl alone
	// must not drag curl along with it.
	addToIndex(t, env, idx, "curl", "8.6.0", "curl-binary-v2", "/pkg/curl-8.6.0.sp")

	report, err := env.ops.Install(context.Background(), []string{"openssl"})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range report.Unchanged {
		if name == "curl" {
			return
		}
	}
	t.Fatalf("expected curl to remain pinned at 8.5.0, report: %+v", report)
}

func TestUpdateUpgradesWithinCompatibleRange(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	env.ops.SetIndex(idx)

	if _, err := env.ops.Install(context.Background(), []string{"curl"}); err != nil {
		t.Fatal(err)
	}

	addToIndex(t, env, idx, "curl", "8.5.1", "curl-binary-patched", "/pkg/curl-8.5.1.sp")

	report, err := env.ops.Update(context.Background(), []string{"curl"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Updated) != 1 || report.Updated[0].ToVersion != "8.5.1" {
		t.Fatalf("expected curl updated to 8.5.1, got %+v", report.Updated)
	}
}

func TestUninstallRemovesPackageFromLiveRoot(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	env.ops.SetIndex(idx)

	if _, err := env.ops.Install(context.Background(), []string{"curl"}); err != nil {
		t.Fatal(err)
	}

	report, err := env.ops.Uninstall(context.Background(), []string{"curl"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Removed) != 1 || report.Removed[0].Name != "curl" {
		t.Fatalf("unexpected removed diff: %+v", report.Removed)
	}
	if _, err := os.Stat(filepath.Join(env.st.LivePath(), "bin", "curl")); !os.IsNotExist(err) {
		t.Fatalf("expected curl binary to be gone from live root, got err=%v", err)
	}
}

func TestUninstallUnknownPackageFails(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	env.ops.SetIndex(idx)

	if _, err := env.ops.Uninstall(context.Background(), []string{"does-not-exist"}); err == nil {
		t.Fatalf("expected an error uninstalling a package that was never installed")
	}
}

func TestRollbackReactivatesPriorState(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	env.ops.SetIndex(idx)

	first, err := env.ops.Install(context.Background(), []string{"curl"})
	if err != nil {
		t.Fatal(err)
	}

	addToIndex(t, env, idx, "openssl", "3.1.0", "openssl-binary", "/pkg/openssl-3.1.0.sp")
	if _, err := env.ops.Install(context.Background(), []string{"openssl"}); err != nil {
		t.Fatal(err)
	}

	report, err := env.ops.Rollback(context.Background(), first.StateID)
	if err != nil {
		t.Fatal(err)
	}
	if report.StateID != first.StateID {
		t.Fatalf("expected rollback to reactivate %s, got %s", first.StateID, report.StateID)
	}
	if _, err := os.Stat(filepath.Join(env.st.LivePath(), "bin", "openssl")); !os.IsNotExist(err) {
		t.Fatalf("expected openssl to be absent after rollback, got err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(env.st.LivePath(), "bin", "curl")); err != nil {
		t.Fatalf("expected curl to still be present after rollback: %v", err)
	}
}

func TestRollbackUnknownStateFails(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ops.Rollback(context.Background(), "does-not-exist"); err == nil {
		t.Fatalf("expected rollback to an unknown state id to fail")
	}
}

func TestVerifyReportsCleanStateAfterInstall(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	env.ops.SetIndex(idx)

	if _, err := env.ops.Install(context.Background(), []string{"curl"}); err != nil {
		t.Fatal(err)
	}

	result, err := env.ops.Verify(context.Background(), guard.Quick, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsValid {
		t.Fatalf("expected a clean verification, got discrepancies: %+v", result.Discrepancies)
	}
}

func TestCleanupSweepsStagingDebris(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	env.ops.SetIndex(idx)
	if _, err := env.ops.Install(context.Background(), []string{"curl"}); err != nil {
		t.Fatal(err)
	}

	statesDir := filepath.Join(env.st.LivePath(), "..", "states")
	if err := os.MkdirAll(filepath.Join(statesDir, "staging-orphaned"), 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := env.ops.Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.StagingDirsRemoved < 1 {
		t.Fatalf("expected at least one staging dir removed, got %+v", report)
	}
	if _, err := os.Stat(filepath.Join(statesDir, "staging-orphaned")); !os.IsNotExist(err) {
		t.Fatalf("expected staging-orphaned to be removed")
	}
}

func TestSearchFindsSubstringMatchesCaseInsensitively(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	addToIndex(t, env, idx, "libcurl-dev", "8.5.0", "libcurl-dev", "/pkg/libcurl-dev-8.5.0.sp")
	addToIndex(t, env, idx, "openssl", "3.1.0", "openssl-binary", "/pkg/openssl-3.1.0.sp")
	env.ops.SetIndex(idx)

	names, err := env.ops.Search("CURL")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 matches for \"CURL\", got %v", names)
	}
}

func TestListReturnsActivePackages(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	env.ops.SetIndex(idx)
	if _, err := env.ops.Install(context.Background(), []string{"curl"}); err != nil {
		t.Fatal(err)
	}

	pkgs, err := env.ops.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "curl" {
		t.Fatalf("unexpected active package list: %+v", pkgs)
	}
}

func TestInstallManyCommitsAsSingleState(t *testing.T) {
	env := newTestEnv(t)
	idx := newIndex()
	addToIndex(t, env, idx, "curl", "8.5.0", "curl-binary", "/pkg/curl-8.5.0.sp")
	addToIndex(t, env, idx, "openssl", "3.1.0", "openssl-binary", "/pkg/openssl-3.1.0.sp")
	env.ops.SetIndex(idx)

	statesBefore, err := env.st.ListStates(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	report, err := env.ops.InstallMany(context.Background(), [][]string{{"curl"}, {"openssl"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Installed) != 2 {
		t.Fatalf("expected both packages installed in one report, got %+v", report.Installed)
	}

	statesAfter, err := env.st.ListStates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(statesAfter) != len(statesBefore)+1 {
		t.Fatalf("expected exactly one new state, before=%d after=%d", len(statesBefore), len(statesAfter))
	}
}

func TestPackBuildsArchiveWithMatchingHash(t *testing.T) {
	env := newTestEnv(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "manifest.toml"), []byte("[package]\nname = \"curl\"\nversion = \"8.5.0\"\nrevision = 1\narch = \"x86_64\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "curl.sp")
	report, err := env.ops.Pack(src, out)
	if err != nil {
		t.Fatal(err)
	}
	if report.ArchivePath != out {
		t.Fatalf("unexpected archive path: %s", report.ArchivePath)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if report.Hash != hash.OfBytes(hash.Blake3, data).Hex() {
		t.Fatalf("reported hash does not match archive bytes")
	}
}
