package resolver

import (
	"testing"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/manifest"
)

func mustEntry(t *testing.T, version string, runtimeDeps ...string) VersionEntry {
	t.Helper()
	v, err := manifest.ParseVersion(version)
	if err != nil {
		t.Fatalf("parse version %q: %v", version, err)
	}
	return VersionEntry{
		URL:          "https://example.test/pkg.sp",
		Hash:         "deadbeef",
		Algorithm:    "blake3",
		Version:      v,
		Dependencies: DependencySpec{Runtime: runtimeDeps},
	}
}

func newTestIndex(pkgs map[string][]VersionEntry) *Index {
	idx := &Index{IndexVersion: 1, Packages: map[string]PackageIndexEntry{}}
	for name, entries := range pkgs {
		versions := map[string]VersionEntry{}
		for _, e := range entries {
			versions[e.Version.String()] = e
		}
		idx.Packages[name] = PackageIndexEntry{Name: name, Versions: versions}
	}
	return idx
}

func TestResolveEmptyRequestsSucceedsTrivially(t *testing.T) {
	idx := newTestIndex(nil)
	plan, err := Resolve(idx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.IsComplete() {
		t.Fatalf("expected an empty plan to already be complete")
	}
	if len(plan.ReadyPackages()) != 0 {
		t.Fatalf("expected no ready packages in an empty plan")
	}
}

func TestResolveSingleInstallWithDependency(t *testing.T) {
	idx := newTestIndex(map[string][]VersionEntry{
		"curl": {mustEntry(t, "8.5.0", "openssl>=3.0.0")},
		"openssl": {
			mustEntry(t, "3.0.0"),
			mustEntry(t, "3.1.0"),
		},
	})

	cs, err := manifest.ParseConstraintSet("curl")
	if err != nil {
		t.Fatal(err)
	}
	plan, err := Resolve(idx, []Request{{Package: "curl", Constraints: cs}})
	if err != nil {
		t.Fatal(err)
	}

	all := plan.AllPackages()
	if len(all) != 2 {
		t.Fatalf("expected curl and openssl in the plan, got %v", all)
	}

	opensslNode, ok := plan.Metadata("openssl")
	if !ok {
		t.Fatalf("expected openssl node in plan")
	}
	if opensslNode.Version.String() != "3.1.0" {
		t.Fatalf("expected openssl to resolve to the newest satisfying version 3.1.0, got %s", opensslNode.Version.String())
	}

	ready := plan.ReadyPackages()
	if len(ready) != 1 || ready[0] != "openssl" {
		t.Fatalf("expected only openssl ready first (curl depends on it), got %v", ready)
	}

	newlyReady, err := plan.CompletePackage("openssl")
	if err != nil {
		t.Fatal(err)
	}
	if len(newlyReady) != 1 || newlyReady[0] != "curl" {
		t.Fatalf("expected curl to become ready after openssl completes, got %v", newlyReady)
	}

	if _, err := plan.CompletePackage("curl"); err != nil {
		t.Fatal(err)
	}
	if !plan.IsComplete() {
		t.Fatalf("expected plan to be complete once both packages finish")
	}
}

func TestResolveUnsatisfiableConflictingRequests(t *testing.T) {
	idx := newTestIndex(map[string][]VersionEntry{
		"libfoo": {mustEntry(t, "1.0.0"), mustEntry(t, "2.0.0")},
	})

	lowCS, err := manifest.ParseConstraintSet("libfoo<2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	highCS, err := manifest.ParseConstraintSet("libfoo>=2.0.0")
	if err != nil {
		t.Fatal(err)
	}

	_, err = Resolve(idx, []Request{
		{Package: "libfoo", Constraints: lowCS},
		{Package: "libfoo", Constraints: highCS},
	})
	if err == nil {
		t.Fatalf("expected an unsatisfiable resolution to fail")
	}
	kerr, ok := err.(*kilnerrors.Error)
	if !ok {
		t.Fatalf("expected a *kilnerrors.Error, got %T", err)
	}
	if kerr.Kind != kilnerrors.Resolution {
		t.Fatalf("expected Resolution-kind error, got %v", kerr.Kind)
	}
}

func TestResolveMissingDependencyCandidateIsUnsatisfiable(t *testing.T) {
	idx := newTestIndex(map[string][]VersionEntry{
		"app":  {mustEntry(t, "1.0.0", "libbar>=9.0.0")},
		"libbar": {mustEntry(t, "1.0.0")},
	})

	cs, err := manifest.ParseConstraintSet("app")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Resolve(idx, []Request{{Package: "app", Constraints: cs}})
	if err == nil {
		t.Fatalf("expected resolution to fail when no libbar version satisfies >=9.0.0")
	}
}

func TestResolveBareDependencyAcceptsAnyVersion(t *testing.T) {
	idx := newTestIndex(map[string][]VersionEntry{
		"app":     {mustEntry(t, "1.0.0", "libbaz")},
		"libbaz":  {mustEntry(t, "0.1.0")},
	})

	cs, err := manifest.ParseConstraintSet("app")
	if err != nil {
		t.Fatal(err)
	}
	plan, err := Resolve(idx, []Request{{Package: "app", Constraints: cs}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := plan.Metadata("libbaz"); !ok {
		t.Fatalf("expected a bare-name dependency to still pull libbaz into the plan")
	}
}
