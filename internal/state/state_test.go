package state

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(context.Background(), filepath.Join(dir, "state.sqlite"), dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOpenCreatesInitialActiveState(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.GetActiveState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty initial active state id")
	}
	states, err := m.ListStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || !states[0].Active {
		t.Fatalf("expected exactly one active initial state, got %+v", states)
	}
}

func TestCommitCreatesNewActiveStateAndRefcounts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	initial, err := m.GetActiveState(ctx)
	if err != nil {
		t.Fatal(err)
	}

	tx, err := m.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	newID, err := tx.CreateState(ctx, initial, "install")
	if err != nil {
		t.Fatal(err)
	}
	pkg := Package{Name: "curl", Version: "8.5.0", Revision: 1, Arch: "x86_64", Hash: "deadbeef", Size: 100}
	files := []FileRef{{RelativePath: "bin/curl", FileHash: "filehash1", Kind: "file", Mode: 0o755}}
	if err := tx.AddPackageRef(ctx, newID, pkg, files); err != nil {
		t.Fatal(err)
	}
	if err := tx.SetActiveState(ctx, newID); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	active, err := m.GetActiveState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != newID {
		t.Fatalf("expected active state %s, got %s", newID, active)
	}

	count, err := m.GetFileRefcount(ctx, "filehash1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected refcount 1, got %d", count)
	}

	pkgs, err := m.GetStatePackages(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "curl" {
		t.Fatalf("expected curl in new state packages, got %+v", pkgs)
	}
}

func TestRemovePackageRefDecrementsRefcount(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	initial, _ := m.GetActiveState(ctx)

	tx, _ := m.BeginTx(ctx)
	s1, _ := tx.CreateState(ctx, initial, "install")
	pkg := Package{Name: "jq", Version: "1.7", Revision: 1, Arch: "x86_64", Hash: "jqhash", Size: 10}
	files := []FileRef{{RelativePath: "bin/jq", FileHash: "jqfilehash", Kind: "file", Mode: 0o755}}
	tx.AddPackageRef(ctx, s1, pkg, files)
	tx.SetActiveState(ctx, s1)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, _ := m.BeginTx(ctx)
	s2, _ := tx2.CreateState(ctx, s1, "uninstall")
	if err := tx2.RemovePackageRef(ctx, s1, "jqhash"); err != nil {
		t.Fatal(err)
	}
	tx2.SetActiveState(ctx, s2)
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	count, err := m.GetFileRefcount(ctx, "jqfilehash")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected refcount 0 after removal, got %d", count)
	}
}

func TestOnlyOneActiveStateEver(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	initial, _ := m.GetActiveState(ctx)

	tx, _ := m.BeginTx(ctx)
	s1, _ := tx.CreateState(ctx, initial, "install")
	tx.SetActiveState(ctx, s1)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	states, err := m.ListStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	activeCount := 0
	for _, s := range states {
		if s.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active state, got %d", activeCount)
	}
}
