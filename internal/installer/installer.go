// Package installer implements the AtomicInstaller: staging-root
// construction, the atomic live-root swap, and rollback.
//
// Grounded on the teacher's registry/storage/driver/filesystem blob
// layout for the "never let a reader observe a partial write" discipline
// (here applied to an entire directory tree rather than one blob), and on
// internal/filestore's own platform-isolated clone primitives
// (clone_linux.go/clone_darwin.go/clone_other.go), whose per-OS
// build-constraint pattern this package's swap_linux.go/swap_darwin.go/
// swap_other.go repeats for the kernel rename-with-swap syscalls each
// platform offers.
package installer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/pkgstore"
	"github.com/kiln-pm/kiln/internal/state"
)

// PackageFiles is the subset of a StoredPackage's identity the installer
// needs to stage it: its content hash (to materialize new files) and its
// file ledger (to decide which of a removed package's files survive in
// the target set).
type PackageFiles struct {
	Hash  string
	Files []state.FileRef
}

// AtomicInstaller builds staging roots and performs the live-root swap.
// It holds no ledger state of its own; callers pair a successful Commit
// with a ledger transaction that records the new active state.
type AtomicInstaller struct {
	root     string // installation root; live_path = <root>/live
	pkgStore *pkgstore.Store
}

// New returns an AtomicInstaller rooted at root, materializing packages
// via pkgStore.
func New(root string, pkgStore *pkgstore.Store) *AtomicInstaller {
	return &AtomicInstaller{root: root, pkgStore: pkgStore}
}

func (a *AtomicInstaller) livePath() string   { return filepath.Join(a.root, "live") }
func (a *AtomicInstaller) statesDir() string  { return filepath.Join(a.root, "states") }
func (a *AtomicInstaller) stagingPath() string {
	return filepath.Join(a.statesDir(), "staging-"+uuid.NewString())
}

// Stage builds a new staging root containing the target package set
// S' = (S \ removed) ∪ added, by design: clone the current live
// root, materialize every added package into it, then delete any file
// contributed by a removed package whose (file_hash, relative_path) pair
// doesn't also appear in survivors or added. survivors is the set of
// packages present in both the old and new state, unchanged; it
// participates only in the keep-set computation, since its files are
// already present in the cloned tree.
func (a *AtomicInstaller) Stage(ctx context.Context, survivors, added, removed []PackageFiles) (stagingRoot string, err error) {
	if err := ctx.Err(); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Concurrency, "stage", err)
	}
	if err := os.MkdirAll(a.statesDir(), 0o755); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Storage, "create states dir", err)
	}
	stagingRoot = a.stagingPath()

	live := a.livePath()
	if _, statErr := os.Stat(live); statErr == nil {
		if err := cloneTree(live, stagingRoot); err != nil {
			return "", kilnerrors.Wrap(kilnerrors.Storage, "clone live root into staging", err)
		}
	} else if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Storage, "create staging root", err)
	}

	for _, pkg := range added {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(stagingRoot)
			return "", kilnerrors.Wrap(kilnerrors.Concurrency, "stage", err)
		}
		if err := a.pkgStore.MaterializeInto(pkg.Hash, stagingRoot); err != nil {
			os.RemoveAll(stagingRoot)
			return "", err
		}
	}

	keep := map[string]bool{}
	for _, pkg := range survivors {
		for _, f := range pkg.Files {
			keep[fileKey(f)] = true
		}
	}
	for _, pkg := range added {
		for _, f := range pkg.Files {
			keep[fileKey(f)] = true
		}
	}

	for _, pkg := range removed {
		for _, f := range pkg.Files {
			if f.Kind == "directory" {
				continue // directories are pruned in a second pass below, if left empty
			}
			if keep[fileKey(f)] {
				continue
			}
			target := filepath.Join(stagingRoot, filepath.FromSlash(f.RelativePath))
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				os.RemoveAll(stagingRoot)
				return "", kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("remove orphaned file %s", f.RelativePath), err)
			}
		}
	}
	pruneEmptyDirs(stagingRoot, removed, keep)

	return stagingRoot, nil
}

func fileKey(f state.FileRef) string { return f.FileHash + "|" + f.RelativePath }

// pruneEmptyDirs removes directories a removed package contributed that
// are both absent from keep and now empty, deepest first, so a directory
// left behind by one removed package doesn't linger once it holds
// nothing else.
func pruneEmptyDirs(stagingRoot string, removed []PackageFiles, keep map[string]bool) {
	var dirs []string
	for _, pkg := range removed {
		for _, f := range pkg.Files {
			if f.Kind == "directory" && !keep[fileKey(f)] {
				dirs = append(dirs, f.RelativePath)
			}
		}
	}
	sort.SliceStable(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		os.Remove(filepath.Join(stagingRoot, filepath.FromSlash(d))) // no-op if not empty
	}
}

// Commit performs the atomic swap of stagingRoot into the live position,
// by design, returning the path now holding the previously-live
// content (the caller removes it once the paired ledger transaction has
// committed, or keeps it briefly for a same-operation rollback window).
// On a fresh install (no existing live root) there is nothing to swap
// out and oldRoot is empty.
func (a *AtomicInstaller) Commit(ctx context.Context, stagingRoot string) (oldRoot string, err error) {
	if err := ctx.Err(); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Concurrency, "commit", err)
	}
	live := a.livePath()
	if _, statErr := os.Stat(live); statErr != nil {
		if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
			return "", kilnerrors.Wrap(kilnerrors.Storage, "create live parent", err)
		}
		if err := os.Rename(stagingRoot, live); err != nil {
			return "", kilnerrors.Wrap(kilnerrors.Storage, "install initial live root", err)
		}
		return "", nil
	}

	if supportsAtomicExchange {
		if err := atomicExchange(live, stagingRoot); err == nil {
			// Exchange swaps names, not contents: stagingRoot's path now
			// holds what was live.
			return stagingRoot, nil
		}
		// Cross-device or platform-lacking-support failure: fall through
		// to the temp-rename dance below.
	}
	return a.swapViaTempRename(live, stagingRoot)
}

// swapViaTempRename implements the fallback for platforms
// without an atomic rename-exchange primitive: live -> tmp, staging ->
// live, tmp -> old-state-dir. All three names must share a filesystem for
// rename atomicity; a crash between the second and third step leaves the
// new state active and the old one orphaned under states/, which is
// acceptable because it remains recoverable via the ledger.
func (a *AtomicInstaller) swapViaTempRename(live, stagingRoot string) (oldRoot string, err error) {
	tmp := filepath.Join(a.statesDir(), "swap-tmp-"+uuid.NewString())
	if err := os.Rename(live, tmp); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Storage, "rename live to temp", err)
	}
	if err := os.Rename(stagingRoot, live); err != nil {
		// Best effort: restore the live root so the system isn't left
		// with no live root at all.
		os.Rename(tmp, live)
		return "", kilnerrors.Wrap(kilnerrors.Storage, "rename staging to live", err)
	}
	oldRoot = filepath.Join(a.statesDir(), "old-"+uuid.NewString())
	if err := os.Rename(tmp, oldRoot); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Storage, "rename temp to old-state dir", err)
	}
	return oldRoot, nil
}

// Discard removes an un-swapped staging root, used on cancellation per
// the design: the pipeline drains in-flight tasks and removes the staging
// root, leaving the ledger untouched.
func (a *AtomicInstaller) Discard(stagingRoot string) error {
	if stagingRoot == "" {
		return nil
	}
	if err := os.RemoveAll(stagingRoot); err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "discard staging root", err)
	}
	return nil
}

// SweepStaging removes any leftover staging-*, swap-tmp-*, or old-*
// directory under the states dir — debris from a process that died
// mid-Stage, mid-swap, or before a successful Commit pruned its
// predecessor. Returns the count removed.
func (a *AtomicInstaller) SweepStaging() (int, error) {
	entries, err := os.ReadDir(a.statesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, kilnerrors.Wrap(kilnerrors.Storage, "list states dir", err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "staging-") && !strings.HasPrefix(name, "swap-tmp-") && !strings.HasPrefix(name, "old-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.statesDir(), name)); err != nil {
			return removed, kilnerrors.Wrap(kilnerrors.Storage, "remove stale state dir "+name, err)
		}
		removed++
	}
	return removed, nil
}

// Rollback rebuilds the target state's root from the package store and
// swaps it into place, by design. It does not touch the ledger's
// active_state pointer; callers set that within the same transaction used
// to verify the rollback's preconditions, honoring "failures before the
// swap commit nothing" by only calling SetActiveState after Rollback
// returns successfully.
func (a *AtomicInstaller) Rollback(ctx context.Context, targetPackages []PackageFiles) (oldRoot string, err error) {
	for _, pkg := range targetPackages {
		if !a.pkgStore.Exists(pkg.Hash) {
			return "", kilnerrors.New(kilnerrors.State, "rollback target references missing package content").WithDetails(pkg.Hash)
		}
	}
	if err := os.MkdirAll(a.statesDir(), 0o755); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Storage, "create states dir", err)
	}
	stagingRoot := a.stagingPath()
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return "", kilnerrors.Wrap(kilnerrors.Storage, "create staging root", err)
	}
	for _, pkg := range targetPackages {
		if err := a.pkgStore.MaterializeInto(pkg.Hash, stagingRoot); err != nil {
			a.Discard(stagingRoot)
			return "", err
		}
	}
	oldRoot, err = a.Commit(ctx, stagingRoot)
	if err != nil {
		a.Discard(stagingRoot)
		return "", err
	}
	return oldRoot, nil
}

// cloneTree recreates src's directory tree at dst. Regular files are
// hardlinked rather than copied: internal/filestore already materializes
// live-root files as hardlinks (or reflinks) back to FileStore objects
// wherever the platform allows it, so hardlinking the tree again extends
// that same sharing instead of duplicating bytes — the portable
// equivalent of the COW clone the design asks for when no
// directory-level clone syscall is available.
func cloneTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return os.MkdirAll(target, 0o755)
		}
		switch {
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		default:
			return os.Link(path, target)
		}
	})
}
