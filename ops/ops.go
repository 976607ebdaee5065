package ops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kiln-pm/kiln/internal/archive"
	"github.com/kiln-pm/kiln/internal/cache"
	"github.com/kiln-pm/kiln/internal/events"
	"github.com/kiln-pm/kiln/internal/filestore"
	"github.com/kiln-pm/kiln/internal/guard"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/installer"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/manifest"
	"github.com/kiln-pm/kiln/internal/metrics"
	"github.com/kiln-pm/kiln/internal/pipeline"
	"github.com/kiln-pm/kiln/internal/pkgstore"
	"github.com/kiln-pm/kiln/internal/resolver"
	"github.com/kiln-pm/kiln/internal/state"
)

// Ops is the facade wiring the resolver, pipeline, installer, ledger,
// and verifier behind the install/update/uninstall/rollback/verify
// entry points. It holds no ledger state of its own beyond references
// to the components that do.
type Ops struct {
	state         *state.Manager
	pipeline      *pipeline.Pipeline
	installer     *installer.AtomicInstaller
	guard         *guard.Verifier
	pkgStore      *pkgstore.Store
	fileStore     *filestore.Store
	bus           *events.Bus
	metrics       *metrics.Collectors
	idx           *resolver.Index
	scratchDir    string
	cacheProvider cache.Provider
}

// New wires an Ops facade from its already-constructed components. mc
// may be nil, in which case resolve/verify observations are skipped.
func New(st *state.Manager, pl *pipeline.Pipeline, inst *installer.AtomicInstaller, gd *guard.Verifier, pkgStore *pkgstore.Store, fileStore *filestore.Store, bus *events.Bus, mc *metrics.Collectors, scratchDir string) *Ops {
	return &Ops{
		state:      st,
		pipeline:   pl,
		installer:  inst,
		guard:      gd,
		pkgStore:   pkgStore,
		fileStore:  fileStore,
		bus:        bus,
		metrics:    mc,
		scratchDir: scratchDir,
	}
}

// SetIndex installs the package index used to resolve remote requests.
// It may be refreshed between operations as new index data arrives.
func (o *Ops) SetIndex(idx *resolver.Index) { o.idx = idx }

// WithCache attaches an optional descriptor cache. Without one, every
// freshly-ingested package's size is recomputed by summing its files out
// of the file store even if that exact package hash was ingested by an
// earlier install; with one, a hit skips straight to the cached total.
func (o *Ops) WithCache(c cache.Provider) *Ops {
	o.cacheProvider = c
	return o
}

// packageTransition pairs a ledger package row with its file list,
// ready either to feed installer.Stage's survivor/added/removed sets or
// to be written into a new state by AddPackageRef.
type packageTransition struct {
	pkg   state.Package
	files []state.FileRef
}

func toPackageFiles(ts []packageTransition) []installer.PackageFiles {
	out := make([]installer.PackageFiles, 0, len(ts))
	for _, t := range ts {
		out = append(out, installer.PackageFiles{Hash: t.pkg.Hash, Files: t.files})
	}
	return out
}

// Install resolves specs (package names, version specs, or local ".sp"
// archive paths) against the installed set and installs the result,
// leaving every already-installed package pinned at its current
// version.
func (o *Ops) Install(ctx context.Context, specs []string) (*Report, error) {
	return o.install(ctx, [][]string{specs})
}

// install is the shared core of Install and InstallMany: specGroups'
// specs are all resolved and committed together, against one combined
// pin set of whatever's installed but not targeted by any group.
func (o *Ops) install(ctx context.Context, specGroups [][]string) (*Report, error) {
	previousStateID, previous, err := o.activeSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var requests []resolver.Request
	var localSources []pipeline.LocalSource
	var names []string
	for _, specs := range specGroups {
		groupRequests, groupSources, groupNames, err := o.buildRequests(specs)
		if err != nil {
			return nil, err
		}
		requests = append(requests, groupRequests...)
		localSources = append(localSources, groupSources...)
		names = append(names, groupNames...)
	}
	o.publish(events.NewInstallStarting(names))

	targeted := map[string]bool{}
	for _, n := range names {
		targeted[n] = true
	}
	for _, p := range previous {
		if targeted[p.Name] {
			continue
		}
		pinned, err := pinnedRequest(p)
		if err != nil {
			return nil, o.fail("install", err)
		}
		requests = append(requests, pinned)
	}

	report, err := o.resolveAndExecute(ctx, "install", previousStateID, previous, requests, localSources)
	if err != nil {
		return nil, o.fail("install", err)
	}
	o.publish(events.NewInstallCompleted(names, report.StateID))
	return report, nil
}

// Update re-resolves names (or, if empty, every installed package)
// against a compatible-release constraint derived from their currently
// installed version (the "~=installed" rule).
func (o *Ops) Update(ctx context.Context, names []string) (*Report, error) {
	return o.updateOrUpgrade(ctx, "update", names, manifest.OpCompatible)
}

// Upgrade re-resolves names (or, if empty, every installed package)
// with their upper bound stripped, allowing any newer version.
func (o *Ops) Upgrade(ctx context.Context, names []string) (*Report, error) {
	return o.updateOrUpgrade(ctx, "upgrade", names, manifest.OpGE)
}

func (o *Ops) updateOrUpgrade(ctx context.Context, operation string, names []string, op manifest.Op) (*Report, error) {
	previousStateID, previous, err := o.activeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	previousByName := map[string]state.Package{}
	for _, p := range previous {
		previousByName[p.Name] = p
	}

	targets := names
	if len(targets) == 0 {
		for _, p := range previous {
			targets = append(targets, p.Name)
		}
	}

	// update/upgrade share Update's event pair; the vocabulary
	// does not name a distinct Upgrade event, since the two differ only
	// in which constraint operator the resolver is handed.
	o.publish(events.NewUpdateStarting(targets))

	targeted := map[string]bool{}
	var requests []resolver.Request
	for _, name := range targets {
		prev, ok := previousByName[name]
		if !ok {
			return nil, o.fail(operation, kilnerrors.New(kilnerrors.Input, operation+": package not installed: "+name).WithDetails(name))
		}
		targeted[name] = true
		v, err := manifest.ParseVersion(prev.Version)
		if err != nil {
			return nil, o.fail(operation, err)
		}
		requests = append(requests, resolver.Request{
			Package:     name,
			Constraints: []manifest.Constraint{{Package: name, Op: op, Version: v}},
		})
	}
	for _, p := range previous {
		if targeted[p.Name] {
			continue
		}
		pinned, err := pinnedRequest(p)
		if err != nil {
			return nil, o.fail(operation, err)
		}
		requests = append(requests, pinned)
	}

	report, err := o.resolveAndExecute(ctx, operation, previousStateID, previous, requests, nil)
	if err != nil {
		return nil, o.fail(operation, err)
	}
	o.publish(events.NewUpdateCompleted(targets, report.StateID))
	return report, nil
}

// Uninstall removes names from the active state without consulting the
// resolver: the new package set is simply the survivors of the active
// state once names are removed.
func (o *Ops) Uninstall(ctx context.Context, names []string) (*Report, error) {
	previousStateID, previous, err := o.activeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	o.publish(events.NewUninstallStarting(names))

	toRemove := map[string]bool{}
	for _, n := range names {
		toRemove[n] = true
	}
	var survivors, removed []packageTransition
	found := map[string]bool{}
	for _, p := range previous {
		files, err := o.state.GetPackageFileEntries(ctx, p.Hash)
		if err != nil {
			return nil, o.fail("uninstall", err)
		}
		t := packageTransition{pkg: p, files: files}
		if toRemove[p.Name] {
			found[p.Name] = true
			removed = append(removed, t)
		} else {
			survivors = append(survivors, t)
		}
	}
	for _, n := range names {
		if !found[n] {
			return nil, o.fail("uninstall", kilnerrors.New(kilnerrors.Input, "uninstall: package not installed: "+n).WithDetails(n))
		}
	}

	report, err := o.commitTransition(ctx, "uninstall", previousStateID, previous, survivors, nil, removed)
	if err != nil {
		return nil, o.fail("uninstall", err)
	}
	o.publish(events.NewUninstallCompleted(names, report.StateID))
	return report, nil
}

// Rollback reactivates an existing, previously-committed state, per
// the design. Unlike Install/Update/Uninstall, no new state is
// created: the target state id is simply reactivated.
func (o *Ops) Rollback(ctx context.Context, targetStateID string) (*Report, error) {
	ok, err := o.stateExists(ctx, targetStateID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kilnerrors.New(kilnerrors.State, "unknown rollback target state").WithDetails(targetStateID)
	}

	previousStateID, previous, err := o.activeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	target, err := o.state.GetStatePackages(ctx, targetStateID)
	if err != nil {
		return nil, err
	}

	o.publish(events.NewStateRollback(previousStateID, targetStateID))

	var targetPF []installer.PackageFiles
	for _, p := range target {
		files, err := o.state.GetPackageFileEntries(ctx, p.Hash)
		if err != nil {
			return nil, o.fail("rollback", err)
		}
		targetPF = append(targetPF, installer.PackageFiles{Hash: p.Hash, Files: files})
	}

	if _, err := o.installer.Rollback(ctx, targetPF); err != nil {
		return nil, o.fail("rollback", err)
	}

	tx, err := o.state.BeginTx(ctx)
	if err != nil {
		return nil, o.fail("rollback", err)
	}
	if err := tx.SetActiveState(ctx, targetStateID); err != nil {
		tx.Rollback()
		return nil, o.fail("rollback", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, o.fail("rollback", err)
	}

	o.setActiveGeneration(ctx)
	report := buildReport("rollback", previousStateID, targetStateID, previous, target)
	o.publish(events.NewUpdateCompleted(nil, targetStateID))
	return report, nil
}

// Verify runs the guard at level, healing discrepancies in place when
// heal is true, and records per-kind discrepancy counts.
func (o *Ops) Verify(ctx context.Context, level guard.Level, heal bool) (*guard.Result, error) {
	var result *guard.Result
	var err error
	if heal {
		result, err = o.guard.VerifyAndHeal(ctx, level)
	} else {
		result, err = o.guard.Verify(ctx, level)
	}
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		for _, d := range result.Discrepancies {
			o.metrics.VerifyDiscrepancies.WithLabelValues(string(d.Kind)).Inc()
		}
	}
	return result, nil
}

// Cleanup sweeps staging debris, orphaned (zero-refcount) file objects,
// and the empty shard directories they leave behind. It is a narrow
// sweep, not a generation-pruning garbage collector: committed states
// other than the active one are left untouched so rollback keeps
// working.
func (o *Ops) Cleanup(ctx context.Context) (*CleanupReport, error) {
	stagingRemoved, err := o.installer.SweepStaging()
	if err != nil {
		return nil, err
	}

	orphans, err := o.state.ListOrphanedFileHashes(ctx)
	if err != nil {
		return nil, err
	}
	filesRemoved := 0
	for _, hexHash := range orphans {
		h, err := hash.ParseHex(hexHash)
		if err != nil {
			continue // an unparsable stored hash is not this sweep's problem to fix
		}
		if err := o.fileStore.Remove(h); err != nil {
			return nil, err
		}
		if err := o.state.ForgetFileRefcount(ctx, hexHash); err != nil {
			return nil, err
		}
		filesRemoved++
	}

	shardsRemoved, err := o.fileStore.PruneEmptyShards()
	if err != nil {
		return nil, err
	}

	return &CleanupReport{
		StagingDirsRemoved:   stagingRemoved,
		OrphanedFilesRemoved: filesRemoved,
		EmptyShardsRemoved:   shardsRemoved,
	}, nil
}

// Search returns every index package name containing query, case
// insensitively, sorted.
func (o *Ops) Search(query string) ([]string, error) {
	if o.idx == nil {
		return nil, kilnerrors.New(kilnerrors.Input, "search: no package index configured")
	}
	q := strings.ToLower(query)
	var out []string
	for name := range o.idx.Packages {
		if strings.Contains(strings.ToLower(name), q) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// List returns every package in the currently active state.
func (o *Ops) List(ctx context.Context) ([]state.Package, error) {
	_, pkgs, err := o.activeSnapshot(ctx)
	return pkgs, err
}

// resolveAndExecute is the shared core of Install/Update/Upgrade:
// resolve requests against the index, run the resulting plan through
// the pipeline, and commit the outcome as a new state.
func (o *Ops) resolveAndExecute(ctx context.Context, operation, previousStateID string, previous []state.Package, requests []resolver.Request, localSources []pipeline.LocalSource) (*Report, error) {
	plan, err := o.resolve(ctx, requests)
	if err != nil {
		return nil, err
	}

	stored, err := o.pipeline.Run(ctx, plan, localSources)
	if err != nil {
		return nil, err
	}

	previousByHash := map[string]string{}
	for _, p := range previous {
		previousByHash[p.Name] = p.Hash
	}

	var survivors, added []packageTransition
	for name, sp := range stored {
		files, err := stateFileRefs(sp)
		if err != nil {
			return nil, err
		}
		pkg, err := o.stateObjectFor(ctx, sp)
		if err != nil {
			return nil, err
		}
		t := packageTransition{pkg: pkg, files: files}
		if previousByHash[name] == sp.Hash {
			survivors = append(survivors, t)
		} else {
			added = append(added, t)
		}
	}

	keep := map[string]bool{}
	for name := range stored {
		keep[name] = true
	}
	var removed []packageTransition
	for _, p := range previous {
		if keep[p.Name] {
			continue
		}
		files, err := o.state.GetPackageFileEntries(ctx, p.Hash)
		if err != nil {
			return nil, err
		}
		removed = append(removed, packageTransition{pkg: p, files: files})
	}

	return o.commitTransition(ctx, operation, previousStateID, previous, survivors, added, removed)
}

// commitTransition stages survivors/added/removed, commits the ledger
// transition, and performs the atomic swap, by design's
// transactional contract: the ledger transaction is opened and
// populated before the swap, and only committed once the swap has
// actually succeeded.
func (o *Ops) commitTransition(ctx context.Context, operation, previousStateID string, previous []state.Package, survivors, added, removed []packageTransition) (*Report, error) {
	stagingRoot, err := o.installer.Stage(ctx, toPackageFiles(survivors), toPackageFiles(added), toPackageFiles(removed))
	if err != nil {
		return nil, err
	}

	tx, err := o.state.BeginTx(ctx)
	if err != nil {
		o.installer.Discard(stagingRoot)
		return nil, err
	}

	newStateID, err := tx.CreateState(ctx, previousStateID, operation)
	if err != nil {
		tx.Rollback()
		o.installer.Discard(stagingRoot)
		return nil, err
	}

	for _, t := range survivors {
		if err := tx.AddPackageRef(ctx, newStateID, t.pkg, t.files); err != nil {
			tx.Rollback()
			o.installer.Discard(stagingRoot)
			return nil, err
		}
	}
	for _, t := range added {
		if err := tx.AddPackageRef(ctx, newStateID, t.pkg, t.files); err != nil {
			tx.Rollback()
			o.installer.Discard(stagingRoot)
			return nil, err
		}
	}

	if err := tx.SetActiveState(ctx, newStateID); err != nil {
		tx.Rollback()
		o.installer.Discard(stagingRoot)
		return nil, err
	}

	if _, err := o.installer.Commit(ctx, stagingRoot); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	o.setActiveGeneration(ctx)

	var next []state.Package
	for _, t := range survivors {
		next = append(next, t.pkg)
	}
	for _, t := range added {
		next = append(next, t.pkg)
	}

	report := buildReport(operation, previousStateID, newStateID, previous, next)
	o.publish(events.NewStateTransition(previousStateID, newStateID, operation))
	return report, nil
}

// resolve wraps resolver.Resolve with the resolve-duration and
// conflict-count observations the Ops facade reports against.
func (o *Ops) resolve(ctx context.Context, requests []resolver.Request) (*resolver.ExecutionPlan, error) {
	if o.idx == nil {
		return nil, kilnerrors.New(kilnerrors.Input, "no package index configured")
	}
	start := time.Now()
	plan, err := resolver.Resolve(o.idx, requests)
	if o.metrics != nil {
		o.metrics.ResolveDuration.Observe(time.Since(start).Seconds())
		var ke *kilnerrors.Error
		if err != nil && errors.As(err, &ke) && ke.Kind == kilnerrors.Resolution {
			o.metrics.ResolveConflictTotal.Inc()
		}
	}
	return plan, err
}

// activeSnapshot returns the active state id and its package set.
func (o *Ops) activeSnapshot(ctx context.Context) (string, []state.Package, error) {
	id, err := o.state.GetActiveState(ctx)
	if err != nil {
		return "", nil, err
	}
	pkgs, err := o.state.GetStatePackages(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return id, pkgs, nil
}

func (o *Ops) stateExists(ctx context.Context, id string) (bool, error) {
	rows, err := o.state.ListStates(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if r.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// setActiveGeneration reports the current number of committed states as
// a proxy generation counter: state ids are UUIDs, not a sequential
// integer, so the count is the closest numeric analogue the design's
// active_generation gauge can report.
func (o *Ops) setActiveGeneration(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	rows, err := o.state.ListStates(ctx)
	if err != nil {
		return
	}
	o.metrics.ActiveGeneration.Set(float64(len(rows)))
}

// buildRequests parses specs (bare names, version specs, or local
// ".sp" archive paths) into resolver requests, returning the requests,
// any local archive sources the pipeline must be handed alongside the
// plan, and the package names involved (for event payloads).
func (o *Ops) buildRequests(specs []string) ([]resolver.Request, []pipeline.LocalSource, []string, error) {
	var requests []resolver.Request
	var sources []pipeline.LocalSource
	var names []string
	for _, spec := range specs {
		if isLocalArchivePath(spec) {
			req, src, err := o.inspectLocalArchive(spec)
			if err != nil {
				return nil, nil, nil, err
			}
			requests = append(requests, *req)
			sources = append(sources, *src)
			names = append(names, req.Package)
			continue
		}
		name, cs, err := manifest.ParseDependencySpec(spec)
		if err != nil {
			return nil, nil, nil, err
		}
		requests = append(requests, resolver.Request{Package: name, Constraints: cs})
		names = append(names, name)
	}
	return requests, sources, names, nil
}

func isLocalArchivePath(spec string) bool {
	if strings.HasSuffix(spec, ".sp") {
		return true
	}
	return strings.ContainsRune(spec, os.PathSeparator) || strings.HasPrefix(spec, ".")
}

// inspectLocalArchive extracts archivePath far enough to read its
// manifest, building the resolver request and pipeline source a local
// install target needs without running it through the full pipeline
// twice.
func (o *Ops) inspectLocalArchive(archivePath string) (*resolver.Request, *pipeline.LocalSource, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, kilnerrors.Wrap(kilnerrors.Input, "open local archive "+archivePath, err)
	}
	defer f.Close()

	scratch, err := os.MkdirTemp(o.scratchDir, "kiln-inspect-*")
	if err != nil {
		return nil, nil, kilnerrors.Wrap(kilnerrors.Storage, "create inspect scratch dir", err)
	}
	defer os.RemoveAll(scratch)

	if _, err := archive.Extract(f, scratch); err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(filepath.Join(scratch, "manifest.toml"))
	if err != nil {
		return nil, nil, kilnerrors.New(kilnerrors.Input, "local archive is missing manifest.toml: "+archivePath).WithDetails(archivePath)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, nil, err
	}

	entry := resolver.VersionEntry{
		Version: m.Version,
		Dependencies: resolver.DependencySpec{
			Runtime: m.RuntimeSpecs(),
			Build:   m.BuildSpecs(),
		},
	}
	req := &resolver.Request{Package: m.Name, LocalEntry: &entry}
	src := &pipeline.LocalSource{Package: m.Name, ArchivePath: archivePath}
	return req, src, nil
}

func pinnedRequest(pkg state.Package) (resolver.Request, error) {
	v, err := manifest.ParseVersion(pkg.Version)
	if err != nil {
		return resolver.Request{}, err
	}
	return resolver.Request{
		Package:     pkg.Name,
		Constraints: []manifest.Constraint{{Package: pkg.Name, Op: manifest.OpEQ, Version: v}},
	}, nil
}

// stateObjectFor builds the ledger Package row for a freshly-ingested
// StoredPackage, computing its total size from the file store. The same
// package hash recurs across installs whenever a dependency one install
// already pulled in is resolved again by a later one, so the total is
// looked up in the descriptor cache (if configured) before re-summing
// every file's size out of the file store.
func (o *Ops) stateObjectFor(ctx context.Context, sp *pkgstore.StoredPackage) (state.Package, error) {
	if o.cacheProvider != nil {
		if d, ok, err := o.cacheProvider.Get(ctx, sp.Hash); err == nil && ok {
			return state.Package{
				Name:     sp.Manifest.Name,
				Version:  sp.Manifest.Version.String(),
				Revision: sp.Manifest.Revision,
				Arch:     sp.Manifest.Arch,
				Hash:     sp.Hash,
				Size:     d.Size,
			}, nil
		}
	}

	var size int64
	for _, f := range sp.Files {
		if f.Kind != manifest.KindFile || f.FileHash == "" {
			continue
		}
		h, err := hash.ParseHex(f.FileHash)
		if err != nil {
			return state.Package{}, kilnerrors.Wrap(kilnerrors.Storage, "parse file hash for "+sp.Manifest.Name, err)
		}
		sz, err := o.fileStore.Size(h)
		if err != nil {
			return state.Package{}, err
		}
		size += sz
	}

	if o.cacheProvider != nil {
		_ = o.cacheProvider.Set(ctx, sp.Hash, cache.Descriptor{
			Name:    sp.Manifest.Name,
			Version: sp.Manifest.Version.String(),
			Size:    size,
		})
	}

	return state.Package{
		Name:     sp.Manifest.Name,
		Version:  sp.Manifest.Version.String(),
		Revision: sp.Manifest.Revision,
		Arch:     sp.Manifest.Arch,
		Hash:     sp.Hash,
		Size:     size,
	}, nil
}

func stateFileRefs(sp *pkgstore.StoredPackage) ([]state.FileRef, error) {
	out := make([]state.FileRef, 0, len(sp.Files))
	for _, f := range sp.Files {
		out = append(out, state.FileRef{
			RelativePath: f.RelativePath,
			FileHash:     f.FileHash,
			Kind:         string(f.Kind),
			Mode:         f.Mode,
		})
	}
	return out, nil
}

// buildReport diffs previous against next by package name and hash.
func buildReport(operation, previousStateID, newStateID string, previous, next []state.Package) *Report {
	previousByName := map[string]state.Package{}
	for _, p := range previous {
		previousByName[p.Name] = p
	}
	seen := map[string]bool{}

	r := &Report{Operation: operation, PreviousStateID: previousStateID, StateID: newStateID}
	for _, p := range next {
		seen[p.Name] = true
		prev, existed := previousByName[p.Name]
		switch {
		case !existed:
			r.Installed = append(r.Installed, PackageDiff{Name: p.Name, ToVersion: p.Version})
		case prev.Hash != p.Hash:
			r.Updated = append(r.Updated, PackageDiff{Name: p.Name, FromVersion: prev.Version, ToVersion: p.Version})
		default:
			r.Unchanged = append(r.Unchanged, p.Name)
		}
	}
	for _, p := range previous {
		if !seen[p.Name] {
			r.Removed = append(r.Removed, PackageDiff{Name: p.Name, FromVersion: p.Version})
		}
	}

	sort.Slice(r.Installed, func(i, j int) bool { return r.Installed[i].Name < r.Installed[j].Name })
	sort.Slice(r.Updated, func(i, j int) bool { return r.Updated[i].Name < r.Updated[j].Name })
	sort.Slice(r.Removed, func(i, j int) bool { return r.Removed[i].Name < r.Removed[j].Name })
	sort.Strings(r.Unchanged)
	return r
}

func (o *Ops) publish(ev events.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ev)
}

func (o *Ops) fail(operation string, err error) error {
	o.publish(events.NewOperationFailed(operation, err))
	return err
}
