// Package state implements the StateManager: the ledger of generations,
// the active-state pointer, and the package/file reference-counting
// bookkeeping that backs the atomic install/rollback model.
//
// Grounded on the teacher's registry/storage/driver/filesystem
// transaction-file convention (write-then-rename as the unit of atomic
// visibility) for the on-disk half, and on the pack's erigon choice of
// modernc.org/sqlite — a pure-Go, cgo-free sqlite driver registered under
// database/sql — for the ledger itself, in place of the teacher's own
// (etcd/raft-shaped) cluster metadata store, since kiln's ledger is
// single-writer/local rather than distributed.
package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS states (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	created_at TEXT NOT NULL,
	operation TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS packages (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	revision INTEGER NOT NULL,
	arch TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS state_packages (
	state_id TEXT NOT NULL REFERENCES states(id),
	package_id TEXT NOT NULL REFERENCES packages(id),
	PRIMARY KEY (state_id, package_id)
);
CREATE TABLE IF NOT EXISTS package_files (
	package_id TEXT NOT NULL REFERENCES packages(id),
	relative_path TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	kind TEXT NOT NULL,
	mode INTEGER NOT NULL,
	PRIMARY KEY (package_id, relative_path)
);
CREATE TABLE IF NOT EXISTS file_refcounts (
	file_hash TEXT PRIMARY KEY,
	count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS mtime_trackers (
	state_id TEXT NOT NULL,
	package_id TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	mtime TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	PRIMARY KEY (state_id, package_id, relative_path)
);
CREATE INDEX IF NOT EXISTS idx_states_active ON states(active);
`

// Package is the ledger's row shape for packages(), distinct from
// manifest.Manifest (which carries dependency constraints the ledger
// does not need to retain once a plan has been executed).
type Package struct {
	ID       string
	Name     string
	Version  string
	Revision int
	Arch     string
	Hash     string
	Size     int64
}

// FileRef is one row of package_files.
type FileRef struct {
	RelativePath string
	FileHash     string
	Kind         string
	Mode         uint32
}

// StateRow is one row of states(), as returned by ListStates.
type StateRow struct {
	ID        string
	ParentID  string // empty for the root state
	CreatedAt string
	Operation string
	Active    bool
}

// Manager owns the ledger database and the live-root pointer contract.
// It does not itself perform filesystem swaps (that's installer's job);
// it is the single source of truth the swap must agree with.
type Manager struct {
	db       *sql.DB
	root     string // <root>; live_path() = <root>/live
}

// Open opens (creating if necessary) the sqlite ledger at dbPath and
// ensures its schema exists. root is the installation root whose
// "live" subdirectory Manager.LivePath reports.
func Open(ctx context.Context, dbPath, root string) (*Manager, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "open ledger database", err)
	}
	db.SetMaxOpenConns(1) // single-writer by design; sqlite serializes regardless
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, kilnerrors.Wrap(kilnerrors.State, "apply ledger schema", err)
	}
	m := &Manager{db: db, root: root}
	if err := m.ensureInitialState(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the ledger's database handle.
func (m *Manager) Close() error { return m.db.Close() }

// ensureInitialState creates the forest-rooting empty state (the design
// invariant 4) the first time Open runs against a fresh ledger.
func (m *Manager) ensureInitialState(ctx context.Context) error {
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM states").Scan(&count); err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "count states", err)
	}
	if count > 0 {
		return nil
	}
	id := uuid.NewString()
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO states(id, parent_id, created_at, operation, active) VALUES (?, NULL, datetime('now'), 'init', 1)", id)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "create initial state", err)
	}
	return nil
}

// LivePath returns the absolute path external programs use as the
// installation prefix.
func (m *Manager) LivePath() string { return m.root + "/live" }

// Tx wraps a single serializable ledger transaction, by design's
// begin_transaction contract.
type Tx struct {
	tx *sql.Tx
}

// BeginTx opens a serializable transaction on the ledger. Only one
// writer transaction is ever open at a time (enforced by SetMaxOpenConns
// above, mirroring the single-writer policy of the design).
func (m *Manager) BeginTx(ctx context.Context) (*Tx, error) {
	sqlTx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.State, "begin ledger transaction", err)
	}
	return &Tx{tx: sqlTx}, nil
}

// Commit finalizes tx. Per the design, this must only be called after
// the corresponding filesystem swap has already succeeded.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "commit ledger transaction", err)
	}
	return nil
}

// Rollback discards tx's pending mutations.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return kilnerrors.Wrap(kilnerrors.State, "rollback ledger transaction", err)
	}
	return nil
}

// GetActiveState returns the id of the currently-active state.
func (m *Manager) GetActiveState(ctx context.Context) (string, error) {
	var id string
	err := m.db.QueryRowContext(ctx, "SELECT id FROM states WHERE active = 1").Scan(&id)
	if err != nil {
		return "", kilnerrors.Wrap(kilnerrors.State, "query active state", err)
	}
	return id, nil
}

// CreateState inserts a new state row as a child of parent (empty string
// for none), returning its new id. It does not mark the state active;
// call SetActiveState separately within the same transaction per the
// commit protocol in the design.
func (t *Tx) CreateState(ctx context.Context, parentID, operation string) (string, error) {
	id := uuid.NewString()
	var parent interface{}
	if parentID != "" {
		parent = parentID
	}
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO states(id, parent_id, created_at, operation, active) VALUES (?, ?, datetime('now'), ?, 0)",
		id, parent, operation)
	if err != nil {
		return "", kilnerrors.Wrap(kilnerrors.State, "insert state row", err)
	}
	return id, nil
}

// SetActiveState marks id as the sole active state, deactivating all
// others, within tx.
func (t *Tx) SetActiveState(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, "UPDATE states SET active = 0"); err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "deactivate states", err)
	}
	res, err := t.tx.ExecContext(ctx, "UPDATE states SET active = 1 WHERE id = ?", id)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "activate state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "check activation result", err)
	}
	if n == 0 {
		return kilnerrors.New(kilnerrors.State, fmt.Sprintf("unknown state id %q", id)).WithDetails(id)
	}
	return nil
}

// upsertPackage inserts pkg if its hash isn't already known, returning
// the package's id either way.
func (t *Tx) upsertPackage(ctx context.Context, pkg Package) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM packages WHERE hash = ?", pkg.Hash).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", kilnerrors.Wrap(kilnerrors.State, "query package by hash", err)
	}
	id = pkg.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = t.tx.ExecContext(ctx,
		"INSERT INTO packages(id, name, version, revision, arch, hash, size) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, pkg.Name, pkg.Version, pkg.Revision, pkg.Arch, pkg.Hash, pkg.Size)
	if err != nil {
		return "", kilnerrors.Wrap(kilnerrors.State, "insert package row", err)
	}
	return id, nil
}

// AddPackageRef registers pkg as part of state (inserting the package
// row if new), records its file list, and bumps file_refcounts for each
// referenced file hash, by design.
func (t *Tx) AddPackageRef(ctx context.Context, stateID string, pkg Package, files []FileRef) error {
	pkgID, err := t.upsertPackage(ctx, pkg)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO state_packages(state_id, package_id) VALUES (?, ?)", stateID, pkgID)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "link state to package", err)
	}
	for _, f := range files {
		_, err = t.tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO package_files(package_id, relative_path, file_hash, kind, mode) VALUES (?, ?, ?, ?, ?)",
			pkgID, f.RelativePath, f.FileHash, f.Kind, f.Mode)
		if err != nil {
			return kilnerrors.Wrap(kilnerrors.State, "insert package file row", err)
		}
		if f.Kind == "file" && f.FileHash != "" {
			if err := t.bumpRefcount(ctx, f.FileHash, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemovePackageRef undoes AddPackageRef's ledger effects for state/pkg:
// unlinks the state_packages row and decrements file_refcounts for each
// of the package's file entries. It does not delete the package row
// itself; packages are immutable and their rows stay in the ledger.
func (t *Tx) RemovePackageRef(ctx context.Context, stateID string, pkgHash string) error {
	var pkgID string
	if err := t.tx.QueryRowContext(ctx, "SELECT id FROM packages WHERE hash = ?", pkgHash).Scan(&pkgID); err != nil {
		return kilnerrors.Wrap(kilnerrors.State, fmt.Sprintf("lookup package %s", pkgHash), err)
	}
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM state_packages WHERE state_id = ? AND package_id = ?", stateID, pkgID); err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "unlink state from package", err)
	}
	rows, err := t.tx.QueryContext(ctx, "SELECT file_hash, kind FROM package_files WHERE package_id = ?", pkgID)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "query package files", err)
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var hash, kind string
		if err := rows.Scan(&hash, &kind); err != nil {
			return kilnerrors.Wrap(kilnerrors.State, "scan package file row", err)
		}
		if kind == "file" && hash != "" {
			refs = append(refs, hash)
		}
	}
	if err := rows.Err(); err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "iterate package files", err)
	}
	for _, h := range refs {
		if err := t.bumpRefcount(ctx, h, -1); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) bumpRefcount(ctx context.Context, fileHash string, delta int) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO file_refcounts(file_hash, count) VALUES (?, ?)
		 ON CONFLICT(file_hash) DO UPDATE SET count = count + excluded.count`,
		fileHash, delta)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "update file refcount", err)
	}
	return nil
}

// GetFileRefcount returns the current refcount for a file hash (0 if
// untracked).
func (m *Manager) GetFileRefcount(ctx context.Context, fileHash string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT count FROM file_refcounts WHERE file_hash = ?", fileHash).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, kilnerrors.Wrap(kilnerrors.State, "query file refcount", err)
	}
	return count, nil
}

// ListOrphanedFileHashes returns every file hash whose tracked refcount
// has dropped to zero or below — a candidate for removal from the file
// store during a cleanup sweep.
func (m *Manager) ListOrphanedFileHashes(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT file_hash FROM file_refcounts WHERE count <= 0")
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.State, "list orphaned file hashes", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.State, "scan orphaned file hash", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ForgetFileRefcount removes fileHash's refcount row entirely, once its
// backing object has been deleted from the file store.
func (m *Manager) ForgetFileRefcount(ctx context.Context, fileHash string) error {
	if _, err := m.db.ExecContext(ctx, "DELETE FROM file_refcounts WHERE file_hash = ?", fileHash); err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "forget file refcount", err)
	}
	return nil
}

// ListStates returns every state row, most recently created first.
func (m *Manager) ListStates(ctx context.Context) ([]StateRow, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT id, COALESCE(parent_id, ''), created_at, operation, active FROM states ORDER BY created_at DESC")
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.State, "list states", err)
	}
	defer rows.Close()
	var out []StateRow
	for rows.Next() {
		var r StateRow
		var active int
		if err := rows.Scan(&r.ID, &r.ParentID, &r.CreatedAt, &r.Operation, &active); err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.State, "scan state row", err)
		}
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetStatePackages returns the packages referenced by state.
func (m *Manager) GetStatePackages(ctx context.Context, stateID string) ([]Package, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.version, p.revision, p.arch, p.hash, p.size
		FROM packages p JOIN state_packages sp ON sp.package_id = p.id
		WHERE sp.state_id = ? ORDER BY p.name`, stateID)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.State, "query state packages", err)
	}
	defer rows.Close()
	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Revision, &p.Arch, &p.Hash, &p.Size); err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.State, "scan package row", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPackageFileEntries returns the file ledger for a package by its
// content hash.
func (m *Manager) GetPackageFileEntries(ctx context.Context, pkgHash string) ([]FileRef, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT pf.relative_path, pf.file_hash, pf.kind, pf.mode
		FROM package_files pf JOIN packages p ON p.id = pf.package_id
		WHERE p.hash = ? ORDER BY pf.relative_path`, pkgHash)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.State, "query package file entries", err)
	}
	defer rows.Close()
	var out []FileRef
	for rows.Next() {
		var f FileRef
		if err := rows.Scan(&f.RelativePath, &f.FileHash, &f.Kind, &f.Mode); err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.State, "scan package file row", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClearPackageMtimeTrackers deletes cached mtime entries for (name,
// version) across all states, invoked by the healer after a successful
// heal so the next verification re-checks the package from scratch.
func (t *Tx) ClearPackageMtimeTrackers(ctx context.Context, name, version string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM mtime_trackers WHERE package_id IN (
			SELECT id FROM packages WHERE name = ? AND version = ?
		)`, name, version)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "clear mtime trackers", err)
	}
	return nil
}

// RecordMtime upserts a cached mtime entry used by Full verification to
// skip unchanged files.
func (t *Tx) RecordMtime(ctx context.Context, stateID, pkgID, relPath, mtime, fileHash string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO mtime_trackers(state_id, package_id, relative_path, mtime, file_hash) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(state_id, package_id, relative_path) DO UPDATE SET mtime = excluded.mtime, file_hash = excluded.file_hash`,
		stateID, pkgID, relPath, mtime, fileHash)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.State, "record mtime tracker", err)
	}
	return nil
}

// GetMtime returns the cached mtime for (state, package, path), or ""
// if untracked.
func (m *Manager) GetMtime(ctx context.Context, stateID, pkgID, relPath string) (string, error) {
	var mtime string
	err := m.db.QueryRowContext(ctx,
		"SELECT mtime FROM mtime_trackers WHERE state_id = ? AND package_id = ? AND relative_path = ?",
		stateID, pkgID, relPath).Scan(&mtime)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", kilnerrors.Wrap(kilnerrors.State, "query mtime tracker", err)
	}
	return mtime, nil
}
