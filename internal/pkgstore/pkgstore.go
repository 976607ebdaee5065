// Package pkgstore implements the PackageStore: package-level manifests
// referencing FileStore objects, with archive ingress/egress, per
// the design.
//
// Grounded on the teacher's storage/manifeststore.go (a content-addressed
// directory of manifests keyed by digest, with a "does this already
// exist" short-circuit before writing) generalized from OCI manifests to
// kiln's StoredPackage directories.
package pkgstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kiln-pm/kiln/internal/archive"
	"github.com/kiln-pm/kiln/internal/filestore"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/manifest"
)

// FileEntry is one row of a StoredPackage's files.json ledger.
type FileEntry struct {
	RelativePath string          `json:"relative_path"`
	FileHash     string          `json:"file_hash,omitempty"`
	Kind         manifest.FileKind `json:"kind"`
	Mode         uint32          `json:"mode"`
	IsSymlink    bool            `json:"is_symlink"`
	SymlinkTarget string         `json:"symlink_target,omitempty"`
}

// StoredPackage is the in-memory view of a package directory under
// <store>/packages/<pkg_hash>.
type StoredPackage struct {
	Hash     string
	Manifest *manifest.Manifest
	Files    []FileEntry
}

const (
	manifestFileName = "manifest.toml"
	filesLedgerName  = "files.json"
)

// Store manages the packages/ subtree of a content-addressed store root,
// built atop a FileStore for file bodies.
type Store struct {
	root  string // <store>/packages
	files *filestore.Store
	algo  hash.Algorithm
}

// New creates or opens a PackageStore rooted at dir, using files as the
// backing FileStore for regular-file bodies.
func New(dir string, files *filestore.Store, algo hash.Algorithm) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("create package store root %s", dir), err)
	}
	return &Store{root: dir, files: files, algo: algo}, nil
}

// Algorithm returns the hash algorithm this store identifies packages
// and files by, for callers that need to checksum bytes the store
// itself did not produce (e.g. a freshly built archive).
func (s *Store) Algorithm() hash.Algorithm { return s.algo }

func (s *Store) packageDir(pkgHash string) string {
	return filepath.Join(s.root, pkgHash)
}

// Exists reports whether a StoredPackage with this identity hash is
// already present.
func (s *Store) Exists(pkgHash string) bool {
	_, err := os.Stat(filepath.Join(s.packageDir(pkgHash), manifestFileName))
	return err == nil
}

// Get loads an existing StoredPackage by its identity hash.
func (s *Store) Get(pkgHash string) (*StoredPackage, error) {
	dir := s.packageDir(pkgHash)
	manifestData, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("read manifest for %s", pkgHash), err)
	}
	m, err := manifest.Parse(manifestData)
	if err != nil {
		return nil, err
	}
	ledgerData, err := os.ReadFile(filepath.Join(dir, filesLedgerName))
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("read files ledger for %s", pkgHash), err)
	}
	var entries []FileEntry
	if err := json.Unmarshal(ledgerData, &entries); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("decode files ledger for %s", pkgHash), err)
	}
	return &StoredPackage{Hash: pkgHash, Manifest: m, Files: entries}, nil
}

// Ingest reads a ".sp" archive from r, stream-extracts it to a scratch
// directory, validates it, computes its identity hash, and if not
// already present, publishes its file bodies into FileStore and writes
// the package directory. Returns the resulting StoredPackage.
func (s *Store) Ingest(archiveReader io.Reader, scratchParent string) (*StoredPackage, error) {
	scratch, err := os.MkdirTemp(scratchParent, "kiln-ingest-*")
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "create ingest scratch dir", err)
	}
	defer os.RemoveAll(scratch)

	if _, err := archive.Extract(archiveReader, scratch); err != nil {
		return nil, err
	}

	return s.IngestExtracted(scratch)
}

// IngestExtracted is the second half of Ingest: given a directory already
// holding an extracted package's contents (manifest.toml plus payload),
// validate it, compute its identity hash, and if not already present,
// publish its file bodies into FileStore and write the package directory.
// Exposed separately so callers that need to interleave a distinct
// decompress phase with the ingest phase — the pipeline's bounded
// concurrency model, by design — can extract once under their
// own semaphore and ingest under another, rather than going through
// Ingest's single combined call.
func (s *Store) IngestExtracted(scratch string) (*StoredPackage, error) {
	manifestPath := filepath.Join(scratch, manifestFileName)
	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, kilnerrors.New(kilnerrors.Input, "archive is missing manifest.toml at its root").WithDetails(manifestPath)
	}
	m, err := manifest.Parse(manifestData)
	if err != nil {
		return nil, err
	}

	pkgHash, err := hash.OfDirectory(s.algo, scratch)
	if err != nil {
		return nil, err
	}
	hexHash := pkgHash.Hex()

	if s.Exists(hexHash) {
		return s.Get(hexHash)
	}

	ingested, err := s.files.IngestDirectory(scratch)
	if err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(ingested))
	for _, f := range ingested {
		entries = append(entries, FileEntry{
			RelativePath:  f.RelativePath,
			FileHash:      hashHexOrEmpty(f.Hash),
			Kind:          manifest.FileKind(f.Kind),
			Mode:          f.Mode,
			IsSymlink:     f.IsSymlink,
			SymlinkTarget: f.SymlinkTarget,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })

	dir := s.packageDir(hexHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("create package dir %s", dir), err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), manifestData, 0o444); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "write manifest.toml", err)
	}
	ledgerData, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Internal, "encode files ledger", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filesLedgerName), ledgerData, 0o444); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "write files.json", err)
	}
	copySBOMs(scratch, dir)

	return &StoredPackage{Hash: hexHash, Manifest: m, Files: entries}, nil
}

func hashHexOrEmpty(h hash.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.Hex()
}

func copySBOMs(scratch, dir string) {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isSBOMName(e.Name()) {
			data, err := os.ReadFile(filepath.Join(scratch, e.Name()))
			if err != nil {
				continue
			}
			os.WriteFile(filepath.Join(dir, e.Name()), data, 0o444)
		}
	}
}

func isSBOMName(name string) bool {
	return strings.HasPrefix(name, "sbom.") && strings.HasSuffix(name, ".json")
}

// MaterializeInto walks a StoredPackage's files ledger and recreates it
// under destRoot: directories are created, symlinks recreated verbatim,
// and regular files materialized from FileStore. Metadata files
// (manifest.toml, sbom.*.json) are never written into destRoot.
func (s *Store) MaterializeInto(pkgHash string, destRoot string) error {
	pkg, err := s.Get(pkgHash)
	if err != nil {
		return err
	}
	for _, f := range pkg.Files {
		dest := filepath.Join(destRoot, filepath.FromSlash(f.RelativePath))
		switch f.Kind {
		case manifest.KindDirectory:
			if err := os.MkdirAll(dest, os.FileMode(f.Mode).Perm()|0o700); err != nil {
				return kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("mkdir %s", dest), err)
			}
		case manifest.KindSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("mkdir %s", filepath.Dir(dest)), err)
			}
			os.Remove(dest)
			if err := os.Symlink(f.SymlinkTarget, dest); err != nil {
				return kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("symlink %s", dest), err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("mkdir %s", filepath.Dir(dest)), err)
			}
			h, err := hash.ParseHex(f.FileHash)
			if err != nil {
				return kilnerrors.Wrap(kilnerrors.State, fmt.Sprintf("parse file hash for %s", f.RelativePath), err)
			}
			if err := s.files.Materialize(h, dest); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildArchive packs dir into a deterministic ".sp" archive, failing
// closed if manifest.toml is absent.
func (s *Store) BuildArchive(dir string, w io.Writer) error {
	if _, err := os.Stat(filepath.Join(dir, manifestFileName)); err != nil {
		return kilnerrors.New(kilnerrors.Input, fmt.Sprintf("%s is missing manifest.toml, refusing to build archive", dir)).WithDetails(dir)
	}
	return archive.PackDirectory(w, dir)
}
