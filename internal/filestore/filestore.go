// Package filestore implements the design: a content-addressed store of
// individual, immutable files, deduplicated by hash.
//
// Grounded on the teacher's registry/storage blob path conventions (sharded
// two-level object layout under a content root) and its doCommit-style
// publish pattern (write to a temp location, then rename into place so a
// reader never observes a partial object), generalized here to a
// create-temp-in-root -> fsync -> publish-into-shard sequence, and
// on the pack's distributed-system filestore.go (checksum-while-writing via
// io.MultiWriter).
package filestore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kiln-pm/kiln/internal/ctxlog"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Store is a content-addressed store of file objects rooted at a
// directory, laid out as <root>/<hh>/<hash> by design.
type Store struct {
	root string
	algo hash.Algorithm
}

// New returns a Store rooted at dir, creating it if necessary, and sweeps
// any *.tmp files left behind by a crashed Put, by design's
// failure-mode note. algo is the algorithm used for objects published
// through this store (XxHash128 for the default file-object use case).
func New(dir string, algo hash.Algorithm) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "create file store root", err)
	}
	s := &Store{root: dir, algo: algo}
	if err := s.sweepTemp(); err != nil {
		return nil, err
	}
	return s, nil
}

// sweepTemp removes orphaned *.tmp files from a crashed Put, which
// creates its temp files directly under the store root. New calls it.
func (s *Store) sweepTemp() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "list store root", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tmp") {
			os.Remove(filepath.Join(s.root, e.Name()))
		}
	}
	return nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectPath(h hash.Hash) string {
	return filepath.Join(s.root, h.ShardHex(), h.Hex())
}

// Exists reports whether an object for h is present.
func (s *Store) Exists(h hash.Hash) bool {
	_, err := os.Lstat(s.objectPath(h))
	return err == nil
}

// Size returns the size in bytes of the object addressed by h.
func (s *Store) Size(h hash.Hash) (int64, error) {
	fi, err := os.Lstat(s.objectPath(h))
	if err != nil {
		return 0, kilnerrors.Wrap(kilnerrors.Storage, "stat object", err)
	}
	return fi.Size(), nil
}

// Remove deletes the object addressed by h. Callers are responsible for
// refcount bookkeeping (the design invariant 3); Remove itself has no
// notion of references.
func (s *Store) Remove(h hash.Hash) error {
	if err := os.Remove(s.objectPath(h)); err != nil && !os.IsNotExist(err) {
		return kilnerrors.Wrap(kilnerrors.Storage, "remove object", err)
	}
	return nil
}

// PruneEmptyShards removes any top-level shard directory under the store
// root that Remove has left empty, returning the count removed. Mirrors
// the original file_store cleanup's sweep of now-empty shard
// directories; it never touches a shard that still holds an object.
func (s *Store) PruneEmptyShards() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, kilnerrors.Wrap(kilnerrors.Storage, "list store root", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.root, e.Name())
		contents, err := os.ReadDir(shardDir)
		if err != nil {
			return removed, kilnerrors.Wrap(kilnerrors.Storage, "list shard dir", err)
		}
		if len(contents) != 0 {
			continue
		}
		if err := os.Remove(shardDir); err != nil && !os.IsNotExist(err) {
			return removed, kilnerrors.Wrap(kilnerrors.Storage, "remove empty shard dir", err)
		}
		removed++
	}
	return removed, nil
}

// Verify rehashes the object addressed by h with h's own algorithm and
// reports whether the result matches.
func (s *Store) Verify(h hash.Hash) (bool, error) {
	got, err := hash.OfFile(h.Algorithm, s.objectPath(h))
	if err != nil {
		return false, kilnerrors.Wrap(kilnerrors.Storage, "rehash object", err)
	}
	return got.Equal(h), nil
}

// Put publishes path's contents into the store, returning the computed
// hash and whether this call was the one that actually created the
// object. Concurrent Put calls for the same content race to hardlink a
// temp file into place; a link never replaces an existing name, so the
// loser observes the destination already exists, removes its own temp
// file, and reports newlyStored=false. On a filesystem without hardlink
// support the temp file is renamed instead, and since rename replaces an
// existing destination, two racing calls there can both report true.
func (s *Store) Put(path string) (hash.Hash, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return hash.Hash{}, false, kilnerrors.Wrap(kilnerrors.Storage, "open source file", err)
	}
	defer f.Close()
	return s.put(f)
}

// PutReader is like Put but reads from an already-open reader, for callers
// streaming a download directly into the store without an intermediate
// file.
func (s *Store) PutReader(r io.Reader) (hash.Hash, bool, error) {
	return s.put(r)
}

func (s *Store) put(r io.Reader) (hash.Hash, bool, error) {
	tmp, err := os.CreateTemp(s.root, "*.tmp")
	if err != nil {
		return hash.Hash{}, false, kilnerrors.Wrap(kilnerrors.Storage, "create temp object", err)
	}
	tmpPath := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.Remove(tmpPath)
		}
	}()

	streamer := hash.NewStreamer(s.algo)
	mw := io.MultiWriter(tmp, streamer)
	if _, err := hash.CopyAndHash(mw, r); err != nil {
		tmp.Close()
		return hash.Hash{}, false, kilnerrors.Wrap(kilnerrors.Storage, "write temp object", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return hash.Hash{}, false, kilnerrors.Wrap(kilnerrors.Storage, "fsync temp object", err)
	}
	if err := tmp.Close(); err != nil {
		return hash.Hash{}, false, kilnerrors.Wrap(kilnerrors.Storage, "close temp object", err)
	}

	h := streamer.Sum()
	shardDir := filepath.Join(s.root, h.ShardHex())
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return hash.Hash{}, false, kilnerrors.Wrap(kilnerrors.Storage, "create shard dir", err)
	}
	dest := filepath.Join(shardDir, h.Hex())

	if _, err := os.Lstat(dest); err == nil {
		// Another Put (or a previous run) already published this object;
		// this call is the rename-race loser.
		return h, false, nil
	}

	if err := os.Link(tmpPath, dest); err != nil {
		if os.IsExist(err) {
			return h, false, nil
		}
		if err := os.Rename(tmpPath, dest); err != nil {
			return hash.Hash{}, false, kilnerrors.Wrap(kilnerrors.Storage, "publish object", err)
		}
		cleanupTmp = false
	}

	if err := os.Chmod(dest, 0o555); err != nil {
		ctxlog.GetLogger(context.Background()).Warnf("filestore: chmod read-only %s: %v", dest, err)
	}

	return h, true, nil
}

// Materialize places the object addressed by h at dest, using the
// platform's copy-on-write clone primitive where available, falling back
// to a hardlink, falling back to a full copy. Per the design, mutations
// to dest must never propagate back to the store object; the hardlink
// fallback relies on the live root's read-only-by-policy convention
// rather than filesystem enforcement.
func (s *Store) Materialize(h hash.Hash, dest string) error {
	src := s.objectPath(h)
	if !s.Exists(h) {
		return kilnerrors.New(kilnerrors.Storage, fmt.Sprintf("materialize: object %s not found", h))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "create destination parent", err)
	}
	os.Remove(dest)

	if err := cloneFile(src, dest); err == nil {
		return nil
	}
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "open source object", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "create destination", err)
	}
	defer out.Close()
	if _, err := hash.CopyAndHash(out, in); err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "copy object body", err)
	}
	return nil
}

// IngestedFile is one entry produced by IngestDirectory.
type IngestedFile struct {
	RelativePath  string
	Hash          hash.Hash
	Kind          string // "file", "symlink", "directory"
	Mode          uint32
	IsSymlink     bool
	SymlinkTarget string
}

// metadataFileNames are skipped by IngestDirectory at the package root per
// the design.
var metadataFileNames = map[string]bool{"manifest.toml": true}

func isSBOMName(name string) bool {
	return strings.HasPrefix(name, "sbom.") && strings.HasSuffix(name, ".json")
}

// IngestDirectory walks src in sorted order, publishing every regular file
// into the store and returning an entry per file, symlink, and directory
// encountered (excluding root-level manifest.toml and sbom.*.json, which
// PackageStore keeps alongside the manifest rather than in FileStore).
func (s *Store) IngestDirectory(src string) ([]IngestedFile, error) {
	entries, err := walkSorted(src)
	if err != nil {
		return nil, err
	}

	var out []IngestedFile
	for _, e := range entries {
		name := filepath.Base(e.relPath)
		if filepath.Dir(e.relPath) == "." && (metadataFileNames[name] || isSBOMName(name)) {
			continue
		}
		switch {
		case e.isDir:
			out = append(out, IngestedFile{RelativePath: e.relPath, Kind: "directory", Mode: e.mode})
		case e.isSymlink:
			target, err := os.Readlink(e.absPath)
			if err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("readlink %s", e.absPath), err)
			}
			out = append(out, IngestedFile{RelativePath: e.relPath, Kind: "symlink", Mode: e.mode, IsSymlink: true, SymlinkTarget: target})
		default:
			h, _, err := s.Put(e.absPath)
			if err != nil {
				return nil, err
			}
			out = append(out, IngestedFile{RelativePath: e.relPath, Hash: h, Kind: "file", Mode: e.mode})
		}
	}
	return out, nil
}

type walkEntry struct {
	relPath   string
	absPath   string
	mode      uint32
	isDir     bool
	isSymlink bool
}

// walkSorted lists every node under root (excluding root itself) in
// lexicographic order of its path relative to root, mirroring the
// traversal order hash.OfDirectory uses so ingestion and hashing agree on
// "what a package's contents are".
func walkSorted(root string) ([]walkEntry, error) {
	var out []walkEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, walkEntry{
			relPath:   rel,
			absPath:   path,
			mode:      uint32(info.Mode()),
			isDir:     d.IsDir(),
			isSymlink: d.Type()&os.ModeSymlink != 0,
		})
		return nil
	})
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "walk directory", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].relPath < out[j].relPath })
	return out, nil
}
