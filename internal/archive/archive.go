// Package archive implements the ".sp" package archive codec: a
// zstd-compressed tar stream holding a package's manifest, file list, and
// payload files, by design.
//
// Grounded on the teacher's storage/filereader.go and
// storage/blobwriter.go for the "stream through a compressor, verify
// as you go" shape, adapted from blob layer to tar archive member layer,
// with github.com/klauspost/compress/zstd (the pack's preferred zstd
// implementation, also used by erigon) standing in for the teacher's
// gzip-only transport compression.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Magic bytes used to detect the compression used by a ".sp" archive
// without relying on its file extension, per the note that
// PackageStore inspects content rather than trusting names.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// MemberKind mirrors manifest.FileKind for the subset archive entries
// need to reconstruct on extraction.
type MemberKind int

const (
	MemberFile MemberKind = iota
	MemberSymlink
	MemberDirectory
)

// Entry describes one file to be packed into an archive.
type Entry struct {
	RelativePath  string // slash-separated, always relative, never ".." or absolute
	Kind          MemberKind
	Mode          os.FileMode
	SymlinkTarget string
	SourcePath    string // only for MemberFile: the on-disk file to read content from
}

// Pack writes a deterministic tar+zstd archive to w from entries:
// entries are sorted lexicographically by RelativePath, every tar header
// has its ModTime zeroed and no extended attributes are written, so that
// packing the same logical content twice produces byte-identical output
// (the determinism requirement for build_archive).
func Pack(w io.Writer, entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Internal, "create zstd writer", err)
	}
	tw := tar.NewWriter(zw)

	for _, e := range sorted {
		if err := validateRelativePath(e.RelativePath); err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:   e.RelativePath,
			Mode:   int64(e.Mode.Perm()),
			Format: tar.FormatPAX,
		}
		switch e.Kind {
		case MemberDirectory:
			hdr.Typeflag = tar.TypeDir
			hdr.Name = strings.TrimSuffix(hdr.Name, "/") + "/"
		case MemberSymlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.SymlinkTarget
		default:
			hdr.Typeflag = tar.TypeReg
			info, err := os.Stat(e.SourcePath)
			if err != nil {
				return kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("stat %s", e.SourcePath), err)
			}
			hdr.Size = info.Size()
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return kilnerrors.Wrap(kilnerrors.Internal, "write tar header", err)
		}
		if e.Kind == MemberFile {
			if err := copyFileInto(tw, e.SourcePath); err != nil {
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return kilnerrors.Wrap(kilnerrors.Internal, "close tar writer", err)
	}
	if err := zw.Close(); err != nil {
		return kilnerrors.Wrap(kilnerrors.Internal, "close zstd writer", err)
	}
	return nil
}

func copyFileInto(tw *tar.Writer, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("open %s", srcPath), err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return kilnerrors.Wrap(kilnerrors.Internal, fmt.Sprintf("write archive member %s", srcPath), err)
	}
	return nil
}

// PackDirectory is a convenience wrapper that walks dir, building an
// Entry list in deterministic order, then calls Pack.
func PackDirectory(w io.Writer, dir string) error {
	var entries []Entry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{RelativePath: rel, Kind: MemberSymlink, SymlinkTarget: target, Mode: info.Mode()})
		case d.IsDir():
			entries = append(entries, Entry{RelativePath: rel, Kind: MemberDirectory, Mode: info.Mode()})
		default:
			entries = append(entries, Entry{RelativePath: rel, Kind: MemberFile, Mode: info.Mode(), SourcePath: p})
		}
		return nil
	})
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("walk %s", dir), err)
	}
	return Pack(w, entries)
}

// IsZstd reports whether data begins with the zstd frame magic, letting
// callers detect compression by content rather than trust a file
// extension (the design).
func IsZstd(data []byte) bool {
	if len(data) < len(zstdMagic) {
		return false
	}
	for i, b := range zstdMagic {
		if data[i] != b {
			return false
		}
	}
	return true
}

// ExtractedMember is one file produced by Extract.
type ExtractedMember struct {
	RelativePath  string
	Kind          MemberKind
	Mode          os.FileMode
	SymlinkTarget string
	DestPath      string // populated for MemberFile, where the content was written
}

// Extract decompresses and unpacks r's tar+zstd stream into destDir,
// rejecting any entry whose path would escape destDir (the path
// traversal non-goal: archives must never place content outside the
// requested extraction root, symlink targets included only as metadata,
// never followed or created if they point outside the archive member
// namespace here and interpreted by the caller's rules).
func Extract(r io.Reader, destDir string) ([]ExtractedMember, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Integrity, "create zstd reader", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var out []ExtractedMember
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Integrity, "read tar stream", err)
		}
		rel := strings.TrimSuffix(hdr.Name, "/")
		if err := validateRelativePath(rel); err != nil {
			return nil, err
		}
		destPath := filepath.Join(destDir, filepath.FromSlash(rel))
		if !withinRoot(destDir, destPath) {
			return nil, kilnerrors.New(kilnerrors.Integrity, fmt.Sprintf("archive member %q escapes extraction root", hdr.Name)).WithDetails(hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("mkdir %s", destPath), err)
			}
			out = append(out, ExtractedMember{RelativePath: rel, Kind: MemberDirectory, Mode: hdr.FileInfo().Mode()})
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(hdr.Linkname); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("mkdir %s", filepath.Dir(destPath)), err)
			}
			if err := os.Symlink(hdr.Linkname, destPath); err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("symlink %s", destPath), err)
			}
			out = append(out, ExtractedMember{RelativePath: rel, Kind: MemberSymlink, SymlinkTarget: hdr.Linkname})
		default:
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("mkdir %s", filepath.Dir(destPath)), err)
			}
			f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("create %s", destPath), err)
			}
			_, copyErr := io.Copy(f, tr)
			closeErr := f.Close()
			if copyErr != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Integrity, fmt.Sprintf("extract %s", destPath), copyErr)
			}
			if closeErr != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Storage, fmt.Sprintf("close %s", destPath), closeErr)
			}
			out = append(out, ExtractedMember{RelativePath: rel, Kind: MemberFile, Mode: hdr.FileInfo().Mode(), DestPath: destPath})
		}
	}
	return out, nil
}

// validateRelativePath rejects absolute paths, empty paths, and any path
// containing a ".." component, per the path traversal rejection
// requirement.
func validateRelativePath(p string) error {
	if p == "" {
		return kilnerrors.New(kilnerrors.Integrity, "archive member has empty path")
	}
	if path.IsAbs(p) || strings.HasPrefix(p, "/") {
		return kilnerrors.New(kilnerrors.Integrity, fmt.Sprintf("archive member %q is an absolute path", p)).WithDetails(p)
	}
	clean := path.Clean(p)
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return kilnerrors.New(kilnerrors.Integrity, fmt.Sprintf("archive member %q attempts path traversal", p)).WithDetails(p)
		}
	}
	return nil
}

// validateSymlinkTarget rejects absolute symlink targets and targets
// containing ".." components, matching the same traversal-rejection
// policy applied to member paths.
func validateSymlinkTarget(target string) error {
	if target == "" {
		return kilnerrors.New(kilnerrors.Integrity, "archive symlink has empty target")
	}
	if path.IsAbs(target) || strings.HasPrefix(target, "/") {
		return kilnerrors.New(kilnerrors.Integrity, fmt.Sprintf("symlink target %q is absolute", target)).WithDetails(target)
	}
	for _, seg := range strings.Split(path.Clean(target), "/") {
		if seg == ".." {
			return kilnerrors.New(kilnerrors.Integrity, fmt.Sprintf("symlink target %q attempts path traversal", target)).WithDetails(target)
		}
	}
	return nil
}

// withinRoot reports whether candidate is root or a descendant of root,
// resolved lexically (no filesystem access), used as a final defense
// after validateRelativePath.
func withinRoot(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}
