// Package hash implements the design: a tagged, dual-algorithm content
// hash used throughout kiln. Blake3 (32 bytes) is used for
// externally-verifiable artifacts (archives, signatures); XxHash128 (16
// bytes) is used for internal file objects where speed dominates. The two
// algorithms never compare equal to one another even if their hex forms
// happened to collide in length, because the Algorithm tag is always
// compared first.
//
// Grounded on the digest-walking style of the pack's golang/dep
// (internal/gps/pkgtree.DigestFromPathname): a single streaming hash
// instance fed path, mode, and content/symlink-target for each node of a
// directory tree in lexicographic order, rather than hashing a tar stream.
package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	ocidigest "github.com/opencontainers/go-digest"
	"lukechampine.com/blake3"

	mh "github.com/multiformats/go-multihash"
	"github.com/ipfs/go-cid"
)

// Algorithm identifies which hash function produced a Hash's bytes.
type Algorithm int

const (
	// Blake3 is a 32-byte hash used for externally-verifiable artifacts.
	Blake3 Algorithm = iota
	// XxHash128 is a 16-byte hash used for internal file objects.
	XxHash128
)

func (a Algorithm) String() string {
	switch a {
	case Blake3:
		return "blake3"
	case XxHash128:
		return "xxh128"
	default:
		return "unknown"
	}
}

// Size returns the encoded byte length of a digest produced by a.
func (a Algorithm) Size() int {
	switch a {
	case Blake3:
		return 32
	case XxHash128:
		return 16
	default:
		return 0
	}
}

// ChunkSize is the streaming read size used when hashing files and
// directories.
const ChunkSize = 64 * 1024

// Hash is a tagged content hash: {algorithm, bytes}.
type Hash struct {
	Algorithm Algorithm
	Bytes     []byte
}

// Equal reports whether h and o are the same algorithm and bytes. Hashes of
// different algorithms are never equal, even if the byte slices happen to
// coincide in length.
func (h Hash) Equal(o Hash) bool {
	if h.Algorithm != o.Algorithm {
		return false
	}
	if len(h.Bytes) != len(o.Bytes) {
		return false
	}
	for i := range h.Bytes {
		if h.Bytes[i] != o.Bytes[i] {
			return false
		}
	}
	return true
}

// Hex returns the lowercase hex encoding of h's bytes. This is the on-disk
// and ledger representation of a Hash.
func (h Hash) Hex() string { return hex.EncodeToString(h.Bytes) }

func (h Hash) String() string { return fmt.Sprintf("%s:%s", h.Algorithm, h.Hex()) }

// IsZero reports whether h carries no bytes.
func (h Hash) IsZero() bool { return len(h.Bytes) == 0 }

// ParseHex decodes a bare hex string into a Hash, inferring the algorithm
// from its decoded length: 32 bytes means Blake3, 16 bytes means
// XxHash128. Any other length is rejected, per the boundary
// property ("A hash string of length != 32 and != 64 hex chars is
// rejected at parse time").
func ParseHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: invalid hex %q: %w", s, err)
	}
	switch len(b) {
	case 32:
		return Hash{Algorithm: Blake3, Bytes: b}, nil
	case 16:
		return Hash{Algorithm: XxHash128, Bytes: b}, nil
	default:
		return Hash{}, fmt.Errorf("hash: %q decodes to %d bytes, want 16 or 32", s, len(b))
	}
}

// ShardHex returns the first two hex characters of h's digest, the
// directory shard under <store>/objects/ it lives in, by design.
func (h Hash) ShardHex() string {
	hx := h.Hex()
	if len(hx) < 2 {
		return hx
	}
	return hx[:2]
}

// ToOCIDigest exports h in the opencontainers/go-digest wire form
// ("alg:hex"), for interop with OCI-adjacent tooling. Only meaningful for
// Blake3 hashes, since XxHash128 has no OCI algorithm identifier; the
// zero value is returned for XxHash128.
func (h Hash) ToOCIDigest() ocidigest.Digest {
	if h.Algorithm != Blake3 {
		return ""
	}
	return ocidigest.NewDigestFromEncoded("blake3", h.Hex())
}

// ToCID exports h as a multihash-wrapped CIDv1, for interop with external
// tooling that understands content identifiers. This is a pure encoding
// utility: no DAG is built and nothing is published anywhere, so it does
// not implicate the peer-to-peer-distribution non-goal.
func (h Hash) ToCID() (cid.Cid, error) {
	var code uint64
	switch h.Algorithm {
	case Blake3:
		code = mh.BLAKE3
	case XxHash128:
		// multihash has no registered xxhash code; identity-wrap the raw
		// bytes so round-tripping through CID stays lossless.
		code = mh.IDENTITY
	default:
		return cid.Undef, fmt.Errorf("hash: unsupported algorithm %s for CID export", h.Algorithm)
	}
	m, err := mh.Encode(h.Bytes, code)
	if err != nil {
		return cid.Undef, err
	}
	mhash, err := mh.Cast(m)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mhash), nil
}

// newHasher returns a fresh streaming hash.Hash for algo. XxHash128 is
// built from two independent XXH64 passes over the same byte stream
// (github.com/cespare/xxhash/v2 has no native 128-bit variant, and no pack
// example imports one — see DESIGN.md): the second pass is primed with a
// fixed one-byte salt before the shared data arrives, so its digest
// diverges from the first; the two 8-byte digests are concatenated into
// the 16-byte result.
func newHasher(algo Algorithm) (io.Writer, func() []byte) {
	switch algo {
	case Blake3:
		h := blake3.New(32, nil)
		return h, func() []byte { return h.Sum(nil) }
	case XxHash128:
		lo := xxhash.New()
		hi := xxhash.New()
		_, _ = hi.Write([]byte{0x9e}) // salt so hi diverges from lo
		w := io.MultiWriter(lo, hi)
		return w, func() []byte {
			out := make([]byte, 16)
			copy(out[:8], lo.Sum(nil))
			copy(out[8:], hi.Sum(nil))
			return out
		}
	default:
		panic(fmt.Sprintf("hash: unknown algorithm %v", algo))
	}
}

// Streamer is an incremental hasher for a single Algorithm, used by
// callers (filestore.Store.Put in particular) that need to hash bytes as
// they are written elsewhere, e.g. simultaneously to a temp file.
type Streamer struct {
	algo Algorithm
	w    io.Writer
	sum  func() []byte
}

// NewStreamer returns a Streamer for algo. Write bytes into it (directly,
// or via io.MultiWriter alongside another destination) and call Sum when
// done.
func NewStreamer(algo Algorithm) *Streamer {
	w, sum := newHasher(algo)
	return &Streamer{algo: algo, w: w, sum: sum}
}

// Write implements io.Writer.
func (s *Streamer) Write(p []byte) (int, error) { return s.w.Write(p) }

// Sum returns the final Hash. It may only be called once.
func (s *Streamer) Sum() Hash { return Hash{Algorithm: s.algo, Bytes: s.sum()} }

// OfBytes hashes data with algo.
func OfBytes(algo Algorithm, data []byte) Hash {
	w, sum := newHasher(algo)
	_, _ = w.Write(data)
	return Hash{Algorithm: algo, Bytes: sum()}
}

// OfFile streams path through algo in ChunkSize pieces.
func OfFile(algo Algorithm, path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, err
	}
	defer f.Close()
	w, sum := newHasher(algo)
	if _, err := CopyAndHash(w, f); err != nil {
		return Hash{}, err
	}
	return Hash{Algorithm: algo, Bytes: sum()}, nil
}

// CopyAndHash copies from r to w (which is typically a hasher, or a
// multi-writer of a hasher and a destination file) in ChunkSize pieces, so
// callers streaming a download straight into the store hash and persist it
// in one pass.
func CopyAndHash(w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	return io.CopyBuffer(w, r, buf)
}

// direntry is one contribution to a directory hash.
type direntry struct {
	relPath string
	mode    uint32
	isLink  bool
	target  string
	path    string // absolute path, for non-symlink body hashing
}

// OfDirectory computes the deterministic directory hash: files
// are enumerated in lexicographic order of their path relative to root,
// and each contributes
//
//	path ‖ 0x00 ‖ mode(4 LE) ‖ (body_hash or symlink_target) ‖ 0x00
//
// to a single streaming hash instance of the requested algorithm.
func OfDirectory(algo Algorithm, root string) (Hash, error) {
	var entries []direntry
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
		e := direntry{relPath: rel, mode: uint32(info.Mode()), path: path}
		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			e.isLink = true
			e.target = target
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return Hash{}, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	w, sum := newHasher(algo)
	var modeBuf [4]byte
	for _, e := range entries {
		if _, err := io.WriteString(w, e.relPath); err != nil {
			return Hash{}, err
		}
		if _, err := w.Write([]byte{0}); err != nil {
			return Hash{}, err
		}
		modeBuf[0] = byte(e.mode)
		modeBuf[1] = byte(e.mode >> 8)
		modeBuf[2] = byte(e.mode >> 16)
		modeBuf[3] = byte(e.mode >> 24)
		if _, err := w.Write(modeBuf[:]); err != nil {
			return Hash{}, err
		}

		if e.isLink {
			if _, err := io.WriteString(w, e.target); err != nil {
				return Hash{}, err
			}
		} else if fi, statErr := os.Lstat(e.path); statErr == nil && fi.Mode().IsRegular() {
			bodyHash, err := OfFile(algo, e.path)
			if err != nil {
				return Hash{}, err
			}
			if _, err := w.Write(bodyHash.Bytes); err != nil {
				return Hash{}, err
			}
		}
		// Directories contribute only their path+mode, leaving the
		// "(body_hash or symlink_target)" clause empty for them.
		if _, err := w.Write([]byte{0}); err != nil {
			return Hash{}, err
		}
	}

	return Hash{Algorithm: algo, Bytes: sum()}, nil
}
