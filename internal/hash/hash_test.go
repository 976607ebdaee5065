package hash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOfBytesDeterministic(t *testing.T) {
	a := OfBytes(Blake3, []byte("hello"))
	b := OfBytes(Blake3, []byte("hello"))
	if !a.Equal(b) {
		t.Fatalf("expected equal hashes, got %s != %s", a, b)
	}
}

func TestAlgorithmsNeverCrossCompareEqual(t *testing.T) {
	data := []byte("some content")
	b3 := OfBytes(Blake3, data)
	xx := OfBytes(XxHash128, data)
	if b3.Equal(xx) {
		t.Fatalf("hashes from different algorithms must never compare equal")
	}
}

func TestParseHexInfersAlgorithm(t *testing.T) {
	b3 := OfBytes(Blake3, []byte("x"))
	parsed, err := ParseHex(b3.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Algorithm != Blake3 {
		t.Fatalf("expected Blake3 inferred from 64 hex chars, got %s", parsed.Algorithm)
	}

	xx := OfBytes(XxHash128, []byte("x"))
	parsed2, err := ParseHex(xx.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if parsed2.Algorithm != XxHash128 {
		t.Fatalf("expected XxHash128 inferred from 32 hex chars, got %s", parsed2.Algorithm)
	}
}

func TestParseHexRejectsBadLength(t *testing.T) {
	if _, err := ParseHex("deadbeef"); err == nil {
		t.Fatalf("expected rejection of a hash string that is neither 32 nor 64 hex chars")
	}
}

func TestOfDirectoryDeterministicAcrossCopies(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	if err := os.WriteFile(filepath.Join(dst, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dst, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dst, "sub", "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	h1, err := OfDirectory(XxHash128, src)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := OfDirectory(XxHash128, dst)
	if err != nil {
		t.Fatal(err)
	}
	if !h1.Equal(h2) {
		t.Fatalf("identical directory trees must hash identically: %s != %s", h1, h2)
	}
}

func TestOfDirectorySensitiveToRename(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("content"), 0o644)
	h1, err := OfDirectory(XxHash128, src)
	if err != nil {
		t.Fatal(err)
	}

	renamed := t.TempDir()
	os.WriteFile(filepath.Join(renamed, "b.txt"), []byte("content"), 0o644)
	h2, err := OfDirectory(XxHash128, renamed)
	if err != nil {
		t.Fatal(err)
	}

	if h1.Equal(h2) {
		t.Fatalf("directory hash must include path, so renaming a file must change the hash")
	}
}
