package trust

import (
	"path/filepath"
	"testing"
)

func TestEd25519SignAndVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("archive bytes to sign")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Verify(data, sig); err != nil {
		t.Fatalf("expected signature to verify, got: %v", err)
	}
}

func TestEd25519VerifyRejectsTamperedData(t *testing.T) {
	signer, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign([]byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Verify([]byte("tampered"), sig); err == nil {
		t.Fatalf("expected verification to fail on tampered data")
	}
}

func TestEd25519VerifierFromPublicKeyCannotSign(t *testing.T) {
	signer, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	es := signer.(*ed25519Signer)
	verifier, err := NewEd25519Verifier(es.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if verifier.KeyID() != signer.KeyID() {
		t.Fatalf("expected matching KeyIDs, got %q vs %q", verifier.KeyID(), signer.KeyID())
	}

	data := []byte("payload")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifier.Verify(data, sig); err != nil {
		t.Fatalf("expected public-key verifier to verify a signature from the matching private key: %v", err)
	}
}

func TestParseEd25519PublicKeyHexRejectsWrongLength(t *testing.T) {
	if _, err := ParseEd25519PublicKeyHex("deadbeef"); err == nil {
		t.Fatalf("expected an error for an undersized key")
	}
}

func TestLocalSignerGenerateSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.key")

	original, err := GenerateLocalSigner()
	if err != nil {
		t.Fatal(err)
	}
	if err := original.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadLocalSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.KeyID() != original.KeyID() {
		t.Fatalf("expected loaded key to match saved key, got %q vs %q", loaded.KeyID(), original.KeyID())
	}

	data := []byte("build output bytes")
	sig, err := original.Sign(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Verify(data, sig); err != nil {
		t.Fatalf("expected loaded key to verify a signature from the original: %v", err)
	}
}

func TestLoadOrGenerateLocalSignerCreatesOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "trust.key")

	first, err := LoadOrGenerateLocalSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrGenerateLocalSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.KeyID() != second.KeyID() {
		t.Fatalf("expected the second call to reuse the persisted key, got %q vs %q", first.KeyID(), second.KeyID())
	}
}
