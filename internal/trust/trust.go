// Package trust implements the Signer capability: archive signature
// verification, abstracted behind a small interface so the concrete
// crypto (and the on-disk trust-key format) stays swappable the way the
// teacher keeps manifest signing behind manifest/schema1's libtrust-based
// Sign/Verify rather than hand-rolling JWS.
//
// Two distinct signing concerns live here, grounded on two different
// pack dependencies named for internal/trust in SPEC_FULL.md:
//
//   - Verifier/Signer (this file): the format a package author's detached
//     archive signature takes — raw Ed25519 over the archive bytes,
//     mirroring the original source's net/download flow fetching a
//     ".minisig" companion file alongside every ".sp" archive (minisign
//     signatures are themselves Ed25519-based). golang.org/x/crypto/
//     ed25519 does the actual sign/verify.
//   - LocalSigner (libtrust.go): the on-disk key management a publisher
//     uses to generate and persist the key pair it signs its own built
//     archives with, grounded on manifest/schema1/sign.go's use of
//     github.com/docker/libtrust for exactly this (key gen/load/save,
//     JWS-style Sign/Verify over arbitrary bytes).
package trust

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/ed25519"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Verifier checks a detached signature against known-trusted key
// material. Each TrustedKeyIDs entry in a kiln configuration is a
// hex-encoded public key that becomes one Verifier; the design leaves the
// trust-bundle format unspecified, so this package treats "trusted" as
// "built into a Verifier by NewEd25519Verifier" rather than prescribing a
// bundle file.
type Verifier interface {
	// KeyID identifies which public key this Verifier checks against: the
	// hex of the first 8 bytes of the key's SHA-256 fingerprint.
	KeyID() string

	// Verify reports whether signature is a valid signature of data
	// under this Verifier's key. A non-nil error means the signature
	// did not verify; the design treats that as an Integrity
	// failure that fails the install closed.
	Verify(data, signature []byte) error
}

// Signer can additionally produce signatures, for the publisher side.
// ops.Build and ops.Pack do not sign the archives they report.
type Signer interface {
	Verifier
	Sign(data []byte) (signature []byte, err error)
}

// ed25519Signer is the default Signer/Verifier: a raw Ed25519 keypair,
// the same primitive minisign (and hence the original source's
// ".minisig" companion files) uses.
type ed25519Signer struct {
	keyID string
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey // nil for a verify-only instance
}

// GenerateEd25519KeyPair creates a fresh signing key. The returned Signer
// can both sign and verify; callers distributing only the public half
// should hand out an Ed25519Verifier built from PublicKey() instead.
func GenerateEd25519KeyPair() (Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Internal, "generate ed25519 signing key", err)
	}
	return &ed25519Signer{keyID: fingerprint(pub), pub: pub, priv: priv}, nil
}

// NewEd25519Verifier builds a verify-only Verifier from a raw 32-byte
// Ed25519 public key, as loaded from config.Trust.TrustedKeysPath.
func NewEd25519Verifier(pub ed25519.PublicKey) (Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, kilnerrors.New(kilnerrors.Input, "ed25519 public key must be 32 bytes").WithDetails(len(pub))
	}
	return &ed25519Signer{keyID: fingerprint(pub), pub: pub}, nil
}

// ParseEd25519PublicKeyHex parses a hex-encoded public key, the format
// config.Trust.TrustedKeyIDs and a trusted-keys file both use.
func ParseEd25519PublicKeyHex(s string) (Verifier, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Input, "decode hex ed25519 public key", err)
	}
	return NewEd25519Verifier(raw)
}

func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func (s *ed25519Signer) KeyID() string { return s.keyID }

func (s *ed25519Signer) Verify(data, signature []byte) error {
	if !ed25519.Verify(s.pub, data, signature) {
		return kilnerrors.ErrSignatureMismatch
	}
	return nil
}

func (s *ed25519Signer) Sign(data []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, kilnerrors.New(kilnerrors.Internal, "signer has no private key; it was built from a public key alone").WithDetails(s.keyID)
	}
	return ed25519.Sign(s.priv, data), nil
}

// PublicKey returns the raw public key bytes, for persisting a
// trusted-keys file entry after generating a new signing key.
func (s *ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }
