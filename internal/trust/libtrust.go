package trust

import (
	"bytes"
	"crypto"
	"os"
	"path/filepath"

	"github.com/docker/libtrust"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// LocalSigner is the default Signer a publisher uses to sign archives it
// builds itself, backed by a libtrust key pair
// persisted on disk — the same library and Sign/Verify shape
// manifest/schema1/sign.go uses for schema1 manifest signatures, reused
// here for kiln's own archive signatures instead of Docker manifests.
type LocalSigner struct {
	key libtrust.PrivateKey
}

// GenerateLocalSigner creates a fresh EC P-256 key pair. Use Save to
// persist it before discarding the LocalSigner.
func GenerateLocalSigner() (*LocalSigner, error) {
	key, err := libtrust.GenerateECP256PrivateKey()
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Internal, "generate trust key pair", err)
	}
	return &LocalSigner{key: key}, nil
}

// LoadLocalSigner loads a previously-saved private key from path.
func LoadLocalSigner(path string) (*LocalSigner, error) {
	key, err := libtrust.LoadKeyFile(path)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "load trust key from "+path, err)
	}
	return &LocalSigner{key: key}, nil
}

// LoadOrGenerateLocalSigner loads the key at path, generating and saving
// a new one if none exists yet. config.Trust.TrustedKeysPath is not such
// a key file: it lists hex-encoded Ed25519 public keys for verification.
func LoadOrGenerateLocalSigner(path string) (*LocalSigner, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadLocalSigner(path)
	}
	signer, err := GenerateLocalSigner()
	if err != nil {
		return nil, err
	}
	if err := signer.Save(path); err != nil {
		return nil, err
	}
	return signer, nil
}

// Save persists the private key to path, creating parent directories as
// needed.
func (s *LocalSigner) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "create trust key directory", err)
	}
	if err := libtrust.SaveKey(path, s.key); err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "save trust key to "+path, err)
	}
	return nil
}

// KeyID identifies this signer's public key, in libtrust's own
// fingerprint format (distinct from the Ed25519 KeyIDs above, since this
// is a different key type serving a different role).
func (s *LocalSigner) KeyID() string { return s.key.KeyID() }

// Sign produces a detached signature of data using SHA-256, the hash
// libtrust's own JSON signature codepath (manifest/schema1) uses.
func (s *LocalSigner) Sign(data []byte) ([]byte, error) {
	sig, _, err := s.key.Sign(bytes.NewReader(data), crypto.SHA256)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Internal, "sign with local trust key", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign (or by any holder of the
// corresponding private key) against this signer's own public key.
func (s *LocalSigner) Verify(data, signature []byte) error {
	pub := s.key.PublicKey()
	if err := pub.Verify(bytes.NewReader(data), "ES256", signature); err != nil {
		return kilnerrors.ErrSignatureMismatch
	}
	return nil
}
