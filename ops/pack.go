package ops

import (
	"context"
	"os"

	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Builder is the external recipe-driven build-and-QA pipeline Ops.Build
// calls out to. It is deliberately not implemented in this module: the
// destructive-command allowlist is the builder's concern, not the
// core's, and the core only ever requires the archive it hands back to
// be a well-formed ".sp" with a valid manifest.
type Builder interface {
	// Validate fails fast, before a build is attempted, if commands
	// contains anything the builder's allowlist would refuse to run.
	Validate(commands []string) error

	// Build runs recipePath's build/QA pipeline to completion and
	// returns the path to the resulting ".sp" archive.
	Build(ctx context.Context, recipePath string) (archivePath string, err error)
}

// PackReport describes an archive produced by Pack or Build.
type PackReport struct {
	ArchivePath string
	Hash        string
}

// Pack archives dir (which must already contain a manifest.toml at its
// root) into out as a ".sp" archive, reporting its content hash.
func (o *Ops) Pack(dir, out string) (*PackReport, error) {
	f, err := os.Create(out)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "create archive output "+out, err)
	}
	defer f.Close()

	if err := o.pkgStore.BuildArchive(dir, f); err != nil {
		os.Remove(out)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "close archive output "+out, err)
	}
	// Reopen to checksum the bytes actually written to disk, rather than
	// trust a running hash kept alongside the write above.
	h, err := hash.OfFile(o.pkgStore.Algorithm(), out)
	if err != nil {
		return nil, err
	}
	return &PackReport{ArchivePath: out, Hash: h.Hex()}, nil
}

// Build validates recipePath's commands against builder's allowlist,
// runs the build, and returns the resulting archive's report. builder is
// supplied by the caller (e.g. cmd/kiln) rather than wired into Ops
// itself, since it is an external pipeline with its own configuration
// surface.
func (o *Ops) Build(ctx context.Context, builder Builder, recipePath string, commands []string) (*PackReport, error) {
	if err := builder.Validate(commands); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Input, "recipe command validation failed", err)
	}
	archivePath, err := builder.Build(ctx, recipePath)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Internal, "build "+recipePath, err)
	}
	h, err := hash.OfFile(o.pkgStore.Algorithm(), archivePath)
	if err != nil {
		return nil, err
	}
	return &PackReport{ArchivePath: archivePath, Hash: h.Hex()}, nil
}
