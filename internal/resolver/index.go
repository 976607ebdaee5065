// Package resolver converts a set of user requests plus a package index
// into a concrete (package, version) assignment via a DPLL/CDCL SAT core,
// by design.
//
// Grounded on the teacher's registry/api/v2 route-variable-table shape
// for the index structure (a nested name->version map keyed the same way
// the wire format describes it), with the actual solver algorithm
// following a textbook CDCL design (two-watched literals, VSIDS,
// first-UIP conflict analysis, periodic restarts) — none of the example
// repos implement a SAT solver, so the solver core is written from an
// algorithmic description rather than adapted from pack code; see
// DESIGN.md.
package resolver

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/manifest"
)

// candidateCacheSize bounds the constraint->candidate-set memoization
// cache; a single resolve walks the same package's constraint set
// repeatedly whenever several dependents require it.
const candidateCacheSize = 256

// VersionEntry is one version of one package in the index.
type VersionEntry struct {
	URL          string              `json:"url"`
	SigURL       string              `json:"sig_url,omitempty"`
	Hash         string              `json:"hash"`
	Algorithm    string              `json:"algorithm"` // "blake3" | "xxh128"
	Size         int64               `json:"size"`
	Dependencies DependencySpec      `json:"dependencies"`
	Version      manifest.Version    `json:"-"`
}

// DependencySpec is the raw dependency-constraint strings of one index
// entry, pre-parsing.
type DependencySpec struct {
	Runtime []string `json:"runtime"`
	Build   []string `json:"build"`
}

// PackageIndexEntry is one named package's full version map.
type PackageIndexEntry struct {
	Name     string                  `json:"name"`
	Versions map[string]VersionEntry `json:"versions"`
}

// Index is the parsed form of the JSON index document (the design).
type Index struct {
	IndexVersion int                          `json:"index_version"`
	Packages     map[string]PackageIndexEntry `json:"packages"`

	candidateCache *lru.Cache // set by ParseIndex; nil (no memoization) for an Index built as a literal
}

// ParseIndex decodes a JSON index document and parses every version
// string it contains.
func ParseIndex(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Index, "parse package index", err)
	}
	for name, pkg := range idx.Packages {
		for verStr, entry := range pkg.Versions {
			v, err := manifest.ParseVersion(verStr)
			if err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Index, "parse index version "+name+" "+verStr, err)
			}
			entry.Version = v
			pkg.Versions[verStr] = entry
		}
		idx.Packages[name] = pkg
	}
	cache, err := lru.New(candidateCacheSize)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Internal, "build candidate cache", err)
	}
	idx.candidateCache = cache
	return &idx, nil
}

// Lookup returns the named package's entry, or an Index-kind error if
// unknown.
func (idx *Index) Lookup(name string) (PackageIndexEntry, error) {
	pkg, ok := idx.Packages[name]
	if !ok {
		return PackageIndexEntry{}, kilnerrors.New(kilnerrors.Index, "unknown package "+name).WithDetails(name)
	}
	return pkg, nil
}

// CandidatesSatisfying returns every version of name satisfying cs, sorted
// highest version first (the version-preference heuristic
// expects candidates to already favor newer releases when iterated).
// For an Index from ParseIndex, results are memoized per (name,
// constraint-string) pair in an LRU cache, since a resolve walk looks up the same dependency's constraint set once
// per dependent that requires it.
func (idx *Index) CandidatesSatisfying(name string, cs []manifest.Constraint) ([]VersionEntry, error) {
	cacheKey := candidateCacheKey(name, cs)
	if idx.candidateCache != nil {
		if v, ok := idx.candidateCache.Get(cacheKey); ok {
			return v.([]VersionEntry), nil
		}
	}

	pkg, err := idx.Lookup(name)
	if err != nil {
		return nil, err
	}
	var out []VersionEntry
	for _, entry := range pkg.Versions {
		if manifest.SatisfiesAll(cs, entry.Version) {
			out = append(out, entry)
		}
	}
	sortVersionEntriesDescending(out)

	if idx.candidateCache != nil {
		idx.candidateCache.Add(cacheKey, out)
	}
	return out, nil
}

func candidateCacheKey(name string, cs []manifest.Constraint) string {
	key := name
	for _, c := range cs {
		key += "|" + c.Op.String() + c.Version.String()
	}
	return key
}

func sortVersionEntriesDescending(vs []VersionEntry) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j].Version.Compare(vs[j-1].Version) > 0; j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}
