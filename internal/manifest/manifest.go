// Package manifest implements the PackageManifest: the TOML
// document at the root of every package, plus the version constraint
// grammar used by both manifests and the resolver's index.
//
// Grounded on the teacher's manifest/schema2 family (a typed manifest with
// a well-known on-disk name) for shape, and on the pack's erigon go.mod
// choice of github.com/pelletier/go-toml/v2 for the concrete codec.
package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// FileKind enumerates the kinds a manifest file entry may have.
type FileKind string

const (
	KindFile      FileKind = "file"
	KindSymlink   FileKind = "symlink"
	KindDirectory FileKind = "directory"
)

// FileEntry is one entry of a manifest's files list.
type FileEntry struct {
	RelativePath   string   `toml:"relative_path"`
	Hash           string   `toml:"hash"`
	Kind           FileKind `toml:"kind"`
	Mode           uint32   `toml:"mode"`
	SymlinkTarget  string   `toml:"symlink_target,omitempty"`
}

// Dependencies holds the runtime and build dependency constraint strings
// of a manifest, by design.
type Dependencies struct {
	Runtime []string `toml:"runtime"`
	Build   []string `toml:"build"`
}

// packageSection mirrors the [package] TOML table.
type packageSection struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Revision    int    `toml:"revision"`
	Arch        string `toml:"arch"`
	Description string `toml:"description"`
	License     string `toml:"license"`
}

// wireManifest is the literal TOML shape (the design).
type wireManifest struct {
	Package      packageSection `toml:"package"`
	Dependencies Dependencies   `toml:"dependencies"`
}

// Manifest is the parsed, application-facing form of a package manifest.
// Its Files are not part of the TOML document (they live in files.json,
// per the StoredPackage) but are attached here once known, so
// callers can pass a single value around.
type Manifest struct {
	Name        string
	Version     Version
	Revision    int
	Arch        string
	Description string
	License     string
	Runtime     []Constraint
	Build       []Constraint
	Files       []FileEntry
}

// Parse decodes raw TOML bytes into a Manifest.
func Parse(data []byte) (*Manifest, error) {
	var w wireManifest
	if err := toml.Unmarshal(data, &w); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Input, "parse manifest.toml", err)
	}
	if w.Package.Name == "" {
		return nil, kilnerrors.New(kilnerrors.Input, "manifest.toml missing [package].name")
	}
	ver, err := ParseVersion(w.Package.Version)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Input, "manifest.toml has invalid version", err)
	}

	m := &Manifest{
		Name:        w.Package.Name,
		Version:     ver,
		Revision:    w.Package.Revision,
		Arch:        w.Package.Arch,
		Description: w.Package.Description,
		License:     w.Package.License,
	}
	for _, c := range w.Dependencies.Runtime {
		parsed, err := ParseConstraintSet(c)
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Input, fmt.Sprintf("runtime dependency %q", c), err)
		}
		m.Runtime = append(m.Runtime, parsed...)
	}
	for _, c := range w.Dependencies.Build {
		parsed, err := ParseConstraintSet(c)
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Input, fmt.Sprintf("build dependency %q", c), err)
		}
		m.Build = append(m.Build, parsed...)
	}
	return m, nil
}

// Encode serializes m back to its canonical TOML form. Dependency
// constraint sets round-trip as a single AND-joined string per package,
// matching how they were declared in the requires list.
func (m *Manifest) Encode() ([]byte, error) {
	w := wireManifest{
		Package: packageSection{
			Name:        m.Name,
			Version:     m.Version.String(),
			Revision:    m.Revision,
			Arch:        m.Arch,
			Description: m.Description,
			License:     m.License,
		},
	}
	w.Dependencies.Runtime = encodeConstraintGroups(m.Runtime)
	w.Dependencies.Build = encodeConstraintGroups(m.Build)
	return toml.Marshal(w)
}

// RuntimeSpecs returns m.Runtime re-grouped into "name>=1.2.3"-style
// dependency-spec strings, one per distinct package, suitable for
// feeding a resolver.VersionEntry.Dependencies.Runtime built from a
// locally-supplied archive's manifest rather than an index entry.
func (m *Manifest) RuntimeSpecs() []string { return encodeConstraintGroups(m.Runtime) }

// BuildSpecs is RuntimeSpecs for m.Build.
func (m *Manifest) BuildSpecs() []string { return encodeConstraintGroups(m.Build) }

// encodeConstraintGroups re-groups a flat Constraint slice back into one
// string per distinct package name (e.g. "libfoo>=1.0.0,<2.0.0"), in
// first-seen order.
func encodeConstraintGroups(cs []Constraint) []string {
	var order []string
	byName := map[string][]Constraint{}
	for _, c := range cs {
		if _, ok := byName[c.Package]; !ok {
			order = append(order, c.Package)
		}
		byName[c.Package] = append(byName[c.Package], c)
	}
	out := make([]string, 0, len(order))
	for _, name := range order {
		out = append(out, formatConstraintGroup(name, byName[name]))
	}
	return out
}

func formatConstraintGroup(name string, cs []Constraint) string {
	if len(cs) == 0 {
		return name
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.Op.String() + c.Version.String()
	}
	return name + strings.Join(parts, ",")
}

// Version is a semantic version: major.minor.patch, with an optional
// prerelease/build metadata tail preserved verbatim for comparison by
// string only in the rare case it's present (the grammar does not
// describe prerelease handling in depth; this mirrors the common
// interpretation of "SEMVER").
type Version struct {
	Major, Minor, Patch int
	Rest                string // anything after patch, e.g. "-rc1+build5"
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	return s + v.Rest
}

// ParseVersion parses a SEMVER-ish string. Missing minor/patch components
// default to zero, matching common package-manager leniency.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Version{}, kilnerrors.New(kilnerrors.Input, "empty version string")
	}
	core := s
	rest := ""
	for i, r := range s {
		if r == '-' || r == '+' {
			core = s[:i]
			rest = s[i:]
			break
		}
	}
	parts := strings.SplitN(core, ".", 3)
	nums := [3]int{}
	for i := 0; i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, kilnerrors.Wrap(kilnerrors.Input, fmt.Sprintf("invalid version component %q in %q", parts[i], s), err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Rest: rest}, nil
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// o, comparing Major/Minor/Patch numerically; Rest breaks ties lexically
// so that e.g. plain releases sort after prereleases is left to callers
// who care (the resolver's VSIDS version-preference heuristic treats
// higher numeric triples as higher regardless of Rest).
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return sign(v.Major - o.Major)
	}
	if v.Minor != o.Minor {
		return sign(v.Minor - o.Minor)
	}
	if v.Patch != o.Patch {
		return sign(v.Patch - o.Patch)
	}
	return strings.Compare(v.Rest, o.Rest)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Less reports v < o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Op is a version comparison operator, per the constraint
// grammar.
type Op int

const (
	OpEQ Op = iota
	OpGE
	OpGT
	OpLE
	OpLT
	OpCompatible // ~=
)

func (op Op) String() string {
	switch op {
	case OpEQ:
		return "=="
	case OpGE:
		return ">="
	case OpGT:
		return ">"
	case OpLE:
		return "<="
	case OpLT:
		return "<"
	case OpCompatible:
		return "~="
	default:
		return "?"
	}
}

// Constraint is a single comparison against a named package's version.
type Constraint struct {
	Package string
	Op      Op
	Version Version
}

// Satisfies reports whether v satisfies c.
func (c Constraint) Satisfies(v Version) bool {
	switch c.Op {
	case OpEQ:
		return v.Compare(c.Version) == 0
	case OpGE:
		return v.Compare(c.Version) >= 0
	case OpGT:
		return v.Compare(c.Version) > 0
	case OpLE:
		return v.Compare(c.Version) <= 0
	case OpLT:
		return v.Compare(c.Version) < 0
	case OpCompatible:
		// ~=1.2.3 means >=1.2.3,<1.3.0
		upper := Version{Major: c.Version.Major, Minor: c.Version.Minor + 1, Patch: 0}
		return v.Compare(c.Version) >= 0 && v.Compare(upper) < 0
	default:
		return false
	}
}

var opPrefixes = []struct {
	prefix string
	op     Op
}{
	{"==", OpEQ},
	{">=", OpGE},
	{"<=", OpLE},
	{"~=", OpCompatible},
	{">", OpGT},
	{"<", OpLT},
}

// ParseConstraintSet parses "name", "name==1.2.3", or
// "name>=1.2.3,<2" into one Constraint per comma-joined clause, each
// tagged with the package name. A bare name with no operators yields no
// constraints (the design: "Bare name means any version").
func ParseConstraintSet(spec string) ([]Constraint, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, kilnerrors.New(kilnerrors.Input, "empty constraint spec")
	}

	// Split off the package name: the longest leading run that isn't the
	// start of a comparison operator.
	name, clauses := splitNameAndClauses(spec)
	if name == "" {
		return nil, kilnerrors.New(kilnerrors.Input, fmt.Sprintf("constraint %q has no package name", spec))
	}
	if clauses == "" {
		return nil, nil
	}

	var out []Constraint
	for _, clause := range strings.Split(clauses, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		var matched bool
		for _, p := range opPrefixes {
			if strings.HasPrefix(clause, p.prefix) {
				verStr := strings.TrimSpace(clause[len(p.prefix):])
				v, err := ParseVersion(verStr)
				if err != nil {
					return nil, err
				}
				out = append(out, Constraint{Package: name, Op: p.op, Version: v})
				matched = true
				break
			}
		}
		if !matched {
			return nil, kilnerrors.New(kilnerrors.Input, fmt.Sprintf("unrecognized constraint clause %q", clause))
		}
	}
	return out, nil
}

// ParseDependencySpec parses a dependency string the same way
// ParseConstraintSet does but also returns the package name on its own,
// since a bare name with no operators ("any version") yields an empty
// Constraint slice and would otherwise be indistinguishable from a
// parse producing no package at all.
func ParseDependencySpec(spec string) (name string, cs []Constraint, err error) {
	trimmed := strings.TrimSpace(spec)
	name, _ = splitNameAndClauses(trimmed)
	cs, err = ParseConstraintSet(spec)
	return name, cs, err
}

// splitNameAndClauses finds the boundary between the package name and its
// version-constraint clauses. The name is everything before the first
// occurrence of an operator character run that starts a recognized
// operator.
func splitNameAndClauses(spec string) (name, clauses string) {
	for i := 0; i < len(spec); i++ {
		c := spec[i]
		if c == '=' || c == '>' || c == '<' || c == '~' {
			return strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i:])
		}
	}
	return spec, ""
}

// SatisfiesAll reports whether v satisfies every constraint in cs
// (logical AND, by design).
func SatisfiesAll(cs []Constraint, v Version) bool {
	for _, c := range cs {
		if !c.Satisfies(v) {
			return false
		}
	}
	return true
}

// SortVersionsDescending sorts vs from highest to lowest, used by the
// resolver's version-preference heuristic (the design).
func SortVersionsDescending(vs []Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[j].Less(vs[i]) })
}
