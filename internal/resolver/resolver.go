package resolver

import (
	"fmt"
	"sort"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/manifest"
)

// Candidate is one variable in the SAT encoding: a concrete
// (package, version) pairing drawn from the index.
type Candidate struct {
	Package string
	Version manifest.Version
	Entry   VersionEntry
	Local   bool // true if this candidate was supplied as a local archive, not the index
}

// Request is one root-level install/update request.
type Request struct {
	Package     string
	Constraints []manifest.Constraint
	// LocalEntry, if set, supplies a concrete pre-resolved candidate (a
	// locally-provided archive) that bypasses index lookup, letting a
	// local install mix with remote-resolved dependencies in one plan.
	LocalEntry *VersionEntry
}

// Assignment is one chosen (package, version) from a successful solve.
type Assignment struct {
	Package string
	Version manifest.Version
	Entry   VersionEntry
	Local   bool
}

// builder accumulates the variable map and clause set while walking the
// dependency graph reachable from the root requests.
type builder struct {
	idx        *Index
	varOf      map[string]int // "name@version" -> variable index
	candidates []Candidate
	byPackage  map[string][]int // package name -> variable indices, version-descending
	visited    map[string]bool  // "name" already expanded
	clauses    [][]lit
}

func newBuilder(idx *Index) *builder {
	return &builder{
		idx:       idx,
		varOf:     map[string]int{},
		byPackage: map[string][]int{},
		visited:   map[string]bool{},
	}
}

func candidateKey(name string, v manifest.Version) string {
	return name + "@" + v.String()
}

// variableFor returns (creating if necessary) the variable index for a
// candidate, enumerating its dependency edges the first time a package
// is expanded.
func (b *builder) variableFor(name string, entry VersionEntry, local bool) (int, error) {
	key := candidateKey(name, entry.Version)
	if v, ok := b.varOf[key]; ok {
		return v, nil
	}
	v := len(b.candidates)
	b.varOf[key] = v
	b.candidates = append(b.candidates, Candidate{Package: name, Version: entry.Version, Entry: entry, Local: local})
	b.byPackage[name] = append(b.byPackage[name], v)
	return v, nil
}

// expand ensures every candidate version of name is present as a
// variable and its dependency/uniqueness clauses are generated, exactly
// once per package.
func (b *builder) expand(name string) error {
	if b.visited[name] {
		return nil
	}
	b.visited[name] = true

	pkg, err := b.idx.Lookup(name)
	if err != nil {
		return err
	}
	var entries []VersionEntry
	for _, e := range pkg.Versions {
		entries = append(entries, e)
	}
	sortVersionEntriesDescending(entries)

	vars := make([]int, 0, len(entries))
	for _, e := range entries {
		v, err := b.variableFor(name, e, false)
		if err != nil {
			return err
		}
		vars = append(vars, v)

		for _, depStr := range e.Dependencies.Runtime {
			depName, cs, err := manifest.ParseDependencySpec(depStr)
			if err != nil {
				return kilnerrors.Wrap(kilnerrors.Index, fmt.Sprintf("parse dependency %q of %s %s", depStr, name, e.Version), err)
			}
			if depName == "" {
				continue
			}
			if err := b.expand(depName); err != nil {
				return err
			}
			depCandidates, err := b.idx.CandidatesSatisfying(depName, cs)
			if err != nil {
				return err
			}
			if len(depCandidates) == 0 {
				// No candidate can satisfy this dependency: emit a clause
				// that's never satisfiable when v is chosen, i.e. ¬v, which
				// the solver will use directly in conflict analysis / the
				// explanation.
				b.clauses = append(b.clauses, []lit{mkLit(v, false)})
				continue
			}
			clause := []lit{mkLit(v, false)}
			for _, dc := range depCandidates {
				dv, err := b.variableFor(depName, dc, false)
				if err != nil {
					return err
				}
				clause = append(clause, mkLit(dv, true))
			}
			b.clauses = append(b.clauses, clause)
		}
	}

	// Uniqueness (at-most-one) clauses.
	for i := 0; i < len(vars); i++ {
		for j := i + 1; j < len(vars); j++ {
			b.clauses = append(b.clauses, []lit{mkLit(vars[i], false), mkLit(vars[j], false)})
		}
	}
	return nil
}

// Explanation describes why a Solve call found the problem
// unsatisfiable, by design.
type Explanation struct {
	Message      string
	Requests     []string // the root request package names involved
	Conflicting  []string // one line per candidate ruled out by a dependency with no satisfying version
}

// Resolve converts requests against idx into an ExecutionPlan, or
// returns a Resolution-kind error carrying an Explanation if
// unsatisfiable.
func Resolve(idx *Index, requests []Request) (*ExecutionPlan, error) {
	if len(requests) == 0 {
		return newExecutionPlan(nil, nil), nil
	}

	b := newBuilder(idx)
	var requirementVars [][]int
	var requestNames []string

	for _, req := range requests {
		requestNames = append(requestNames, req.Package)
		if req.LocalEntry != nil {
			v, err := b.variableFor(req.Package, *req.LocalEntry, true)
			if err != nil {
				return nil, err
			}
			requirementVars = append(requirementVars, []int{v})
			for _, depStr := range req.LocalEntry.Dependencies.Runtime {
				depName, _, err := manifest.ParseDependencySpec(depStr)
				if err != nil {
					return nil, err
				}
				if depName == "" {
					continue
				}
				if err := b.expand(depName); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := b.expand(req.Package); err != nil {
			return nil, err
		}
		candidates, err := idx.CandidatesSatisfying(req.Package, req.Constraints)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, kilnerrors.New(kilnerrors.Resolution, fmt.Sprintf("no version of %s satisfies the request", req.Package)).
				WithDetails(Explanation{Message: fmt.Sprintf("no candidate version of %s satisfies the requested constraints", req.Package), Requests: []string{req.Package}})
		}
		var vars []int
		for _, c := range candidates {
			v, err := b.variableFor(req.Package, c, false)
			if err != nil {
				return nil, err
			}
			vars = append(vars, v)
		}
		requirementVars = append(requirementVars, vars)
	}

	s := newSolver(len(b.candidates))
	// Version-preference heuristic: bump activity proportional to rank
	// among each package's own candidates so, absent other pressure,
	// higher versions are picked first (the design).
	for _, vars := range b.byPackage {
		for rank, v := range vars {
			s.bumpActivity(v, float64(len(vars)-rank)*0.01)
		}
	}
	for _, vars := range requirementVars {
		clause := make([]lit, 0, len(vars))
		for _, v := range vars {
			clause = append(clause, mkLit(v, true))
		}
		s.addClause(clause)
	}
	for _, clause := range b.clauses {
		s.addClause(clause)
	}

	sat, model := s.solve(nil, 0)
	if !sat {
		return nil, kilnerrors.New(kilnerrors.Resolution, "dependency resolution is unsatisfiable").
			WithDetails(explain(b, requestNames))
	}

	var assignments []Assignment
	for v, chosen := range model {
		if chosen {
			c := b.candidates[v]
			assignments = append(assignments, Assignment{Package: c.Package, Version: c.Version, Entry: c.Entry, Local: c.Local})
		}
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].Package < assignments[j].Package })

	return buildPlan(assignments)
}
