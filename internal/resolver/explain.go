package resolver

import (
	"fmt"
	"sort"
	"strings"
)

// explain builds a human-oriented Explanation for an unsatisfiable solve:
// it reports the root request names and one line for each candidate the
// builder ruled out with a forced-false unit clause, i.e. a candidate one
// of whose runtime dependencies has no satisfying version. Contradictions
// between the root requests themselves, or between the constraints of
// several dependents, are not described; the explanation then carries
// only the generic message.
//
// This walks the builder's own clause set rather than the solver's
// learned clauses. A unit clause records only the ruled-out candidate, so
// each line names that candidate, not which of its dependencies failed.
func explain(b *builder, requestNames []string) Explanation {
	sort.Strings(requestNames)

	var conflicting []string
	seen := map[string]bool{}
	for _, c := range b.clauses {
		if len(c) != 1 {
			continue
		}
		v := c[0].variable()
		cand := b.candidates[v]
		desc := fmt.Sprintf("%s %s has an unsatisfiable dependency", cand.Package, cand.Version.String())
		if !seen[desc] {
			seen[desc] = true
			conflicting = append(conflicting, desc)
		}
	}
	sort.Strings(conflicting)

	msg := "no assignment of package versions satisfies all requested constraints"
	if len(conflicting) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(conflicting, "; "))
	}

	return Explanation{
		Message:     msg,
		Requests:    requestNames,
		Conflicting: conflicting,
	}
}
