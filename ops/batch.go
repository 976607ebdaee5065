package ops

import "context"

// InstallMany resolves every spec group in one combined plan and commits
// the result as a single new state, rather than running len(specGroups)
// sequential Install calls and paying for a new generation after each.
// Each inner slice is the set of specs one logical "install" call would
// have taken; the grouping only affects the names folded into the start/
// complete events, not how the plan is resolved.
func (o *Ops) InstallMany(ctx context.Context, specGroups [][]string) (*Report, error) {
	return o.install(ctx, specGroups)
}

// UpdateMany is Update generalized to several independently-specified
// name groups, resolved and committed as one state transition. Grouping
// exists only so a caller can describe the batch's structure; every
// named package is updated under the same compatible-release constraint
// Update applies.
func (o *Ops) UpdateMany(ctx context.Context, nameGroups [][]string) (*Report, error) {
	var names []string
	for _, g := range nameGroups {
		names = append(names, g...)
	}
	return o.Update(ctx, names)
}
