package resolver

import "sort"

// lit is a signed literal over 0-based variables: lit == v+1 asserts
// variable v true; lit == -(v+1) asserts it false.
type lit int32

func mkLit(v int, positive bool) lit {
	if positive {
		return lit(v + 1)
	}
	return lit(-(v + 1))
}

func (l lit) variable() int { return int(abs32(int32(l))) - 1 }
func (l lit) sign() bool    { return l > 0 }
func (l lit) neg() lit      { return -l }

func abs32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// clause is a disjunction of literals. The first two entries are the
// clause's current watched literals.
type clause struct {
	lits   []lit
	learnt bool
}

type lbool int8

const (
	lUndef lbool = iota
	lTrue
	lFalse
)

func valueOfLit(assign []lbool, l lit) lbool {
	v := assign[l.variable()]
	if v == lUndef {
		return lUndef
	}
	if l.sign() {
		return v
	}
	if v == lTrue {
		return lFalse
	}
	return lTrue
}

// solver is a CDCL SAT solver with two-watched literals, VSIDS decision
// ordering (seeded by a version-preference bump), first-UIP conflict
// analysis, and periodic restarts, by design.
type solver struct {
	numVars int
	clauses []*clause
	watches map[lit][]*clause // watches[l]: clauses to re-check when l becomes true

	assign   []lbool
	level    []int // decision level each variable was assigned at
	reason   []*clause
	trail    []lit
	trailLim []int // trail length at each decision level's start

	activity []float64
	varInc   float64
	decay    float64

	conflictCount int

	// pendingConflict is set mid-scan when a watched clause becomes fully
	// false; propagate() checks and clears it after finishing the current
	// watcher list so the scan itself never has to unwind early.
	pendingConflict *clause
}

func newSolver(numVars int) *solver {
	return &solver{
		numVars:  numVars,
		watches:  make(map[lit][]*clause),
		assign:   make([]lbool, numVars),
		level:    make([]int, numVars),
		reason:   make([]*clause, numVars),
		activity: make([]float64, numVars),
		varInc:   1.0,
		decay:    0.95,
	}
}

// bumpActivity increases v's VSIDS activity, used both on conflict-side
// variables and, at construction time, proportional to version rank so
// higher versions are preferred absent other pressure.
func (s *solver) bumpActivity(v int, amount float64) {
	s.activity[v] += amount
	if s.activity[v] > 1e100 {
		for i := range s.activity {
			s.activity[i] *= 1e-100
		}
		s.varInc *= 1e-100
	}
}

func (s *solver) decayActivities() {
	s.varInc /= s.decay
}

func (s *solver) addClause(lits []lit) bool {
	// Drop tautologies (p ∨ ¬p) and deduplicate literals.
	seen := map[lit]bool{}
	out := lits[:0:0]
	for _, l := range lits {
		if seen[l] {
			continue
		}
		if seen[l.neg()] {
			return true // tautology; nothing to add
		}
		seen[l] = true
		out = append(out, l)
	}
	if len(out) == 0 {
		return false // empty clause: immediately unsatisfiable
	}
	c := &clause{lits: out}
	s.clauses = append(s.clauses, c)
	if len(out) == 1 {
		// Unit clauses have nothing to watch for and assert immediately;
		// a conflicting unit clause means unsatisfiable at level 0.
		switch valueOfLit(s.assign, out[0]) {
		case lFalse:
			s.pendingConflict = c
		case lUndef:
			s.uncheckedEnqueue(out[0], c)
		}
		return true
	}
	s.attachClause(c)
	return true
}

func (s *solver) attachClause(c *clause) {
	s.watches[c.lits[0].neg()] = append(s.watches[c.lits[0].neg()], c)
	s.watches[c.lits[1].neg()] = append(s.watches[c.lits[1].neg()], c)
}

func (s *solver) decisionLevel() int { return len(s.trailLim) }

func (s *solver) uncheckedEnqueue(l lit, reason *clause) {
	v := l.variable()
	if l.sign() {
		s.assign[v] = lTrue
	} else {
		s.assign[v] = lFalse
	}
	s.level[v] = s.decisionLevel()
	s.reason[v] = reason
	s.trail = append(s.trail, l)
}

// propagate runs unit propagation to fixpoint, returning the conflicting
// clause, or nil if none. When literal p is assigned true, every clause
// watching p.neg() (i.e. whose watched literal p just falsified) is
// re-checked: if its other watch is already satisfied it keeps watching
// p.neg(); otherwise it looks for a new unfalsified literal to watch, and
// failing that either enqueues a forced unit assignment or reports a
// conflict, per the two-watched-literal scheme of the design.
func (s *solver) propagate() *clause {
	qHead := 0
	for qHead < len(s.trail) {
		p := s.trail[qHead]
		qHead++

		watchers := make([]*clause, len(s.watches[p]))
		copy(watchers, s.watches[p])
		keep := s.watches[p][:0]
		var conflict *clause
		for _, c := range watchers {
			if conflict != nil {
				keep = append(keep, c)
				continue
			}
			rehomed := s.reattachOrPropagate(c, p)
			if s.pendingConflict != nil {
				conflict = s.pendingConflict
				s.pendingConflict = nil
				keep = append(keep, c)
				continue
			}
			if !rehomed {
				keep = append(keep, c)
			}
		}
		s.watches[p] = keep
		if conflict != nil {
			return conflict
		}
	}
	return nil
}

// reattachOrPropagate handles one clause when its watched literal's
// negation p has just become true (the watched literal itself became
// false). It returns true if the clause should be removed from
// watches[p] because it was rehomed to watch a different literal. On a
// forced unit assignment or a genuine conflict it returns false (the
// clause keeps watching p); a conflict is additionally signaled via
// s.pendingConflict.
func (s *solver) reattachOrPropagate(c *clause, p lit) bool {
	// Ensure lits[1] is the falsified watch slot for uniform handling,
	// leaving the other watch in lits[0].
	if c.lits[0] == p.neg() {
		c.lits[0], c.lits[1] = c.lits[1], c.lits[0]
	}
	if valueOfLit(s.assign, c.lits[0]) == lTrue {
		return false // already satisfied by the other watch; keep watching p
	}
	// Look for a new watch among the rest of the clause.
	for i := 2; i < len(c.lits); i++ {
		if valueOfLit(s.assign, c.lits[i]) != lFalse {
			c.lits[1], c.lits[i] = c.lits[i], c.lits[1]
			s.watches[c.lits[1].neg()] = append(s.watches[c.lits[1].neg()], c)
			return true
		}
	}
	// No new watch: clause is unit on lits[0], or a conflict.
	if valueOfLit(s.assign, c.lits[0]) == lFalse {
		s.pendingConflict = c
		return false
	}
	s.uncheckedEnqueue(c.lits[0], c)
	return false
}

func (s *solver) solve(assumps []lit, maxConflicts int) (sat bool, model []bool) {
	if s.pendingConflict != nil {
		s.pendingConflict = nil
		return false, nil
	}
	for _, a := range assumps {
		if valueOfLit(s.assign, a) == lFalse {
			return false, nil
		}
		if valueOfLit(s.assign, a) == lUndef {
			s.uncheckedEnqueue(a, nil)
		}
	}
	if c := s.propagate(); c != nil {
		return false, nil
	}

	sinceRestart := 0
	for {
		conflict := s.propagate()
		if conflict != nil {
			s.conflictCount++
			sinceRestart++
			if s.decisionLevel() == 0 {
				return false, nil
			}
			learnt, backtrackLevel := s.analyze(conflict)
			s.cancelUntil(backtrackLevel)
			s.addClause(learnt)
			if len(learnt) >= 1 {
				// The learned clause is asserting: its first literal is
				// implied at the backtrack level.
				s.uncheckedEnqueue(learnt[0], s.clauses[len(s.clauses)-1])
			}
			s.decayActivities()
			if sinceRestart >= 100 {
				sinceRestart = 0
				s.cancelUntil(0)
			}
			continue
		}

		v := s.pickBranchVariable()
		if v == -1 {
			return true, s.extractModel()
		}
		s.trailLim = append(s.trailLim, len(s.trail))
		s.uncheckedEnqueue(mkLit(v, true), nil)
	}
}

func (s *solver) extractModel() []bool {
	model := make([]bool, s.numVars)
	for v := 0; v < s.numVars; v++ {
		model[v] = s.assign[v] == lTrue
	}
	return model
}

// pickBranchVariable returns an unassigned variable chosen by VSIDS
// activity, tie-broken by the construction-time version-rank seed
// (higher version first), or -1 if all variables are assigned.
func (s *solver) pickBranchVariable() int {
	best := -1
	for v := 0; v < s.numVars; v++ {
		if s.assign[v] != lUndef {
			continue
		}
		if best == -1 || s.activity[v] > s.activity[best] {
			best = v
		}
	}
	return best
}

func (s *solver) cancelUntil(level int) {
	if s.decisionLevel() <= level {
		return
	}
	target := s.trailLim[level]
	for i := len(s.trail) - 1; i >= target; i-- {
		v := s.trail[i].variable()
		s.assign[v] = lUndef
		s.reason[v] = nil
	}
	s.trail = s.trail[:target]
	s.trailLim = s.trailLim[:level]
}

// analyze walks the implication graph from the conflicting clause back
// to the first UIP, producing a learned clause and the backtrack level
// (the second-highest decision level among the learned clause's
// literals), by design.
func (s *solver) analyze(confl *clause) (learnt []lit, backtrackLevel int) {
	seen := make([]bool, s.numVars)
	counter := 0
	p := lit(0)
	reasonClause := confl
	trailIdx := len(s.trail) - 1
	learnt = append(learnt, 0) // placeholder for the asserting literal

	for {
		for _, q := range reasonClause.lits {
			v := q.variable()
			if seen[v] || q == p {
				continue
			}
			seen[v] = true
			s.bumpActivity(v, s.varInc)
			if s.level[v] >= s.decisionLevel() {
				counter++
			} else if s.level[v] > 0 {
				learnt = append(learnt, q.neg())
			}
		}

		for trailIdx >= 0 && !seen[s.trail[trailIdx].variable()] {
			trailIdx--
		}
		p = s.trail[trailIdx]
		v := p.variable()
		seen[v] = false
		counter--
		reasonClause = s.reason[v]
		trailIdx--
		if counter == 0 {
			break
		}
	}
	learnt[0] = p.neg()

	backtrackLevel = 0
	if len(learnt) > 1 {
		maxIdx := 1
		for i := 2; i < len(learnt); i++ {
			if s.level[learnt[i].variable()] > s.level[learnt[maxIdx].variable()] {
				maxIdx = i
			}
		}
		learnt[1], learnt[maxIdx] = learnt[maxIdx], learnt[1]
		backtrackLevel = s.level[learnt[1].variable()]
	}
	return learnt, backtrackLevel
}

// sortedVarsByActivityDesc returns every variable, most active first.
// Nothing in the package calls it; explain works from the builder's
// clauses instead.
func (s *solver) sortedVarsByActivityDesc() []int {
	out := make([]int, s.numVars)
	for i := range out {
		out[i] = i
	}
	sort.Slice(out, func(i, j int) bool { return s.activity[out[i]] > s.activity[out[j]] })
	return out
}
