package resolver

import (
	"sort"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/manifest"
)

// NodeState is the lifecycle state of one ExecutionPlan node.
type NodeState int

const (
	NodePending NodeState = iota
	NodeReady
	NodeComplete
)

// Node is one package in a resolved ExecutionPlan.
type Node struct {
	Package string
	Version manifest.Version
	Entry   VersionEntry
	Local   bool // Download vs Local classification, by design

	deps     []string // runtime dependency package names, resolved within the plan
	dependents []string // reverse edges, for in-degree bookkeeping
	state    NodeState
}

// ExecutionPlan is the topologically-sorted DAG of an accepted
// resolution, exposing the ready-queue interface the pipeline drives
// (the design).
type ExecutionPlan struct {
	nodes   map[string]*Node // keyed by package name
	inDeg   map[string]int
	ready   []string
	remaining int
}

func newExecutionPlan(nodes map[string]*Node, ready []string) *ExecutionPlan {
	if nodes == nil {
		nodes = map[string]*Node{}
	}
	return &ExecutionPlan{nodes: nodes, inDeg: map[string]int{}, ready: ready, remaining: len(nodes)}
}

// buildPlan constructs an ExecutionPlan from a flat assignment list,
// wiring runtime-dependency edges and detecting cycles (which must not
// occur in a well-formed index by design).
func buildPlan(assignments []Assignment) (*ExecutionPlan, error) {
	nodes := map[string]*Node{}
	for _, a := range assignments {
		nodes[a.Package] = &Node{Package: a.Package, Version: a.Version, Entry: a.Entry, Local: a.Local, state: NodePending}
	}
	for _, n := range nodes {
		for _, depStr := range n.Entry.Dependencies.Runtime {
			depName, _, err := manifest.ParseDependencySpec(depStr)
			if err != nil {
				return nil, err
			}
			if depName == "" {
				continue
			}
			dep, ok := nodes[depName]
			if !ok {
				continue // dependency outside the requested closure (shouldn't happen for a consistent plan)
			}
			n.deps = append(n.deps, dep.Package)
			dep.dependents = append(dep.dependents, n.Package)
		}
	}

	plan := newExecutionPlan(nodes, nil)
	for name, n := range nodes {
		plan.inDeg[name] = len(n.deps)
	}

	if err := detectCycle(nodes); err != nil {
		return nil, err
	}

	var readyNames []string
	for name, deg := range plan.inDeg {
		if deg == 0 {
			readyNames = append(readyNames, name)
			nodes[name].state = NodeReady
		}
	}
	sort.Strings(readyNames)
	plan.ready = readyNames
	return plan, nil
}

func detectCycle(nodes map[string]*Node) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		color[name] = gray
		stack = append(stack, name)
		for _, d := range nodes[name].deps {
			switch color[d] {
			case gray:
				return kilnerrors.New(kilnerrors.Resolution, "dependency cycle detected").WithDetails(append(stack, d))
			case white:
				if err := visit(d, stack); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for name := range nodes {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadyPackages returns the package names currently in the plan's
// ready-queue: nodes whose runtime-dependency in-degree has reached
// zero and have not yet been completed.
func (p *ExecutionPlan) ReadyPackages() []string {
	out := make([]string, len(p.ready))
	copy(out, p.ready)
	return out
}

// CompletePackage marks name's node complete, decrementing the in-degree
// of its dependents and returning the set of packages that newly became
// ready as a result.
func (p *ExecutionPlan) CompletePackage(name string) (newlyReady []string, err error) {
	n, ok := p.nodes[name]
	if !ok {
		return nil, kilnerrors.New(kilnerrors.Internal, "complete_package called for unknown package "+name).WithDetails(name)
	}
	if n.state != NodeReady {
		return nil, kilnerrors.New(kilnerrors.Internal, "complete_package called for a node not in ready state: "+name).WithDetails(name)
	}
	n.state = NodeComplete
	p.removeFromReady(name)
	p.remaining--

	for _, dep := range n.dependents {
		p.inDeg[dep]--
		if p.inDeg[dep] == 0 {
			p.nodes[dep].state = NodeReady
			p.ready = append(p.ready, dep)
			newlyReady = append(newlyReady, dep)
		}
	}
	sort.Strings(newlyReady)
	sort.Strings(p.ready)
	return newlyReady, nil
}

func (p *ExecutionPlan) removeFromReady(name string) {
	for i, r := range p.ready {
		if r == name {
			p.ready = append(p.ready[:i], p.ready[i+1:]...)
			return
		}
	}
}

// Metadata returns the Node for a package name in the plan.
func (p *ExecutionPlan) Metadata(name string) (*Node, bool) {
	n, ok := p.nodes[name]
	return n, ok
}

// IsComplete reports whether every node in the plan has been completed.
func (p *ExecutionPlan) IsComplete() bool { return p.remaining == 0 }

// AllPackages returns every package name in the plan, sorted.
func (p *ExecutionPlan) AllPackages() []string {
	out := make([]string, 0, len(p.nodes))
	for name := range p.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
