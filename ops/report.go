// Package ops is the facade tying the pieces together: it composes the
// resolver, pipeline, installer, ledger, and verifier into the
// cohesive install/update/uninstall/rollback/verify entry points a CLI
// or other caller drives, emitting the operation's event stream and
// producing a Report describing the diff between the previous and new
// active state.
//
// Grounded on the teacher's registry.go, which plays the analogous role
// of wiring storage, notifications, and auth middleware behind one
// constructor and a handful of top-level methods rather than letting
// callers assemble the pieces themselves.
package ops

// PackageDiff describes one package's change across a state transition.
// FromVersion is empty for a newly installed package; ToVersion is empty
// for a removed one.
type PackageDiff struct {
	Name        string
	FromVersion string
	ToVersion   string
}

// Report is returned by every state-changing Ops method, describing the
// transition it performed.
type Report struct {
	Operation       string
	PreviousStateID string
	StateID         string
	Installed       []PackageDiff
	Updated         []PackageDiff
	Removed         []PackageDiff
	Unchanged       []string
}

// CleanupReport summarizes a Cleanup sweep.
type CleanupReport struct {
	StagingDirsRemoved  int
	OrphanedFilesRemoved int
	EmptyShardsRemoved  int
}
