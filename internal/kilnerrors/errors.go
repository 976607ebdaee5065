// Package kilnerrors implements the error taxonomy from the design: a
// closed set of Kinds, each carrying an actionable message plus optional
// technical Details, following the teacher's two error idioms combined —
// sentinel values for well-known conditions (root errors.go) and a
// registered descriptor table mapping kinds to exit behavior
// (api/errors/descriptors.go).
package kilnerrors

import (
	"errors"
	"fmt"
)

// Kind partitions errors the way the design does. It is never extended at
// runtime; the set is closed.
type Kind int

const (
	Input Kind = iota
	Index
	Resolution
	NetworkTransient
	NetworkFatal
	Integrity
	Storage
	State
	Guard
	Concurrency
	Internal
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Index:
		return "index"
	case Resolution:
		return "resolution"
	case NetworkTransient:
		return "network_transient"
	case NetworkFatal:
		return "network_fatal"
	case Integrity:
		return "integrity"
	case Storage:
		return "storage"
	case State:
		return "state"
	case Guard:
		return "guard"
	case Concurrency:
		return "concurrency"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// descriptor records, per Kind, whether the pipeline may retry locally and
// the process exit code the Ops facade should map it to (the design).
type descriptor struct {
	retryable bool
	exitCode  int
}

var descriptors = map[Kind]descriptor{
	Input:            {retryable: false, exitCode: 2},
	Index:             {retryable: false, exitCode: 2},
	Resolution:       {retryable: false, exitCode: 3},
	NetworkTransient: {retryable: true, exitCode: 1},
	NetworkFatal:     {retryable: false, exitCode: 1},
	Integrity:        {retryable: false, exitCode: 1},
	Storage:          {retryable: false, exitCode: 1},
	State:            {retryable: false, exitCode: 1},
	Guard:            {retryable: false, exitCode: 4},
	Concurrency:      {retryable: false, exitCode: 1},
	Internal:         {retryable: false, exitCode: 1},
}

// Error is the concrete error type produced throughout kiln. Message is the
// actionable subset shown to a user; Details carries technical context
// (the wrapped Cause, paths, hashes) that a caller may choose to log but
// need not display.
type Error struct {
	Kind    Kind
	Message string
	Details interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against the sentinel values below by
// comparing Kind and Message, matching how the teacher's typed errors
// (ErrManifestUnverified and friends) compare by construction rather than
// by pointer identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured Details and returns e for chaining.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Retryable reports whether the pipeline should retry an operation that
// failed with err locally, per the propagation policy: only
// Network::Transient is retried locally; everything else propagates.
func Retryable(err error) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return descriptors[ke.Kind].retryable
	}
	return false
}

// ExitCode maps err to the process exit code the design assigns it. A nil
// error maps to 0; an error that isn't a *Error maps to the generic
// failure code 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ke *Error
	if errors.As(err, &ke) {
		return descriptors[ke.Kind].exitCode
	}
	return 1
}

// Sentinels used across packages with errors.Is. Each mirrors a condition
// the design names explicitly.
var (
	ErrChecksumMismatch     = New(Integrity, "checksum mismatch")
	ErrPathTraversal        = New(Integrity, "path traversal in archive")
	ErrSignatureMismatch    = New(Integrity, "signature mismatch")
	ErrUnsatisfiable        = New(Resolution, "no satisfying assignment")
	ErrDependencyCycle      = New(Resolution, "dependency cycle")
	ErrUnknownPackage       = New(Index, "unknown package")
	ErrUnknownVersion       = New(Index, "unknown version")
	ErrInvalidFormat        = New(Input, "invalid archive format")
	ErrUnknownState         = New(State, "unknown state id")
	ErrInvariantViolation   = New(State, "ledger invariant violation")
	ErrCancelled            = New(Concurrency, "operation cancelled")
	ErrTimeout              = New(Concurrency, "operation timed out")
	ErrMissingPackageContent = New(Guard, "missing package content")
)
