// Package events defines the event vocabulary from the design and a bus to
// publish it on, grounded in the teacher's notifications package: an
// unbounded, goroutine-backed queue (eventQueue in notifications/sinks.go)
// sitting in front of a github.com/docker/go-events Sink, so a slow
// consumer (a TUI, a log shipper) never blocks the operation producing the
// events.
package events

import (
	"time"

	"github.com/docker/go-events"
)

// Event is the common marker interface for everything placed on the bus.
// Concrete event types are plain structs; the bus itself is untyped
// (events.Sink operates on interface{}) exactly as in the teacher.
type Event interface {
	// Name returns the wire/log name of the event, e.g. "InstallStarting".
	Name() string
}

type base struct{ name string }

func (b base) Name() string { return b.name }

// Operation lifecycle.
type OperationStarted struct {
	base
	Operation string
}

type OperationCompleted struct {
	base
	Operation string
	Success   bool
}

type OperationFailed struct {
	base
	Operation string
	Err       error
}

// Progress.
type ProgressStarted struct {
	base
	ID     string
	Phases []string
}

type ProgressPhaseChanged struct {
	base
	ID    string
	Index int
}

type ProgressCompleted struct {
	base
	ID string
}

// Install/update/uninstall.
type InstallStarting struct {
	base
	Packages []string
}

type InstallCompleted struct {
	base
	Packages []string
	StateID  string
}

type UpdateStarting struct {
	base
	Packages []string
}

type UpdateCompleted struct {
	base
	Packages []string
	StateID  string
}

type UninstallStarting struct {
	base
	Packages []string
}

type UninstallCompleted struct {
	base
	Packages []string
	StateID  string
}

// Download.
type DownloadStarted struct {
	base
	URL  string
	Size *int64
}

type DownloadProgress struct {
	base
	URL       string
	Downloaded int64
	Total      int64
}

type DownloadCompleted struct {
	base
	URL string
}

type DownloadFailed struct {
	base
	URL string
	Err error
}

// Resolver.
type DependencyResolving struct {
	base
	Package string
	Count   int
}

type DependencyResolved struct {
	base
	Package string
	Version string
	Count   int
}

// State.
type StateCreating struct {
	base
	ID string
}

type StateTransition struct {
	base
	From, To, Operation string
}

type StateRollback struct {
	base
	From, To string
}

// Guard.
type VerificationStarted struct{ base }

type DiscrepancyReported struct {
	base
	Kind     string
	Severity string
	Path     string
	Package  string
	Version  string
}

type VerificationCompleted struct {
	base
	DurationMS int64
	Valid      bool
	Count      int
}

type HealingResult struct {
	base
	Kind    string
	Path    string
	Success bool
}

// Diagnostics.
type ErrorEvent struct {
	base
	Message string
	Details interface{}
}

type Warning struct {
	base
	Message string
	Context interface{}
}

type DebugLog struct {
	base
	Message string
	Context interface{}
}

func NewOperationStarted(op string) OperationStarted { return OperationStarted{base{"OperationStarted"}, op} }
func NewOperationCompleted(op string, ok bool) OperationCompleted {
	return OperationCompleted{base{"OperationCompleted"}, op, ok}
}
func NewOperationFailed(op string, err error) OperationFailed {
	return OperationFailed{base{"OperationFailed"}, op, err}
}
func NewProgressStarted(id string, phases []string) ProgressStarted {
	return ProgressStarted{base{"ProgressStarted"}, id, phases}
}
func NewProgressPhaseChanged(id string, idx int) ProgressPhaseChanged {
	return ProgressPhaseChanged{base{"ProgressPhaseChanged"}, id, idx}
}
func NewProgressCompleted(id string) ProgressCompleted {
	return ProgressCompleted{base{"ProgressCompleted"}, id}
}
func NewInstallStarting(pkgs []string) InstallStarting {
	return InstallStarting{base{"InstallStarting"}, pkgs}
}
func NewInstallCompleted(pkgs []string, stateID string) InstallCompleted {
	return InstallCompleted{base{"InstallCompleted"}, pkgs, stateID}
}
func NewUpdateStarting(pkgs []string) UpdateStarting {
	return UpdateStarting{base{"UpdateStarting"}, pkgs}
}
func NewUpdateCompleted(pkgs []string, stateID string) UpdateCompleted {
	return UpdateCompleted{base{"UpdateCompleted"}, pkgs, stateID}
}
func NewUninstallStarting(pkgs []string) UninstallStarting {
	return UninstallStarting{base{"UninstallStarting"}, pkgs}
}
func NewUninstallCompleted(pkgs []string, stateID string) UninstallCompleted {
	return UninstallCompleted{base{"UninstallCompleted"}, pkgs, stateID}
}
func NewDownloadStarted(url string, size *int64) DownloadStarted {
	return DownloadStarted{base{"DownloadStarted"}, url, size}
}
func NewDownloadProgress(url string, downloaded, total int64) DownloadProgress {
	return DownloadProgress{base{"DownloadProgress"}, url, downloaded, total}
}
func NewDownloadCompleted(url string) DownloadCompleted {
	return DownloadCompleted{base{"DownloadCompleted"}, url}
}
func NewDownloadFailed(url string, err error) DownloadFailed {
	return DownloadFailed{base{"DownloadFailed"}, url, err}
}
func NewDependencyResolving(pkg string, count int) DependencyResolving {
	return DependencyResolving{base{"DependencyResolving"}, pkg, count}
}
func NewDependencyResolved(pkg, version string, count int) DependencyResolved {
	return DependencyResolved{base{"DependencyResolved"}, pkg, version, count}
}
func NewStateCreating(id string) StateCreating { return StateCreating{base{"StateCreating"}, id} }
func NewStateTransition(from, to, op string) StateTransition {
	return StateTransition{base{"StateTransition"}, from, to, op}
}
func NewStateRollback(from, to string) StateRollback {
	return StateRollback{base{"StateRollback"}, from, to}
}
func NewVerificationStarted() VerificationStarted { return VerificationStarted{base{"VerificationStarted"}} }
func NewDiscrepancyReported(kind, severity, path, pkg, version string) DiscrepancyReported {
	return DiscrepancyReported{base{"DiscrepancyReported"}, kind, severity, path, pkg, version}
}
func NewVerificationCompleted(d time.Duration, valid bool, count int) VerificationCompleted {
	return VerificationCompleted{base{"VerificationCompleted"}, d.Milliseconds(), valid, count}
}
func NewHealingResult(kind, path string, success bool) HealingResult {
	return HealingResult{base{"HealingResult"}, kind, path, success}
}
func NewError(message string, details interface{}) ErrorEvent {
	return ErrorEvent{base{"Error"}, message, details}
}
func NewWarning(message string, context interface{}) Warning {
	return Warning{base{"Warning"}, message, context}
}
func NewDebugLog(message string, context interface{}) DebugLog {
	return DebugLog{base{"DebugLog"}, message, context}
}

// Bus wraps a github.com/docker/go-events Sink with the unbounded queue and
// lifecycle the teacher's eventQueue/Broadcaster provide, so Publish never
// blocks the caller on a slow subscriber.
type Bus struct {
	broadcaster *events.Broadcaster
}

// NewBus constructs an empty bus. Sinks are added with Subscribe.
func NewBus() *Bus {
	return &Bus{broadcaster: events.NewBroadcaster()}
}

// Subscribe registers sink to receive every event published from now on.
// The returned queue wraps sink so a slow sink cannot block Publish;
// callers should Close() it when done, mirroring notifications.NewSink.
func (b *Bus) Subscribe(sink events.Sink) events.Sink {
	q := events.NewQueue(sink)
	b.broadcaster.Add(q)
	return q
}

// Unsubscribe removes a previously-subscribed sink.
func (b *Bus) Unsubscribe(sink events.Sink) error {
	return b.broadcaster.Remove(sink)
}

// Publish writes ev to every subscribed sink. It never blocks on a slow
// subscriber because each is fronted by its own events.Queue.
func (b *Bus) Publish(ev Event) error {
	return b.broadcaster.Write(ev)
}

// Close shuts the bus down, closing every subscribed sink.
func (b *Bus) Close() error {
	return b.broadcaster.Close()
}

// FuncSink adapts a plain function to an events.Sink, useful for tests and
// for a CLI's simple "print every event" consumer.
type FuncSink func(Event) error

func (f FuncSink) Write(ev events.Event) error {
	e, ok := ev.(Event)
	if !ok {
		return nil
	}
	return f(e)
}

func (f FuncSink) Close() error { return nil }
