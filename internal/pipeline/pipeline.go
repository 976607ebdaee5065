// Package pipeline drives an ExecutionPlan to completion: download,
// decompress, and ingest every node concurrently while honoring the
// partial order the plan's runtime-dependency edges impose.
//
// Grounded on the teacher's registry/storage/garbagecollect.go worker-pool
// shape (golang.org/x/sync/errgroup with SetLimit bounding a fan-out over
// an enumerated work list); generalized from a single flat bound to three
// independent semaphores (golang.org/x/sync/semaphore.Weighted, also part
// of the same module) — one per phase config.Concurrency names — since
// the design requires download and decompression to have distinct
// concurrency caps rather than one shared worker-pool size, and a single
// coordinator goroutine drives the ExecutionPlan's ready-queue so
// resolver.ExecutionPlan (not itself concurrency-safe) is only ever
// touched from one place.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kiln-pm/kiln/internal/archive"
	"github.com/kiln-pm/kiln/internal/config"
	"github.com/kiln-pm/kiln/internal/events"
	"github.com/kiln-pm/kiln/internal/fetch"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/manifest"
	"github.com/kiln-pm/kiln/internal/metrics"
	"github.com/kiln-pm/kiln/internal/pkgstore"
	"github.com/kiln-pm/kiln/internal/resolver"
	"github.com/kiln-pm/kiln/internal/trust"
)

// LocalSource supplies a pre-downloaded archive for a plan node classified
// Local (the design): a user-provided ".sp" file that bypasses the
// Download phase entirely but still goes through decompress/validate/
// ingest.
type LocalSource struct {
	Package     string
	ArchivePath string
}

// Pipeline executes an ExecutionPlan's download/decompress/ingest phases.
// Staging and the atomic swap are a separate step (internal/installer),
// run once after every node in the plan has been ingested.
type Pipeline struct {
	fetcher    fetch.Fetcher
	pkgStore   *pkgstore.Store
	bus        *events.Bus
	metrics    *metrics.Collectors
	cc         config.Concurrency
	scratchDir string
	verifiers  map[string]trust.Verifier // keyed by KeyID
	requireSig bool
}

// New builds a Pipeline. scratchDir is a directory used for transient
// per-package extraction workspaces; it is created if absent. mc may be
// nil, in which case downloads and ingests simply aren't counted.
func New(fetcher fetch.Fetcher, pkgStore *pkgstore.Store, bus *events.Bus, mc *metrics.Collectors, cc config.Concurrency, scratchDir string) *Pipeline {
	return &Pipeline{fetcher: fetcher, pkgStore: pkgStore, bus: bus, metrics: mc, cc: cc, scratchDir: scratchDir}
}

// WithTrust configures the pipeline to fetch each node's detached
// signature (node.Entry.SigURL) alongside its archive and accept the
// archive only if one of verifiers validates it; every verifier is tried
// in turn. When require is true, a node with no SigURL, a signature that
// cannot be fetched, or an empty verifier set fails closed as an
// Integrity error rather than silently skipping the check.
func (p *Pipeline) WithTrust(verifiers []trust.Verifier, require bool) *Pipeline {
	byKeyID := make(map[string]trust.Verifier, len(verifiers))
	for _, v := range verifiers {
		byKeyID[v.KeyID()] = v
	}
	p.verifiers = byKeyID
	p.requireSig = require
	return p
}

// nodeResult is one completed (or failed) node, reported back to the
// single coordinator goroutine in Run.
type nodeResult struct {
	name string
	pkg  *pkgstore.StoredPackage
	err  error
}

// Run drives plan to completion, returning every ingested StoredPackage
// keyed by package name. On the first node failure, no further nodes are
// newly scheduled, but already in-flight nodes are drained before Run
// returns the error — cancellation never leaves a node half-processed,
// by design.
func (p *Pipeline) Run(ctx context.Context, plan *resolver.ExecutionPlan, localSources []LocalSource) (map[string]*pkgstore.StoredPackage, error) {
	localByName := map[string]string{}
	for _, ls := range localSources {
		localByName[ls.Package] = ls.ArchivePath
	}

	downloadSem := semaphore.NewWeighted(weightOf(p.cc.MaxDownloads))
	decompressSem := semaphore.NewWeighted(weightOf(p.cc.MaxDecompress))
	installSem := semaphore.NewWeighted(weightOf(p.cc.MaxInstallJobs))

	if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "create pipeline scratch dir", err)
	}

	completions := make(chan nodeResult)
	launch := func(name string) {
		go func() {
			pkg, err := p.processNode(ctx, plan, name, localByName, downloadSem, decompressSem, installSem)
			completions <- nodeResult{name: name, pkg: pkg, err: err}
		}()
	}

	results := make(map[string]*pkgstore.StoredPackage)
	inFlight := 0
	for _, name := range plan.ReadyPackages() {
		inFlight++
		launch(name)
	}

	var firstErr error
	for inFlight > 0 {
		res := <-completions
		inFlight--
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		results[res.name] = res.pkg
		if firstErr != nil {
			continue // a sibling already failed: stop cascading new work
		}
		newlyReady, err := plan.CompletePackage(res.name)
		if err != nil {
			firstErr = err
			continue
		}
		for _, n := range newlyReady {
			inFlight++
			launch(n)
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func weightOf(n int) int64 {
	if n < 1 {
		return 1
	}
	return int64(n)
}

// processNode runs one node's Download (if remote), Decompress & validate,
// and Ingest phases in sequence, acquiring and releasing the three phase
// semaphores around each.
func (p *Pipeline) processNode(ctx context.Context, plan *resolver.ExecutionPlan, name string, localByName map[string]string, downloadSem, decompressSem, installSem *semaphore.Weighted) (*pkgstore.StoredPackage, error) {
	node, ok := plan.Metadata(name)
	if !ok {
		return nil, kilnerrors.New(kilnerrors.Internal, "pipeline: plan has no metadata for "+name).WithDetails(name)
	}

	scratch, err := os.MkdirTemp(p.scratchDir, "kiln-pipeline-*")
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "create node scratch dir", err)
	}
	defer os.RemoveAll(scratch)

	var archiveData []byte
	if node.Local {
		path, ok := localByName[name]
		if !ok {
			return nil, kilnerrors.New(kilnerrors.Input, "no local archive supplied for local package "+name).WithDetails(name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Input, "read local archive for "+name, err)
		}
		archiveData = data
	} else {
		if err := downloadSem.Acquire(ctx, 1); err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Concurrency, "acquire download permit", err)
		}
		data, err := p.download(ctx, node)
		downloadSem.Release(1)
		if err != nil {
			return nil, err
		}
		archiveData = data
	}

	if err := decompressSem.Acquire(ctx, 1); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Concurrency, "acquire decompress permit", err)
	}
	extractErr := p.decompressAndValidate(archiveData, scratch, node)
	decompressSem.Release(1)
	if extractErr != nil {
		return nil, extractErr
	}

	if err := installSem.Acquire(ctx, 1); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Concurrency, "acquire install permit", err)
	}
	ingestStart := time.Now()
	pkg, err := p.pkgStore.IngestExtracted(scratch)
	installSem.Release(1)
	p.observeIngest(time.Since(ingestStart), err == nil)
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// download fetches a node's archive, verifying it against the index's
// declared hash before returning its bytes, by design.
func (p *Pipeline) download(ctx context.Context, node *resolver.Node) ([]byte, error) {
	url := node.Entry.URL
	p.publish(events.NewDownloadStarted(url, sizeOrNil(node.Entry.Size)))

	body, _, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		p.publish(events.NewDownloadFailed(url, err))
		p.observeDownload(0, "failed")
		return nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		p.publish(events.NewDownloadFailed(url, err))
		p.observeDownload(int64(buf.Len()), "failed")
		return nil, kilnerrors.Wrap(kilnerrors.NetworkTransient, "read archive body for "+url, err)
	}
	data := buf.Bytes()

	expected, err := hash.ParseHex(node.Entry.Hash)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Integrity, "parse index-declared hash for "+node.Package, err)
	}
	got := hash.OfBytes(expected.Algorithm, data)
	if !got.Equal(expected) {
		p.publish(events.NewDownloadFailed(url, kilnerrors.ErrChecksumMismatch))
		p.observeDownload(int64(len(data)), "failed")
		return nil, kilnerrors.New(kilnerrors.Integrity, fmt.Sprintf("archive checksum mismatch for %s: expected %s, got %s", node.Package, expected.Hex(), got.Hex())).
			WithDetails(node.Package)
	}

	if err := p.verifySignature(ctx, node); err != nil {
		p.publish(events.NewDownloadFailed(url, err))
		p.observeDownload(int64(len(data)), "failed")
		return nil, err
	}

	p.publish(events.NewDownloadCompleted(url))
	p.observeDownload(int64(len(data)), "success")
	return data, nil
}

// verifySignature fetches node's detached signature (if SigURL is set)
// and checks it against every configured trust.Verifier, accepting the
// archive if any one of them validates it. A fetched signature that
// verifies against none of them is always an error. A missing SigURL or
// a failed signature fetch is only an error when the pipeline was built
// with WithTrust(..., require=true); otherwise the check is skipped. With
// no verifiers and require unset, nothing is checked, matching a
// deployment that hasn't opted into a trust bundle.
func (p *Pipeline) verifySignature(ctx context.Context, node *resolver.Node) error {
	if len(p.verifiers) == 0 && !p.requireSig {
		return nil
	}
	if node.Entry.SigURL == "" {
		if p.requireSig {
			return kilnerrors.New(kilnerrors.Integrity, "no detached signature available for "+node.Package).WithDetails(node.Package)
		}
		return nil
	}

	body, _, err := p.fetcher.Fetch(ctx, node.Entry.SigURL)
	if err != nil {
		if p.requireSig {
			return kilnerrors.Wrap(kilnerrors.Integrity, "fetch detached signature for "+node.Package, err)
		}
		return nil
	}
	defer body.Close()
	var sigBuf bytes.Buffer
	if _, err := sigBuf.ReadFrom(body); err != nil {
		return kilnerrors.Wrap(kilnerrors.Integrity, "read detached signature for "+node.Package, err)
	}

	expected, err := hash.ParseHex(node.Entry.Hash)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Integrity, "parse index-declared hash for "+node.Package, err)
	}
	for _, v := range p.verifiers {
		if v.Verify(expected.Bytes, sigBuf.Bytes()) == nil {
			return nil
		}
	}
	return kilnerrors.New(kilnerrors.Integrity, "detached signature for "+node.Package+" did not verify against any trusted key").WithDetails(node.Package)
}

func (p *Pipeline) observeDownload(bytesRead int64, result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.DownloadsTotal.WithLabelValues(result).Inc()
	if bytesRead > 0 {
		p.metrics.DownloadBytesTotal.Add(float64(bytesRead))
	}
}

func (p *Pipeline) observeIngest(d time.Duration, success bool) {
	if p.metrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	p.metrics.IngestDuration.WithLabelValues(result).Observe(d.Seconds())
}

// decompressAndValidate stream-extracts archiveData into scratch and
// checks the extracted manifest names the same package/version the index
// entry promised, per the decompress phase.
func (p *Pipeline) decompressAndValidate(archiveData []byte, scratch string, node *resolver.Node) error {
	if _, err := archive.Extract(bytes.NewReader(archiveData), scratch); err != nil {
		return err
	}
	manifestPath := filepath.Join(scratch, "manifest.toml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return kilnerrors.New(kilnerrors.Input, "archive is missing manifest.toml at its root").WithDetails(node.Package)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	if m.Name != node.Package || m.Version.Compare(node.Version) != 0 {
		return kilnerrors.New(kilnerrors.Integrity, fmt.Sprintf("archive for %s declares %s %s, expected %s", node.Package, m.Name, m.Version, node.Version)).
			WithDetails(node.Package)
	}
	return nil
}

func sizeOrNil(n int64) *int64 {
	if n <= 0 {
		return nil
	}
	return &n
}

func (p *Pipeline) publish(ev events.Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ev)
}
