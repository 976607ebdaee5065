// Package fetch implements the download phase: a Fetcher abstraction
// that "returns bytes", keeping transport internals out of the
// resolver/pipeline layers, plus a Manager that tries configured
// mirrors in priority order with per-mirror health tracking.
//
// Grounded on the teacher's registry/storage/driver.StorageDriver family:
// every mirror backend below (s3mirror, azuremirror, swiftmirror,
// aliyunmirror, gcsmirror) is a read-only adapter over the equivalent
// teacher driver (driver/s3-aws, driver/azure, driver/swift, driver/oss,
// driver/gcs) narrowed to the Fetcher interface's single Fetch method,
// since kiln only ever reads packages from a mirror, never writes them.
package fetch

import (
	"context"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kiln-pm/kiln/internal/ctxlog"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Fetcher returns the content stored at path on a single source (the
// default HTTP origin, or one configured mirror). The caller is
// responsible for closing the returned ReadCloser. size is -1 when the
// source cannot report content length up front.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (body io.ReadCloser, size int64, err error)
}

// FetcherFunc adapts a plain function to a Fetcher, useful for tests.
type FetcherFunc func(ctx context.Context, path string) (io.ReadCloser, int64, error)

func (f FetcherFunc) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	return f(ctx, path)
}

// RetryPolicy bounds the default HTTP fetcher's retry behavior, per
// the design: retries only retryable network errors, exponential
// backoff with jitter, capped attempts.
type RetryPolicy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
}

// DefaultRetryPolicy matches the suggested defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, MinWait: 200 * time.Millisecond, MaxWait: 10 * time.Second}
}

// HTTPFetcher is the default Fetcher: a base URL plus a
// hashicorp/go-retryablehttp client providing the exponential
// backoff+jitter retry schedule the teacher's own download helpers never
// needed (a registry always serves to clients; kiln is the client).
type HTTPFetcher struct {
	BaseURL string
	client  *retryablehttp.Client
}

// NewHTTPFetcher builds an HTTPFetcher configured per policy, with
// retryablehttp's own logging disabled.
func NewHTTPFetcher(baseURL string, policy RetryPolicy) *HTTPFetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = policy.MaxAttempts
	c.RetryWaitMin = policy.MinWait
	c.RetryWaitMax = policy.MaxWait
	c.Logger = nil
	return &HTTPFetcher{BaseURL: baseURL, client: c}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	url := joinURL(f.BaseURL, path)
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkFatal, "build request for "+url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "fetch "+url, err)
	}
	if resp.StatusCode == 404 {
		resp.Body.Close()
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "not found: "+url)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, -1, kilnerrors.New(kilnerrors.NetworkTransient, "unexpected status fetching "+url)
	}
	return resp.Body, resp.ContentLength, nil
}

func joinURL(base, path string) string {
	if len(base) == 0 {
		return path
	}
	if base[len(base)-1] == '/' && len(path) > 0 && path[0] == '/' {
		return base + path[1:]
	}
	if base[len(base)-1] != '/' && (len(path) == 0 || path[0] != '/') {
		return base + "/" + path
	}
	return base + path
}

// MirrorHealth tracks a mirror's recent failure history so the Manager
// stops trying a consistently-failing mirror before every other mirror is
// also exhausted.
type MirrorHealth struct {
	mu               sync.Mutex
	consecutiveFails int
	backoffUntil     time.Time
}

func (h *MirrorHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFails = 0
	h.backoffUntil = time.Time{}
}

func (h *MirrorHealth) recordFailure(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFails++
	backoff := time.Duration(1<<uint(minInt(h.consecutiveFails, 6))) * time.Second
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	h.backoffUntil = now.Add(backoff + jitter)
}

func (h *MirrorHealth) available(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.After(h.backoffUntil)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// namedFetcher pairs a configured mirror with its Fetcher and health state.
type namedFetcher struct {
	name     string
	priority int
	fetcher  Fetcher
	health   *MirrorHealth
}

// Manager fetches from a priority-ordered list of mirrors. A mirror
// currently in backoff is tried only after every currently-healthy mirror
// has failed (it is still tried then, since refusing to serve at all is
// worse than trying a mirror that might have recovered).
type Manager struct {
	mu      sync.RWMutex
	mirrors []namedFetcher
}

// NewManager builds an empty Manager. Add mirrors with AddMirror.
func NewManager() *Manager {
	return &Manager{}
}

// AddMirror registers a named Fetcher at the given priority (lower values
// tried first).
func (m *Manager) AddMirror(name string, priority int, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrors = append(m.mirrors, namedFetcher{name: name, priority: priority, fetcher: f, health: &MirrorHealth{}})
	sort.SliceStable(m.mirrors, func(i, j int) bool { return m.mirrors[i].priority < m.mirrors[j].priority })
}

// Fetch tries each registered mirror in priority order, preferring
// currently-healthy ones, and returns the first success. All mirrors
// failing returns the last error seen.
func (m *Manager) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	mirrors := make([]namedFetcher, len(m.mirrors))
	copy(mirrors, m.mirrors)
	m.mu.RUnlock()

	if len(mirrors) == 0 {
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "no mirrors configured")
	}

	now := time.Now()
	ordered := make([]namedFetcher, 0, len(mirrors))
	var backedOff []namedFetcher
	for _, nf := range mirrors {
		if nf.health.available(now) {
			ordered = append(ordered, nf)
		} else {
			backedOff = append(backedOff, nf)
		}
	}
	ordered = append(ordered, backedOff...)

	var lastErr error
	for _, nf := range ordered {
		body, size, err := nf.fetcher.Fetch(ctx, path)
		if err == nil {
			nf.health.recordSuccess()
			return body, size, nil
		}
		nf.health.recordFailure(now)
		ctxlog.GetLogger(ctx).WithField("mirror", nf.name).WithError(err).Warn("mirror fetch failed")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = kilnerrors.New(kilnerrors.NetworkFatal, "no mirror could serve "+path)
	}
	return nil, -1, lastErr
}
