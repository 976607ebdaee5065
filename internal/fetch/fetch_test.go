package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

func TestHTTPFetcherConformance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/packages/curl-8.5.0.sp", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	suite := FetcherConformanceSuite{
		NewFetcher: func() Fetcher { return NewHTTPFetcher(srv.URL, DefaultRetryPolicy()) },
		Fixtures:   map[string][]byte{"/packages/curl-8.5.0.sp": []byte("archive-bytes")},
	}
	suite.Run(t)
}

func TestHTTPFetcherReturns404AsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, RetryPolicy{MaxAttempts: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond})
	_, _, err := f.Fetch(context.Background(), "/missing.sp")
	if err == nil {
		t.Fatalf("expected an error for a 404 response")
	}
	var kerr *kilnerrors.Error
	if !errors.As(err, &kerr) {
		t.Fatalf("expected a *kilnerrors.Error, got %T", err)
	}
	if kerr.Kind != kilnerrors.NetworkFatal {
		t.Fatalf("expected NetworkFatal for a 404, got %v", kerr.Kind)
	}
}

func TestManagerFailsOverToNextMirror(t *testing.T) {
	m := NewManager()
	m.AddMirror("broken", 0, FetcherFunc(func(ctx context.Context, path string) (io.ReadCloser, int64, error) {
		return nil, -1, kilnerrors.New(kilnerrors.NetworkTransient, "simulated failure")
	}))
	m.AddMirror("working", 1, FetcherFunc(func(ctx context.Context, path string) (io.ReadCloser, int64, error) {
		return io.NopCloser(stringsReader("ok")), 2, nil
	}))

	body, _, err := m.Fetch(context.Background(), "/anything")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(body)
	if string(got) != "ok" {
		t.Fatalf("expected the second mirror's content, got %q", got)
	}
}

func TestManagerReturnsErrorWhenAllMirrorsFail(t *testing.T) {
	m := NewManager()
	m.AddMirror("a", 0, FetcherFunc(func(ctx context.Context, path string) (io.ReadCloser, int64, error) {
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "a down")
	}))
	m.AddMirror("b", 1, FetcherFunc(func(ctx context.Context, path string) (io.ReadCloser, int64, error) {
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "b down")
	}))

	_, _, err := m.Fetch(context.Background(), "/anything")
	if err == nil {
		t.Fatalf("expected an error when every mirror fails")
	}
}

func TestMirrorHealthBacksOffAfterFailures(t *testing.T) {
	h := &MirrorHealth{}
	now := time.Now()
	if !h.available(now) {
		t.Fatalf("a fresh MirrorHealth should be immediately available")
	}
	h.recordFailure(now)
	if h.available(now) {
		t.Fatalf("expected backoff to make the mirror unavailable immediately after a failure")
	}
	if !h.available(now.Add(10 * time.Second)) {
		t.Fatalf("expected the mirror to become available again after its backoff window")
	}
}

type stringsReader string

func (s stringsReader) Read(p []byte) (int, error) {
	n := copy(p, s)
	if n == 0 {
		return 0, io.EOF
	}
	return n, io.EOF
}
