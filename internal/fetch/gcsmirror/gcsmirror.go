// Package gcsmirror adapts Google Cloud Storage to fetch.Fetcher. Unlike
// the teacher's registry/storage/driver/gcs.driver (built on
// cloud.google.com/go/storage, dropped from this repo — see DESIGN.md),
// this mirror uses the lower-level google.golang.org/api generated client
// directly.
package gcsmirror

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcsv1 "google.golang.org/api/storage/v1"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Config holds the bucket coordinates and optional service-account
// credentials JSON for one GCS mirror.
type Config struct {
	Bucket              string
	Prefix              string
	CredentialsJSON     []byte // optional; falls back to application default credentials
}

// Mirror is a read-only fetch.Fetcher backed by a GCS bucket.
type Mirror struct {
	bucket  string
	prefix  string
	service *gcsv1.Service
}

// New builds a Mirror from cfg.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	var httpClient *http.Client
	var err error
	if len(cfg.CredentialsJSON) > 0 {
		creds, credErr := google.CredentialsFromJSON(ctx, cfg.CredentialsJSON, gcsv1.DevstorageReadOnlyScope)
		if credErr != nil {
			return nil, kilnerrors.Wrap(kilnerrors.NetworkFatal, "parse gcs credentials", credErr)
		}
		httpClient = oauth2HTTPClient(ctx, creds)
	} else {
		httpClient, err = google.DefaultClient(ctx, gcsv1.DevstorageReadOnlyScope)
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.NetworkFatal, "build gcs default client", err)
		}
	}
	svc, err := gcsv1.New(httpClient)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.NetworkFatal, "build gcs service", err)
	}
	return &Mirror{bucket: cfg.Bucket, prefix: cfg.Prefix, service: svc}, nil
}

func oauth2HTTPClient(ctx context.Context, creds *google.Credentials) *http.Client {
	return oauth2.NewClient(ctx, creds.TokenSource)
}

func (m *Mirror) objectName(path string) string {
	if m.prefix == "" {
		return path
	}
	return m.prefix + "/" + path
}

// Fetch implements fetch.Fetcher via Objects.Get(...).Download().
func (m *Mirror) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	resp, err := m.service.Objects.Get(m.bucket, m.objectName(path)).Context(ctx).Download()
	if err != nil {
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "gcs Objects.Get "+path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "gcs object not found: "+path)
	}
	return resp.Body, resp.ContentLength, nil
}
