// Package aliyunmirror adapts Aliyun OSS to fetch.Fetcher, narrowing the
// teacher's registry/storage/driver/oss.Driver (go.mod-declared but never
// built in-tree, guarded by a build tag) down to a read-only GetResponse
// call over github.com/denverdino/aliyungo/oss.
package aliyunmirror

import (
	"context"
	"io"
	"net/http"

	"github.com/denverdino/aliyungo/oss"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Config mirrors the teacher's oss.DriverParameters, trimmed to read-only
// access.
type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Region          string
	Internal        bool
	Secure          bool
	Endpoint        string
	Prefix          string
}

// Mirror is a read-only fetch.Fetcher backed by an Aliyun OSS bucket.
type Mirror struct {
	bucket *oss.Bucket
	prefix string
}

// New builds a Mirror from cfg.
func New(cfg Config) (*Mirror, error) {
	client := oss.NewOSSClient(oss.Region(cfg.Region), cfg.Internal, cfg.AccessKeyID, cfg.AccessKeySecret, cfg.Secure)
	if cfg.Endpoint != "" {
		client.SetEndpoint(cfg.Endpoint)
	}
	return &Mirror{bucket: client.Bucket(cfg.Bucket), prefix: cfg.Prefix}, nil
}

func (m *Mirror) objectKey(path string) string {
	if m.prefix == "" {
		return path
	}
	return m.prefix + "/" + path
}

// Fetch implements fetch.Fetcher via Bucket.GetResponse.
func (m *Mirror) Fetch(_ context.Context, path string) (io.ReadCloser, int64, error) {
	resp, err := m.bucket.GetResponse(m.objectKey(path))
	if err != nil {
		if ossErr, ok := err.(*oss.Error); ok && ossErr.StatusCode == http.StatusNotFound {
			return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "oss object not found: "+path)
		}
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "oss GetResponse "+path, err)
	}
	return resp.Body, resp.ContentLength, nil
}
