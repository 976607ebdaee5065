// Package swiftmirror adapts OpenStack Swift to fetch.Fetcher, narrowing
// the teacher's registry/storage/driver/swift.driver (which wraps
// github.com/ncw/swift for full read/write access) down to a read-only
// ObjectOpen call.
package swiftmirror

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"github.com/ncw/swift"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Config mirrors the teacher's swift.Parameters, trimmed to what a
// read-only mirror needs.
type Config struct {
	Username string
	Password string
	AuthURL  string
	Tenant   string
	Region   string

	Container string
	Prefix    string
}

// Mirror is a read-only fetch.Fetcher backed by a Swift container.
type Mirror struct {
	conn      swift.Connection
	container string
	prefix    string
}

// New authenticates against Swift and returns a Mirror, exactly as the
// teacher's driver.New does before constructing its *driver.
func New(cfg Config) (*Mirror, error) {
	conn := swift.Connection{
		UserName:       cfg.Username,
		ApiKey:         cfg.Password,
		AuthUrl:        cfg.AuthURL,
		Region:         cfg.Region,
		Tenant:         cfg.Tenant,
		ConnectTimeout: 60 * time.Second,
		Timeout:        15 * 60 * time.Second,
	}
	if err := conn.Authenticate(); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.NetworkFatal, "swift authentication failed", err)
	}
	return &Mirror{conn: conn, container: cfg.Container, prefix: cfg.Prefix}, nil
}

func (m *Mirror) objectName(path string) string {
	if m.prefix == "" {
		return path
	}
	return strings.TrimRight(m.prefix, "/") + "/" + path
}

// Fetch implements fetch.Fetcher via swift.Connection.ObjectOpen.
func (m *Mirror) Fetch(_ context.Context, path string) (io.ReadCloser, int64, error) {
	file, headers, err := m.conn.ObjectOpen(m.container, m.objectName(path), false, nil)
	if err == swift.ObjectNotFound {
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "swift object not found: "+path)
	}
	if swiftErr, ok := err.(*swift.Error); ok && swiftErr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, fmt.Sprintf("swift range not satisfiable for %s", path))
	}
	if err != nil {
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "swift ObjectOpen "+path, err)
	}
	size := int64(-1)
	if lenStr, ok := headers["Content-Length"]; ok {
		fmt.Sscanf(lenStr, "%d", &size)
	}
	return file, size, nil
}
