// Package azuremirror adapts Azure Blob Storage to fetch.Fetcher,
// narrowing the teacher's registry/storage/driver/azure.driver down to a
// read-only Get, using the classic github.com/Azure/azure-sdk-for-go
// storage client the teacher's go.mod pins.
package azuremirror

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/storage"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Config holds the account/container coordinates for one Azure mirror.
type Config struct {
	AccountName   string
	AccountKey    string
	Container     string
	KeyPrefix     string
}

// Mirror is a read-only fetch.Fetcher backed by an Azure Blob container.
type Mirror struct {
	prefix    string
	container *storage.Container
}

// New builds a Mirror from cfg.
func New(cfg Config) (*Mirror, error) {
	client, err := storage.NewBasicClient(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.NetworkFatal, "build azure client", err)
	}
	blobService := client.GetBlobService()
	container := blobService.GetContainerReference(cfg.Container)
	return &Mirror{prefix: cfg.KeyPrefix, container: container}, nil
}

func (m *Mirror) blobName(path string) string {
	if m.prefix == "" {
		return path
	}
	return m.prefix + "/" + path
}

// Fetch implements fetch.Fetcher by issuing a blob Get for path.
func (m *Mirror) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	blobRef := m.container.GetBlobReference(m.blobName(path))
	exists, err := blobRef.Exists()
	if err != nil {
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "azure blob Exists "+path, err)
	}
	if !exists {
		return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "azure blob not found: "+path)
	}
	if err := blobRef.GetProperties(nil); err != nil {
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "azure blob GetProperties "+path, err)
	}
	body, err := blobRef.Get(nil)
	if err != nil {
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "azure blob Get "+path, err)
	}
	return body, blobRef.Properties.ContentLength, nil
}
