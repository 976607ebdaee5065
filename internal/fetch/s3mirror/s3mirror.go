// Package s3mirror adapts Amazon S3 to fetch.Fetcher, narrowing the
// teacher's registry/storage/driver/s3-aws.driver (a full read/write
// storagedriver.StorageDriver) down to the read-only GetObject call kiln
// needs: mirrors are a source of package archives, never a destination.
package s3mirror

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// Config mirrors the fields the teacher's s3-aws driver reads out of its
// parameter bag (DriverParameters), trimmed to what a read-only mirror
// needs.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // non-empty for S3-compatible services
	KeyPrefix string
}

// Mirror is a read-only fetch.Fetcher backed by an S3 bucket.
type Mirror struct {
	bucket string
	prefix string
	client *s3.S3
}

// New builds a Mirror from cfg, using the AWS SDK's standard credential
// chain (environment, shared config, instance role), exactly as the
// teacher's s3-aws driver does when no explicit keys are supplied.
func New(cfg Config) (*Mirror, error) {
	sessOpts := session.Options{
		Config: aws.Config{Region: aws.String(cfg.Region)},
	}
	if cfg.Endpoint != "" {
		sessOpts.Config.Endpoint = aws.String(cfg.Endpoint)
		sessOpts.Config.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSessionWithOptions(sessOpts)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.NetworkFatal, "build s3 session", err)
	}
	return &Mirror{bucket: cfg.Bucket, prefix: cfg.KeyPrefix, client: s3.New(sess)}, nil
}

func (m *Mirror) key(path string) string {
	if m.prefix == "" {
		return path
	}
	return m.prefix + "/" + path
}

// Fetch implements fetch.Fetcher by issuing a GetObject call for path,
// mirroring the read half of the teacher driver's Reader method.
func (m *Mirror) Fetch(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	out, err := m.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(path)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, -1, kilnerrors.New(kilnerrors.NetworkFatal, "s3 object not found: "+path)
		}
		return nil, -1, kilnerrors.Wrap(kilnerrors.NetworkTransient, "s3 GetObject "+path, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}
