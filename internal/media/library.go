package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FSLibrary keeps media files in a local directory served under BaseURL.
type FSLibrary struct {
	Dir     string
	BaseURL string
}

// Save writes data to Dir/name.
func (f FSLibrary) Save(_ context.Context, name, _ string, data []byte) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.Dir, filepath.Base(name)), data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return strings.TrimRight(f.BaseURL, "/") + "/" + filepath.Base(name), nil
}

// Remove deletes the file behind publicURL. A missing file is not an error.
func (f FSLibrary) Remove(_ context.Context, publicURL string) error {
	name := path.Base(publicURL)
	if name == "." || name == "/" {
		return nil
	}
	err := os.Remove(filepath.Join(f.Dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove media file: %w", err)
	}
	return nil
}

// MinioOptions configure an S3-compatible media library.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL prefixes object names in returned URLs; defaults to the
	// endpoint URL plus bucket.
	PublicURL string
}

// MinioLibrary stores media as objects in a bucket.
type MinioLibrary struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinioLibrary connects to the endpoint and creates the bucket if needed.
func NewMinioLibrary(ctx context.Context, opts MinioOptions) (*MinioLibrary, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	public := opts.PublicURL
	if public == "" {
		public = client.EndpointURL().String() + "/" + opts.Bucket
	}
	return &MinioLibrary{client: client, bucket: opts.Bucket, publicURL: strings.TrimRight(public, "/")}, nil
}

// Save uploads data as object name.
func (m *MinioLibrary) Save(ctx context.Context, name, contentType string, data []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}
	return m.publicURL + "/" + url.PathEscape(name), nil
}

// Remove deletes the object behind publicURL.
func (m *MinioLibrary) Remove(ctx context.Context, publicURL string) error {
	name := path.Base(publicURL)
	if err := m.client.RemoveObject(ctx, m.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", name, err)
	}
	return nil
}
