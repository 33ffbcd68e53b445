// Package blob stores attachment content in an S3-compatible bucket under
// content-addressed keys.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	Secure    bool
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	// Prefix is prepended to every key inside the bucket.
	Prefix string
}

// Configured reports whether enough is set to reach a bucket.
func (c Config) Configured() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type Store struct {
	cl     *minio.Client
	bucket string
	prefix string
}

func New(cfg Config) (*Store, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("object storage: endpoint and bucket are required")
	}
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	return &Store{cl: cl, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.cl.StatObject(ctx, s.bucket, s.prefix+key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// PutIfAbsent uploads data under key unless an object is already there.
// It reports whether an upload happened. Keys derive from content, so an
// existing object already holds the same bytes.
func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) (bool, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = s.cl.PutObject(ctx, s.bucket, s.prefix+key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return false, fmt.Errorf("put object %s: %w", key, err)
	}
	return true, nil
}

// URL joins the public object domain and a key. An empty domain yields the
// bare key.
func URL(domain, key string) string {
	domain = strings.TrimRight(strings.TrimSpace(domain), "/")
	if domain == "" {
		return key
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return domain + "/" + strings.TrimLeft(key, "/")
}
