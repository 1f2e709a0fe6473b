// Package blob turns stored file references into URLs for serialized output.
package blob

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/logging"
)

// Resolver maps a stored file name to a URL. ok is false when the file does
// not exist; the caller then emits null.
type Resolver interface {
	ResolveURL(ctx context.Context, name string) (u string, ok bool, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, bool, error)

func (f ResolverFunc) ResolveURL(ctx context.Context, name string) (string, bool, error) {
	return f(ctx, name)
}

// None resolves nothing.
var None Resolver = ResolverFunc(func(context.Context, string) (string, bool, error) {
	return "", false, nil
})

// Prefix returns a resolver that joins base and the file name without
// checking existence.
func Prefix(base string) Resolver {
	return ResolverFunc(func(_ context.Context, name string) (string, bool, error) {
		if name == "" {
			return "", false, nil
		}
		return joinURL(base, name), true, nil
	})
}

// FS resolves files present on a billy filesystem to base/name.
type FS struct {
	fs   billy.Filesystem
	base string
}

// NewFS returns a resolver for files stored on fs.
func NewFS(fs billy.Filesystem, base string) *FS {
	return &FS{fs: fs, base: base}
}

func (r *FS) ResolveURL(_ context.Context, name string) (string, bool, error) {
	if name == "" {
		return "", false, nil
	}
	if _, err := r.fs.Stat(name); err != nil {
		return "", false, nil
	}
	return joinURL(r.base, name), true, nil
}

// Minio resolves objects in an S3 compatible bucket. Objects are served from
// PublicBaseURL when set, otherwise through presigned GET URLs.
type Minio struct {
	client     *minio.Client
	bucket     string
	expiry     time.Duration
	publicBase string
	logger     logging.Logger

	bucketOnce sync.Once
	bucketErr  error
}

// NewMinio connects to the endpoint in cfg. No request is made until the
// first resolution.
func NewMinio(cfg config.BlobConfig, logger logging.Logger) (*Minio, error) {
	if !cfg.Enabled() {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "blob endpoint and bucket are required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: region,
	})
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "create blob client")
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = config.DefaultURLExpiry
	}
	return &Minio{
		client:     client,
		bucket:     cfg.Bucket,
		expiry:     expiry,
		publicBase: cfg.PublicBaseURL,
		logger:     logging.OrNop(logger).WithComponent("blob"),
	}, nil
}

func (m *Minio) ensureBucket(ctx context.Context) error {
	m.bucketOnce.Do(func() {
		exists, err := m.client.BucketExists(ctx, m.bucket)
		if err != nil {
			m.bucketErr = errors.WrapIO(err, errors.ErrCodeBlobResolveFailed, "check bucket")
			return
		}
		if !exists {
			m.bucketErr = errors.NewIOError(errors.ErrCodeBlobResolveFailed, "bucket "+m.bucket+" does not exist", nil)
		}
	})
	return m.bucketErr
}

func (m *Minio) ResolveURL(ctx context.Context, name string) (string, bool, error) {
	if name == "" {
		return "", false, nil
	}
	if err := m.ensureBucket(ctx); err != nil {
		return "", false, err
	}
	if _, err := m.client.StatObject(ctx, m.bucket, name, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			m.logger.Debug(ctx, "blob missing", "name", name)
			return "", false, nil
		}
		return "", false, errors.WrapIO(err, errors.ErrCodeBlobResolveFailed, "stat "+name)
	}
	if m.publicBase != "" {
		return joinURL(m.publicBase, name), true, nil
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, name, m.expiry, url.Values{})
	if err != nil {
		return "", false, errors.WrapIO(err, errors.ErrCodeBlobResolveFailed, "presign "+name)
	}
	return u.String(), true, nil
}

// Expiry is the lifetime of presigned URLs.
func (m *Minio) Expiry() time.Duration { return m.expiry }

// Cached memoizes resolutions for ttl. Errors are not cached.
type Cached struct {
	next  Resolver
	cache *expirable.LRU[string, entry]
}

type entry struct {
	url string
	ok  bool
}

// NewCached wraps next with an LRU of size entries that expire after ttl.
func NewCached(next Resolver, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	return &Cached{next: next, cache: expirable.NewLRU[string, entry](size, nil, ttl)}
}

func (c *Cached) ResolveURL(ctx context.Context, name string) (string, bool, error) {
	if e, ok := c.cache.Get(name); ok {
		return e.url, e.ok, nil
	}
	u, ok, err := c.next.ResolveURL(ctx, name)
	if err != nil {
		return "", false, err
	}
	c.cache.Add(name, entry{url: u, ok: ok})
	return u, ok, nil
}

// FromConfig builds the resolver described by cfg: a cached minio resolver
// when an endpoint is configured, a public prefix when only a base URL is
// set, and None otherwise. Presigned URLs are cached for half their lifetime.
func FromConfig(cfg config.BlobConfig, logger logging.Logger) (Resolver, error) {
	switch {
	case cfg.Enabled():
		m, err := NewMinio(cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewCached(m, 0, m.Expiry()/2), nil
	case cfg.PublicBaseURL != "":
		return Prefix(cfg.PublicBaseURL), nil
	default:
		return None, nil
	}
}

func joinURL(base, name string) string {
	if base == "" {
		return "/" + strings.TrimPrefix(name, "/")
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
}
