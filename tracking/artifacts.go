package tracking

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactRepository stores run artifacts under slash-separated keys.
type ArtifactRepository interface {
	// Put writes r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Open returns a reader for key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// URI returns the location of key as a URI.
	URI(key string) string
}

// S3Config holds the connection settings for s3:// artifact roots.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// NewArtifactRepository opens the repository named by root: a local
// directory, a file:// URI, or s3://bucket/prefix.
func NewArtifactRepository(root string, s3 S3Config) (ArtifactRepository, error) {
	switch {
	case strings.HasPrefix(root, "s3://"):
		u, err := url.Parse(root)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid artifact root %q", root)
		}
		if u.Host == "" {
			return nil, errors.Newf("missing bucket in artifact root %q", root)
		}
		return NewS3ArtifactRepository(s3, u.Host, strings.Trim(u.Path, "/"))
	case strings.HasPrefix(root, "file://"):
		return NewLocalArtifactRepository(strings.TrimPrefix(root, "file://"))
	case strings.Contains(root, "://"):
		return nil, errors.Newf("unsupported artifact root %q", root)
	}
	return NewLocalArtifactRepository(root)
}

// LocalArtifactRepository stores artifacts in a directory.
type LocalArtifactRepository struct {
	dir string
}

// NewLocalArtifactRepository returns a repository rooted at dir. The
// directory is created on first write.
func NewLocalArtifactRepository(dir string) (*LocalArtifactRepository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve artifact root %q", dir)
	}
	return &LocalArtifactRepository{dir: abs}, nil
}

func (l *LocalArtifactRepository) fullPath(key string) string {
	return filepath.Join(l.dir, filepath.FromSlash(key))
}

// Put writes r to the file for key, creating parent directories.
func (l *LocalArtifactRepository) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	fullPath := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return errors.WithStack(err)
	}
	file, err := os.Create(fullPath)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "write artifact %s", key)
	}
	return errors.WithStack(file.Close())
}

// Open opens the file for key.
func (l *LocalArtifactRepository) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.fullPath(key))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

// URI returns a file:// URI for key.
func (l *LocalArtifactRepository) URI(key string) string {
	return "file://" + filepath.ToSlash(l.fullPath(key))
}

// S3ArtifactRepository stores artifacts in an S3-compatible bucket.
type S3ArtifactRepository struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3ArtifactRepository creates a client for bucket. Keys are stored under
// prefix. No request is made until the first Put or Open.
func NewS3ArtifactRepository(cfg S3Config, bucket, prefix string) (*S3ArtifactRepository, error) {
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		secure = true
	}
	// エンドポイントは scheme 付きでも受け付ける (MLFLOW_S3_ENDPOINT_URL 形式)
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create S3 client for %s", endpoint)
	}
	return &S3ArtifactRepository{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3ArtifactRepository) objectName(key string) string {
	return path.Join(s.prefix, key)
}

// Put uploads r as an object.
func (s *S3ArtifactRepository) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), r, size, minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "upload artifact %s", s.URI(key))
	}
	return nil
}

// Open returns a reader for the object.
func (s *S3ArtifactRepository) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "download artifact %s", s.URI(key))
	}
	return object, nil
}

// URI returns an s3:// URI for key.
func (s *S3ArtifactRepository) URI(key string) string {
	return "s3://" + path.Join(s.bucket, s.objectName(key))
}
