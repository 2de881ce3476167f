// Package source resolves input and output locations. Local paths are used
// as is; s3://bucket/key locations are downloaded to, or uploaded from, a
// local file.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region string `yaml:"region" env:"EKG_S3_REGION"`
	Bucket string `yaml:"bucket" env:"EKG_S3_BUCKET"`

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string `yaml:"endpoint" env:"EKG_S3_ENDPOINT"`

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool `yaml:"use_path_style"`

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string `yaml:"access_key_id" env:"EKG_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"EKG_S3_SECRET_ACCESS_KEY"`
	SessionToken    string `yaml:"session_token"`

	Timeout time.Duration `yaml:"timeout"`
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// ParsePath splits a location into scheme, bucket and key. Local paths
// return scheme "file" with the path as key.
func ParsePath(path string) (scheme, bucket, key string) {
	if i := strings.Index(path, "://"); i > 0 {
		scheme = path[:i]
		rest := path[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return scheme, rest[:j], rest[j+1:]
		}
		return scheme, rest, ""
	}
	return "file", "", path
}

// IsRemote reports whether path names an object store location.
func IsRemote(path string) bool {
	scheme, _, _ := ParsePath(path)
	return scheme != "file"
}

// Resolver fetches and publishes files.
type Resolver struct {
	cfg      S3Config
	cacheDir string
	client   *s3.Client
}

// NewResolver creates a resolver that downloads into cacheDir.
func NewResolver(cfg S3Config, cacheDir string) *Resolver {
	return &Resolver{cfg: cfg, cacheDir: cacheDir}
}

func (r *Resolver) s3Client(ctx context.Context) (*s3.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	c, err := NewS3Client(ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	r.client = c
	return c, nil
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.Timeout)
}

// Fetch returns a local path for location, downloading remote objects.
func (r *Resolver) Fetch(ctx context.Context, location string) (string, error) {
	scheme, bucket, key := ParsePath(location)
	switch scheme {
	case "file":
		return key, nil
	case "s3":
	default:
		return "", fmt.Errorf("unsupported location scheme %q", scheme)
	}

	client, err := r.s3Client(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	dir := r.cacheDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(dir, filepath.Base(key))
	f, err := os.Create(local)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to download %s: %w", location, err)
	}
	return local, f.Close()
}

// Publish copies a local file to location. Local locations are a no-op
// when they equal localPath.
func (r *Resolver) Publish(ctx context.Context, localPath, location string) error {
	scheme, bucket, key := ParsePath(location)
	if scheme == "file" {
		if filepath.Clean(key) == filepath.Clean(localPath) {
			return nil
		}
		data, err := os.ReadFile(localPath)
		if err != nil {
			return err
		}
		return os.WriteFile(key, data, 0o644)
	}
	if scheme != "s3" {
		return fmt.Errorf("unsupported location scheme %q", scheme)
	}

	client, err := r.s3Client(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}
