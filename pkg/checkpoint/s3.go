package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/logflow/ekg/pkg/source"
)

// S3Config configures the S3 checkpoint backend.
type S3Config struct {
	source.S3Config `yaml:"client"`

	// Prefix is the key prefix of run objects (e.g., "ekg/runs/")
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`

	// ServerSideEncryption enables SSE-S3 encryption
	ServerSideEncryption bool `yaml:"server_side_encryption"`
}

// DefaultS3Config returns sensible defaults.
func DefaultS3Config(bucket string) S3Config {
	return S3Config{
		S3Config: source.S3Config{Bucket: bucket},
		Prefix:   "ekg/runs/",
		Timeout:  30 * time.Second,
	}
}

// Object metadata written with every run, so inputs can be matched from
// listings without downloading each run.
const (
	metaInput = "ekg-input"
	metaPhase = "ekg-phase"
)

// S3Backend stores one JSON object per run.
type S3Backend struct {
	cfg    S3Config
	client *s3.Client
}

// NewS3Backend creates a new S3 checkpoint backend.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 checkpoint backend needs a bucket")
	}
	client, err := source.NewS3Client(ctx, cfg.S3Config)
	if err != nil {
		return nil, err
	}
	return &S3Backend{cfg: cfg, client: client}, nil
}

func (b *S3Backend) key(id string) string {
	return b.cfg.Prefix + id + ".json"
}

func (b *S3Backend) idOf(key string) string {
	return strings.TrimSuffix(path.Base(key), ".json")
}

func (b *S3Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

// Save uploads the run with its input and phase as object metadata.
func (b *S3Backend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.key(cp.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{metaInput: cp.InputPath, metaPhase: cp.Phase},
	}
	if b.cfg.ServerSideEncryption {
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("save run %s: %w", cp.ID, err)
	}
	return nil
}

// Load downloads the run with id.
func (b *S3Backend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(id)),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	return decode(data)
}

// Delete removes a run. Deleting a missing run succeeds.
func (b *S3Backend) Delete(ctx context.Context, id string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(id)),
	})
	return err
}

// keys lists the run object keys whose id starts with prefix.
func (b *S3Backend) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(b.cfg.Prefix + prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		for _, obj := range page.Contents {
			if k := aws.ToString(obj.Key); strings.HasSuffix(k, ".json") {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

// List returns the runs whose id starts with prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	keys, err := b.keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(keys))
	for _, k := range keys {
		cp, err := b.Load(ctx, b.idOf(k))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// FindByInput returns the latest incomplete run for inputPath. Object
// metadata filters the candidates before any run is downloaded.
func (b *S3Backend) FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error) {
	keys, err := b.keys(ctx, "")
	if err != nil {
		return nil, err
	}
	var candidates []*Checkpoint
	for _, k := range keys {
		hctx, cancel := b.withTimeout(ctx)
		head, err := b.client.HeadObject(hctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(k),
		})
		cancel()
		if err != nil {
			continue
		}
		if head.Metadata[metaInput] != inputPath || head.Metadata[metaPhase] == PhaseComplete {
			continue
		}
		cp, err := b.Load(ctx, b.idOf(k))
		if err != nil {
			continue
		}
		candidates = append(candidates, cp)
	}
	return latestIncomplete(candidates, inputPath)
}

// Name returns "s3".
func (b *S3Backend) Name() string { return "s3" }
