package session

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Presigned link lifetime bounds. S3 signature v4 caps links at seven days.
const (
	DefaultShareExpiry = 24 * time.Hour
	maxShareExpiry     = 7 * 24 * time.Hour
)

// ArtifactExporter publishes a recording artifact to an external target and
// returns a URL others can fetch it from.
type ArtifactExporter interface {
	// Share uploads the artifact and returns a time-limited download URL.
	Share(ctx context.Context, artifact *RecordingArtifact, expiry time.Duration) (string, error)
}

// S3ExportConfig configures the S3-compatible export target.
type S3ExportConfig struct {
	// Endpoint is the host:port of the S3-compatible service.
	Endpoint string `yaml:"endpoint"`

	// AccessKey and SecretKey are static credentials.
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`

	// Bucket receives uploaded artifacts.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to object names.
	Prefix string `yaml:"prefix"`

	// Region for bucket creation and signing.
	Region string `yaml:"region"`

	// UseSSL selects https endpoints.
	UseSSL bool `yaml:"use_ssl"`

	// ForcePathStyle uses path-style bucket addressing, required by most
	// self-hosted S3 implementations.
	ForcePathStyle bool `yaml:"force_path_style"`
}

// Enabled reports whether the config names a usable target.
func (c S3ExportConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// S3Exporter uploads artifacts to S3-compatible storage and hands out
// presigned download links.
type S3Exporter struct {
	client *minio.Client
	cfg    S3ExportConfig
	logger Logger

	bucketOnce sync.Once
	bucketErr  error
}

// NewS3Exporter builds an exporter for cfg. The bucket is created lazily on
// first use.
func NewS3Exporter(cfg S3ExportConfig, logger Logger) (*S3Exporter, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: missing endpoint or bucket", ErrShareUnsupported)
	}
	if logger == nil {
		logger = nopLogger{}
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Exporter{client: client, cfg: cfg, logger: logger}, nil
}

func (e *S3Exporter) ensureBucket(ctx context.Context) error {
	e.bucketOnce.Do(func() {
		exists, err := e.client.BucketExists(ctx, e.cfg.Bucket)
		if err != nil {
			e.bucketErr = fmt.Errorf("check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := e.client.MakeBucket(ctx, e.cfg.Bucket, minio.MakeBucketOptions{Region: e.cfg.Region}); err != nil {
			e.bucketErr = fmt.Errorf("create bucket: %w", err)
		}
	})
	return e.bucketErr
}

// Share implements ArtifactExporter.
func (e *S3Exporter) Share(ctx context.Context, artifact *RecordingArtifact, expiry time.Duration) (string, error) {
	if artifact == nil || len(artifact.Blob) == 0 {
		return "", fmt.Errorf("%w: artifact has no blob", ErrArtifactNotFound)
	}
	if expiry <= 0 {
		expiry = DefaultShareExpiry
	}
	if expiry > maxShareExpiry {
		expiry = maxShareExpiry
	}
	if err := e.ensureBucket(ctx); err != nil {
		return "", err
	}

	objectName := artifact.Filename
	if trimmed := strings.Trim(e.cfg.Prefix, "/"); trimmed != "" {
		objectName = path.Join(trimmed, objectName)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	_, err := e.client.PutObject(uploadCtx, e.cfg.Bucket, objectName,
		bytes.NewReader(artifact.Blob), int64(len(artifact.Blob)),
		minio.PutObjectOptions{ContentType: artifact.MimeType})
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", artifact.ID, err)
	}

	params := make(url.Values)
	params.Set("response-content-disposition",
		fmt.Sprintf(`attachment; filename=%q`, artifact.Filename))
	link, err := e.client.PresignedGetObject(ctx, e.cfg.Bucket, objectName, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign artifact %s: %w", artifact.ID, err)
	}

	e.logger.Info("artifact shared",
		"id", artifact.ID, "object", objectName, "expiry", expiry)
	return link.String(), nil
}

var _ ArtifactExporter = (*S3Exporter)(nil)
