package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/types"
)

// S3Config holds the S3-compatible bucket settings.
type S3Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	UseSSL         bool
	Prefix         string
	BandwidthLimit int64

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// S3Deliverer uploads the artifact with a single PutObject.
type S3Deliverer struct {
	config S3Config
	logger *logging.Logger
	client *minio.Client
}

// NewS3Deliverer creates a deliverer bound to cfg.Bucket.
func NewS3Deliverer(cfg S3Config, logger *logging.Logger) (*S3Deliverer, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Deliverer{config: cfg, logger: logger, client: client}, nil
}

// Name returns the deliverer name
func (s *S3Deliverer) Name() string {
	return "s3"
}

// ObjectKey returns the key the artifact is stored under.
func (s *S3Deliverer) ObjectKey(artifactPath string) string {
	name := filepath.Base(artifactPath)
	if s.config.Prefix == "" {
		return name
	}
	return path.Join(s.config.Prefix, name)
}

// Deliver uploads the artifact; the caption travels as object metadata.
func (s *S3Deliverer) Deliver(ctx context.Context, artifact types.Artifact, caption string) (*Receipt, error) {
	start := time.Now()

	file, err := os.Open(artifact.Path)
	if err != nil {
		return nil, s.fail(fmt.Errorf("open artifact: %w", err))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, s.fail(fmt.Errorf("stat artifact: %w", err))
	}

	key := s.ObjectKey(artifact.Path)
	s.logger.Debug("Uploading %s to s3://%s/%s", filepath.Base(artifact.Path), s.config.Bucket, key)

	upload, err := s.client.PutObject(ctx, s.config.Bucket, key,
		throttle(ctx, file, s.config.BandwidthLimit), info.Size(),
		minio.PutObjectOptions{
			ContentType:      "application/octet-stream",
			DisableMultipart: true,
			UserMetadata: map[string]string{
				"artifact-kind": string(artifact.Kind),
				"caption":       base64.StdEncoding.EncodeToString([]byte(caption)),
			},
		})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		return nil, &Error{Method: s.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", redact(err.Error(), s.config.SecretKey))}
	}

	return &Receipt{
		Success:   true,
		Method:    s.Name(),
		Reference: fmt.Sprintf("%s/%s@%s", upload.Bucket, upload.Key, upload.ETag),
		Caption:   caption,
		Bytes:     upload.Size,
		Duration:  time.Since(start),
	}, nil
}

func (s *S3Deliverer) fail(err error) error {
	return &Error{Method: s.Name(), Err: err}
}
