// Package s3 provides an S3-compatible blob store for xgate (AWS S3, R2,
// MinIO).
//
// Adapter name: "s3"
//
// Config keys:
// - bucket (required), region (default "us-east-1"), endpoint
// - access_key_id, secret_access_key: static credentials; the default AWS
//   credential chain is used when both are empty
// - force_path_style (default false)
// - public_base_url: base of returned URLs (default endpoint/bucket)
// - presign_ttl: when set, Upload returns a presigned GET URL instead
// - acl: canned ACL applied to uploads
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/trickstertwo/xgate"
)

const AdapterName = "s3"

func init() {
	if err := xgate.RegisterBlobStore(AdapterName, func(cfg map[string]any) (xgate.BlobStore, error) {
		return New(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate: failed to register blob store %q: %w", AdapterName, err))
	}
}

// Config for the S3 blob store.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	PublicBaseURL   string
	PresignTTL      time.Duration
	ACL             string
}

// Defaults returns the defaults.
func Defaults() Config {
	return Config{Region: "us-east-1"}
}

// Validate checks Config.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("config: bucket required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("config: access_key_id and secret_access_key must be set together")
	}
	if c.PresignTTL < 0 {
		return fmt.Errorf("config: presign_ttl must be >= 0, got %v", c.PresignTTL)
	}
	return nil
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	str := func(k string, dst *string) {
		if v, ok := m[k].(string); ok && v != "" {
			*dst = v
		}
	}
	str("bucket", &c.Bucket)
	str("region", &c.Region)
	str("endpoint", &c.Endpoint)
	str("access_key_id", &c.AccessKeyID)
	str("secret_access_key", &c.SecretAccessKey)
	str("public_base_url", &c.PublicBaseURL)
	str("acl", &c.ACL)
	if v, ok := m["force_path_style"].(bool); ok {
		c.ForcePathStyle = v
	}
	switch v := m["presign_ttl"].(type) {
	case time.Duration:
		c.PresignTTL = v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			c.PresignTTL = d
		}
	}
	return c
}

// BlobStore uploads objects with the s3manager uploader.
type BlobStore struct {
	cfg      Config
	uploader s3manageriface.UploaderAPI
	client   *awss3.S3
}

var _ xgate.BlobStore = (*BlobStore)(nil)

// New creates a session from cfg. No request is sent until Upload.
func New(cfg Config) (*BlobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3: create session: %w", err)
	}
	return &BlobStore{cfg: cfg, uploader: s3manager.NewUploader(sess), client: awss3.New(sess)}, nil
}

// WithUploader replaces the uploader, e.g. with a fake in tests.
func (b *BlobStore) WithUploader(u s3manageriface.UploaderAPI) *BlobStore {
	b.uploader = u
	return b
}

func (b *BlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	in := &s3manager.UploadInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if b.cfg.ACL != "" {
		in.ACL = aws.String(b.cfg.ACL)
	}
	out, err := b.uploader.UploadWithContext(ctx, in)
	if err != nil {
		return "", fmt.Errorf("s3: upload %s: %w", key, err)
	}

	switch {
	case b.cfg.PresignTTL > 0:
		return b.presign(key)
	case b.cfg.PublicBaseURL != "":
		return strings.TrimRight(b.cfg.PublicBaseURL, "/") + "/" + key, nil
	case b.cfg.Endpoint != "":
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(b.cfg.Endpoint, "/"), b.cfg.Bucket, key), nil
	default:
		return out.Location, nil
	}
}

func (b *BlobStore) presign(key string) (string, error) {
	req, _ := b.client.GetObjectRequest(&awss3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	u, err := req.Presign(b.cfg.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("s3: presign %s: %w", key, err)
	}
	return u, nil
}
