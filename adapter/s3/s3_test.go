package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	inputs []*s3manager.UploadInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3manager.UploadOutput{Location: "https://bucket.s3.amazonaws.com/" + aws.StringValue(in.Key)}, nil
}

func newStore(t *testing.T, cfg Config) (*BlobStore, *fakeUploader) {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)
	f := &fakeUploader{}
	b.WithUploader(f)
	return b, f
}

func TestConfig(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"bucket":           "records",
		"endpoint":         "http://minio:9000",
		"force_path_style": true,
		"presign_ttl":      "15m",
	})
	assert.Equal(t, "records", c.Bucket)
	assert.Equal(t, "us-east-1", c.Region)
	assert.True(t, c.ForcePathStyle)
	assert.Equal(t, 15*time.Minute, c.PresignTTL)
	require.NoError(t, c.Validate())

	require.Error(t, Defaults().Validate())
	require.Error(t, Config{Bucket: "b", AccessKeyID: "only-half"}.Validate())
}

func TestUpload_EndpointURL(t *testing.T) {
	b, f := newStore(t, Config{
		Bucket: "records", Region: "auto", Endpoint: "http://minio:9000/",
		AccessKeyID: "AKID", SecretAccessKey: "SECRET", ForcePathStyle: true, ACL: "private",
	})

	url, err := b.Upload(context.Background(), "records/dev-1/7", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/records/records/dev-1/7", url)

	require.Len(t, f.inputs, 1)
	assert.Equal(t, "image/jpeg", aws.StringValue(f.inputs[0].ContentType))
	assert.Equal(t, "private", aws.StringValue(f.inputs[0].ACL))
	assert.Equal(t, []byte("jpeg"), f.bodies[0])
}

func TestUpload_PublicBaseAndLocation(t *testing.T) {
	b, _ := newStore(t, Config{Bucket: "records", Region: "eu-west-1", PublicBaseURL: "https://cdn.example.com/", AccessKeyID: "a", SecretAccessKey: "b"})
	url, err := b.Upload(context.Background(), "k", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/k", url)

	b, _ = newStore(t, Config{Bucket: "records", Region: "eu-west-1", AccessKeyID: "a", SecretAccessKey: "b"})
	url, err = b.Upload(context.Background(), "k", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.s3.amazonaws.com/k", url)
}

func TestUpload_Presigned(t *testing.T) {
	b, _ := newStore(t, Config{
		Bucket: "records", Region: "us-east-1", AccessKeyID: "AKID", SecretAccessKey: "SECRET",
		PresignTTL: 10 * time.Minute,
	})
	url, err := b.Upload(context.Background(), "records/dev-1/9", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.Contains(t, url, "records/dev-1/9")
	assert.True(t, strings.Contains(url, "X-Amz-Signature="))
}

func TestUpload_Error(t *testing.T) {
	b, f := newStore(t, Config{Bucket: "records", AccessKeyID: "a", SecretAccessKey: "b"})
	f.err = errors.New("SlowDown")
	_, err := b.Upload(context.Background(), "k", []byte("x"), "text/plain")
	require.ErrorIs(t, err, f.err)
}
