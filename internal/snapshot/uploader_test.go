package snapshot

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hyperengineering/replicator/internal/config"
)

// recordingClient implements s3Client and remembers the last call.
type recordingClient struct {
	putErr     error
	presignErr error

	bucket      string
	key         string
	body        []byte
	contentType string
	expiry      time.Duration
}

func (c *recordingClient) PutObject(ctx context.Context, bucket, objectName string, body []byte, contentType string) error {
	c.bucket, c.key, c.body, c.contentType = bucket, objectName, body, contentType
	return c.putErr
}

func (c *recordingClient) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	c.bucket, c.key, c.expiry = bucket, objectName, expiry
	if c.presignErr != nil {
		return nil, c.presignErr
	}
	return url.Parse("https://objects.example.com/" + bucket + "/" + objectName + "?sig=x")
}

func newTestUploader(c *recordingClient, prefix string) *S3Uploader {
	return &S3Uploader{client: c, bucket: "exports", prefix: prefix, urlExpiry: 10 * time.Minute}
}

func TestNewUploader(t *testing.T) {
	// Given no bucket, export is disabled
	u, err := NewUploader(config.ExportConfig{})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Fatalf("empty bucket: got %T, want *NoopUploader", u)
	}

	// Given a bucket, the prefix is trimmed and the default expiry applies
	u, err = NewUploader(config.ExportConfig{
		Bucket:    "exports",
		Prefix:    "/site-a/replicator/",
		Endpoint:  "http://localhost:9000",
		AccessKey: "key",
		SecretKey: "secret",
	})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	s3u, ok := u.(*S3Uploader)
	if !ok {
		t.Fatalf("got %T, want *S3Uploader", u)
	}
	if s3u.bucket != "exports" || s3u.prefix != "site-a/replicator" || s3u.urlExpiry != DefaultURLExpiry {
		t.Errorf("uploader = bucket %q prefix %q expiry %v", s3u.bucket, s3u.prefix, s3u.urlExpiry)
	}
}

func TestNoopUploader(t *testing.T) {
	u := &NoopUploader{}
	if err := u.Upload(context.Background(), "state.json", []byte("{}"), "application/json"); err != nil {
		t.Errorf("Upload() error = %v, want nil", err)
	}
	if _, _, err := u.PresignedURL(context.Background(), "state.json"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("PresignedURL() error = %v, want ErrNotConfigured", err)
	}
}

func TestS3Uploader_Upload(t *testing.T) {
	t.Run("stores the document under the prefix", func(t *testing.T) {
		c := &recordingClient{}
		body := []byte(`{"watermark":105,"running":false}`)

		if err := newTestUploader(c, "site-a").Upload(context.Background(), "state.json", body, "application/json"); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if c.bucket != "exports" || c.key != "site-a/state.json" {
			t.Errorf("object = %s/%s", c.bucket, c.key)
		}
		if string(c.body) != string(body) || c.contentType != "application/json" {
			t.Errorf("body = %q, content type = %q", c.body, c.contentType)
		}
	})

	t.Run("wraps storage failures", func(t *testing.T) {
		cause := errors.New("connection reset")
		c := &recordingClient{putErr: cause}

		err := newTestUploader(c, "").Upload(context.Background(), "state.json", nil, "application/json")
		if !errors.Is(err, cause) {
			t.Errorf("Upload() error = %v, want wrapped %v", err, cause)
		}
	})
}

func TestS3Uploader_PresignedURL(t *testing.T) {
	t.Run("signs the prefixed key", func(t *testing.T) {
		c := &recordingClient{}
		before := time.Now()

		got, expiry, err := newTestUploader(c, "site-a").PresignedURL(context.Background(), "state.json")
		if err != nil {
			t.Fatalf("PresignedURL() error = %v", err)
		}
		if got != "https://objects.example.com/exports/site-a/state.json?sig=x" {
			t.Errorf("url = %q", got)
		}
		if c.expiry != 10*time.Minute {
			t.Errorf("requested expiry = %v", c.expiry)
		}
		if expiry.Before(before.Add(10*time.Minute)) || expiry.After(time.Now().Add(10*time.Minute)) {
			t.Errorf("expiry = %v, want ten minutes from now", expiry)
		}
	})

	t.Run("wraps signing failures", func(t *testing.T) {
		cause := errors.New("access denied")
		c := &recordingClient{presignErr: cause}

		if _, _, err := newTestUploader(c, "").PresignedURL(context.Background(), "state.json"); !errors.Is(err, cause) {
			t.Errorf("PresignedURL() error = %v, want wrapped %v", err, cause)
		}
	})
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		endpoint string
		wantHost string
		wantSSL  bool
	}{
		{"objects.example.com", "objects.example.com", true},
		{"minio:9000", "minio:9000", true},
		{"https://objects.example.com:443", "objects.example.com:443", true},
		{"http://localhost:9000", "localhost:9000", false},
	}

	for _, tt := range tests {
		ssl := true
		if got := stripScheme(tt.endpoint, &ssl); got != tt.wantHost || ssl != tt.wantSSL {
			t.Errorf("stripScheme(%q) = %q ssl %v, want %q ssl %v", tt.endpoint, got, ssl, tt.wantHost, tt.wantSSL)
		}
	}
}

func TestS3Uploader_ObjectKey(t *testing.T) {
	tests := map[string]string{
		"":                  "state.json",
		"site-a":            "site-a/state.json",
		"org/site-a/export": "org/site-a/export/state.json",
	}
	for prefix, want := range tests {
		u := &S3Uploader{prefix: prefix}
		if got := u.objectKey("state.json"); got != want {
			t.Errorf("objectKey with prefix %q = %q, want %q", prefix, got, want)
		}
	}
}
