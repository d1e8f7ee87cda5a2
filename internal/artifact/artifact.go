// Package artifact writes analysis output to a file, stdout, or an S3
// compatible object store.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sink receives one encoded artifact.
type Sink interface {
	Write(ctx context.Context, data []byte) error
	String() string
}

// S3Config holds object store settings.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Open returns the sink for target: "-" is stdout, s3://bucket/key is an
// object, anything else is a file path.
func Open(target string, s3 S3Config, stdout io.Writer) (Sink, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "" || target == "-":
		return &FileSink{Stdout: stdout}, nil
	case strings.HasPrefix(target, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(target, "s3://"), "/")
		if !ok || bucket == "" || strings.Trim(key, "/") == "" {
			return nil, fmt.Errorf("artifact: %q needs the form s3://bucket/key", target)
		}
		return NewS3Sink(s3, bucket, key)
	}
	return &FileSink{Path: target}, nil
}

// WriteJSON encodes v as indented JSON and writes it to sink.
func WriteJSON(ctx context.Context, sink Sink, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encoding: %w", err)
	}
	return sink.Write(ctx, append(data, '\n'))
}

// FileSink writes to Path, or to Stdout when Path is empty.
type FileSink struct {
	Path   string
	Stdout io.Writer
}

func (f *FileSink) String() string {
	if f.Path == "" {
		return "stdout"
	}
	return f.Path
}

func (f *FileSink) Write(_ context.Context, data []byte) error {
	if f.Path == "" {
		w := f.Stdout
		if w == nil {
			w = os.Stdout
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("artifact: writing stdout: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("artifact: writing %s: %w", f.Path, err)
	}
	return nil
}

// S3Sink uploads to one object key. The bucket is created on first use.
type S3Sink struct {
	client   *minio.Client
	bucket   string
	key      string
	region   string
	initOnce sync.Once
	initErr  error
}

// NewS3Sink creates a sink for bucket/key.
func NewS3Sink(cfg S3Config, bucket, key string) (*S3Sink, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("artifact: s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("artifact: s3 access key and secret key are required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: init s3 client: %w", err)
	}
	return &S3Sink{
		client: client,
		bucket: bucket,
		key:    strings.TrimLeft(key, "/"),
		region: region,
	}, nil
}

func (s *S3Sink) String() string {
	return "s3://" + s.bucket + "/" + s.key
}

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Sink) Write(ctx context.Context, data []byte) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("artifact: ensure bucket: %w", err)
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("artifact: uploading %s: %w", s, err)
	}
	return nil
}
