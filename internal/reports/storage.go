// Package reports stores uploaded psychometric report files.
package reports

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Storage persists report files and returns a reference URL for them.
type Storage interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
}

// ObjectKey builds a unique key for a user's report, keeping the file extension.
func ObjectKey(userID int64, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return "psychometric/" + strconv.FormatInt(userID, 10) + "/" + uuid.NewString() + ext
}

// LocalStorage writes reports below a directory on disk.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the directory if needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports directory: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

// Save writes data to dir/key and returns its path.
func (s *LocalStorage) Save(_ context.Context, key string, data []byte) (string, error) {
	clean := filepath.Clean("/" + key)
	dst := filepath.Join(s.dir, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return dst, nil
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Storage uploads reports to an S3-compatible bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage creates an S3Storage. A custom endpoint switches to path-style addressing.
func NewS3Storage(cfg S3Config) *S3Storage {
	opts := s3.Options{
		Region: cfg.Region,
	}
	if opts.Region == "" {
		opts.Region = "auto"
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3Storage{client: s3.New(opts), bucket: cfg.Bucket}
}

// Save uploads data under key and returns an s3:// URL.
func (s *S3Storage) Save(ctx context.Context, key string, data []byte) (string, error) {
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
