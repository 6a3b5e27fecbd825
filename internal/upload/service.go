// Package upload writes browser uploads straight to the object store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/logging"
	"github.com/stefando/uploadRelay/internal/metrics"
)

var (
	ErrNoFile   = errors.New("no file uploaded")
	ErrNoBucket = errors.New("bucket is required")
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// File is one uploaded file. Body should be seekable so the SDK can sign
// the payload without buffering it.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadService handles synchronous uploads to S3
type UploadService struct {
	s3Client putObjectAPI
}

// NewUploadService creates a new upload service with the provided S3 client
func NewUploadService(s3Client putObjectAPI) *UploadService {
	return &UploadService{s3Client: s3Client}
}

// ObjectKey joins the destination prefix and the base name of the uploaded
// file. A file without a usable name gets a random one.
func ObjectKey(prefix, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = uuid.NewString()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}

// UploadFile stores f under prefix in bucket and returns the object key.
func (s *UploadService) UploadFile(ctx context.Context, bucket, prefix string, f *File) (string, error) {
	if f == nil || f.Body == nil {
		return "", ErrNoFile
	}
	if strings.TrimSpace(bucket) == "" {
		return "", ErrNoBucket
	}

	key := ObjectKey(prefix, f.Name)
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f.Body,
		ContentType: aws.String(contentType),
	}
	if f.Size > 0 {
		input.ContentLength = aws.Int64(f.Size)
	}

	start := time.Now()
	_, err := s.s3Client.PutObject(ctx, input)
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}

	logging.WithContext(ctx).Info("file uploaded",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("size", f.Size))

	return key, nil
}
