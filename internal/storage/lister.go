package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/logging"
	"github.com/stefando/uploadRelay/internal/metrics"
)

// PresignExpiry is the validity window of every URL a listing hands out.
const PresignExpiry = 3600 * time.Second

// FileInfo is one object of a listing with its time-limited access URLs.
// PathStyleURL is empty when signing failed for this key.
type FileInfo struct {
	Key            string     `json:"key"`
	PathStyleURL   string     `json:"pathStyleUrl,omitempty"`
	VirtualHostURL string     `json:"virtualHostUrl,omitempty"`
	Size           int64      `json:"size"`
	LastModified   *time.Time `json:"lastModified,omitempty"`
}

// Listing is the result of listing a whole bucket.
type Listing struct {
	Files []FileInfo
	// Incomplete is set when at least one key has no path-style URL.
	Incomplete bool
}

// Bucket describes one bucket visible to the configured credentials.
type Bucket struct {
	Name         string     `json:"name"`
	CreationDate *time.Time `json:"creationDate,omitempty"`
}

// ObjectPresigner signs GET requests. *s3.PresignClient satisfies it.
type ObjectPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ObjectAPI is the part of *s3.Client the lister needs.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// Lister enumerates buckets and objects and presigns object URLs.
type Lister struct {
	client      ObjectAPI
	pathStyle   ObjectPresigner
	virtualHost ObjectPresigner
}

// NewLister creates a lister. virtualHost may be nil to skip virtual-host URLs.
func NewLister(client ObjectAPI, pathStyle, virtualHost ObjectPresigner) *Lister {
	return &Lister{
		client:      client,
		pathStyle:   pathStyle,
		virtualHost: virtualHost,
	}
}

func presignGet(ctx context.Context, p ObjectPresigner, bucket, key string) (string, error) {
	req, err := p.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(PresignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// List returns every object in bucket, following continuation tokens until
// the store reports no more pages. A key whose URL cannot be signed stays in
// the listing without a URL and marks the listing incomplete.
func (l *Lister) List(ctx context.Context, bucket string) (*Listing, error) {
	start := time.Now()
	logger := logging.WithContext(ctx)

	listing := &Listing{Files: []FileInfo{}}
	paginator := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list objects in %s: %w", bucket, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" {
				continue
			}

			info := FileInfo{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			}

			url, err := presignGet(ctx, l.pathStyle, bucket, key)
			if err != nil {
				logger.Warn("path-style presign failed", zap.String("key", key), zap.Error(err))
				metrics.RecordPresignFailure("path")
				listing.Incomplete = true
			} else {
				info.PathStyleURL = url
			}

			if l.virtualHost != nil {
				if url, err := presignGet(ctx, l.virtualHost, bucket, key); err != nil {
					logger.Warn("virtual-host presign failed", zap.String("key", key), zap.Error(err))
					metrics.RecordPresignFailure("virtual_host")
				} else {
					info.VirtualHostURL = url
				}
			}

			listing.Files = append(listing.Files, info)
		}
	}

	metrics.RecordS3Operation("list_objects", time.Since(start), true)
	logger.Debug("listed bucket",
		zap.String("bucket", bucket),
		zap.Int("objects", len(listing.Files)),
		zap.Bool("incomplete", listing.Incomplete))

	return listing, nil
}

// URL presigns a single key, for opening one object on demand.
func (l *Lister) URL(ctx context.Context, bucket, key string) (string, error) {
	return presignGet(ctx, l.pathStyle, bucket, key)
}

// Buckets lists all buckets, following continuation tokens.
func (l *Lister) Buckets(ctx context.Context) ([]Bucket, error) {
	start := time.Now()
	buckets := []Bucket{}

	input := &s3.ListBucketsInput{}
	for {
		out, err := l.client.ListBuckets(ctx, input)
		if err != nil {
			metrics.RecordS3Operation("list_buckets", time.Since(start), false)
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		for _, b := range out.Buckets {
			buckets = append(buckets, Bucket{
				Name:         aws.ToString(b.Name),
				CreationDate: b.CreationDate,
			})
		}
		if aws.ToString(out.ContinuationToken) == "" {
			break
		}
		input = &s3.ListBucketsInput{ContinuationToken: out.ContinuationToken}
	}

	metrics.RecordS3Operation("list_buckets", time.Since(start), true)
	return buckets, nil
}
