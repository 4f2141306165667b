package provider

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ensure interface is implemented
var _ Source = (*S3Source)(nil)

type s3FileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (f *s3FileInfo) Name() string       { return f.name }
func (f *s3FileInfo) Size() int64        { return f.size }
func (f *s3FileInfo) ModTime() time.Time { return f.modTime }

// S3Source reads dataset files out of an S3 bucket. Chunks map onto ranged
// GetObject calls, so a terabyte object is never pulled through a single
// stream.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source creates a new S3Source for the given bucket and key prefix.
func NewS3Source(ctx context.Context, bucket, prefix string) (*S3Source, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &S3Source{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewS3SourceWithClient creates an S3Source around an existing client,
// used by tests and callers with custom endpoint configuration.
func NewS3SourceWithClient(client *s3.Client, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

// buildKey constructs the full S3 key based on the source's prefix
func (p *S3Source) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

// Stat returns the FileInfo for the given key.
func (p *S3Source) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	headOut, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	var modTime time.Time
	if headOut.LastModified != nil {
		modTime = *headOut.LastModified
	}
	var size int64
	if headOut.ContentLength != nil {
		size = *headOut.ContentLength
	}

	return &s3FileInfo{
		name:    path.Base(key),
		size:    size,
		modTime: modTime,
	}, nil
}

// OpenRange fetches [off, off+length) of the object with a Range request.
func (p *S3Source) OpenRange(ctx context.Context, pth string, off, length int64) (io.ReadCloser, error) {
	key := p.buildKey(pth)

	if length == 0 {
		// S3 rejects empty ranges; there is nothing to fetch anyway.
		return io.NopCloser(strings.NewReader("")), nil
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read range of %q: %w", pth, err)
	}
	return out.Body, nil
}
