package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MaxConcurrentUploads bounds PutBatch's fan-out so a large release archive
// tree doesn't exhaust connection pools or trip provider rate limits.
const MaxConcurrentUploads = 96

// sharedHTTPClient is reused across all S3 operations to benefit from
// connection pooling and keep-alive reuse instead of dialing fresh per call.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
	},
}

// S3Config configures an S3Backend. Endpoint is left empty to use AWS S3
// itself; set it to point at a MinIO/S3-compatible endpoint for self-hosted
// deployments, in which case ForcePathStyle is usually also required.
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// S3Backend implements Blobs against an AWS S3 or S3-compatible bucket.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Backend constructs an S3Backend from S3Config, wiring a custom
// endpoint resolver only when cfg.Endpoint is set so that plain AWS usage
// goes through the SDK's normal region-based resolution.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region), awsconfig.WithHTTPClient(sharedHTTPClient))

	if cfg.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})
		optFns = append(optFns, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// EnsureBucket creates the backend's bucket if it does not already exist.
func (b *S3Backend) EnsureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Put uploads content, tagging the object with an md5 digest stored as
// metadata so Exists/Get callers can verify integrity without re-reading the
// whole object, and returns that digest as the content-hash ETag.
func (b *S3Backend) Put(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, size+1))
	if err != nil {
		return "", fmt.Errorf("read body for %s: %w", key, err)
	}
	digest := md5.Sum(data)
	etag := hex.EncodeToString(digest[:])

	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{"content-md5": etag},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return etag, nil
}

// PutBatch uploads items concurrently, bounded by MaxConcurrentUploads.
func (b *S3Backend) PutBatch(ctx context.Context, items []PutRequest) []PutResult {
	results := make([]PutResult, len(items))
	sem := make(chan struct{}, MaxConcurrentUploads)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item PutRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			etag, err := b.Put(ctx, item.Key, item.Body, item.Size)
			results[i] = PutResult{Key: item.Key, ETag: etag, Success: err == nil, Err: err}
		}(i, item)
	}

	wg.Wait()
	return results
}

// Get retrieves the full object and its metadata.
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", key, err)
	}

	info := ObjectInfo{Key: key, ETag: out.Metadata["content-md5"]}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.Unix()
	}
	return out.Body, info, nil
}

// GetRange retrieves a byte range of the object, the mechanism the Archive
// Engine uses to serve a single rustdoc page out of a full release archive
// without downloading it in its entirety.
func (b *S3Backend) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, fmt.Errorf("get range %s %s: %w", key, rangeHeader, err)
	}
	return out.Body, nil
}

// Exists checks object presence via HeadObject without transferring the body.
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	type notFounder interface{ ErrorCode() string }
	if nf, ok := err.(notFounder); ok {
		return nf.ErrorCode() == "NotFound" || nf.ErrorCode() == "NoSuchKey"
	}
	return false
}

// ListPrefix lists every object sharing a prefix, paging through continuation
// tokens until exhausted.
func (b *S3Backend) ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo
	var token *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list prefix %s: %w", prefix, err)
		}

		for _, obj := range out.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = obj.LastModified.Unix()
			}
			results = append(results, info)
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	return results, nil
}

// DeletePrefix removes every object sharing a prefix via batched
// DeleteObjects calls (1000 keys per request, the S3 API limit).
func (b *S3Backend) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := b.ListPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}

	const batchSize = 1000
	for start := 0; start < len(objects); start += batchSize {
		end := start + batchSize
		if end > len(objects) {
			end = len(objects)
		}

		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(obj.Key)})
		}

		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids},
		})
		if err != nil {
			return fmt.Errorf("delete objects under %s: %w", prefix, err)
		}
	}

	return nil
}

// CalculateMD5 streams content through crypto/md5 without loading it entirely
// into memory, used when building a Put request for a large archive already
// written to the Archive Engine's local cache.
func CalculateMD5(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
