// Package s3 stores node blobs in an S3 compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/internal/storage"
)

const backendName = "s3"

// Config configures the bucket a Store writes to.
type Config struct {
	Endpoint  string `json:"endpoint" koanf:"endpoint"`
	Bucket    string `json:"bucket" koanf:"bucket"`
	Region    string `json:"region" koanf:"region"`
	AccessKey string `json:"access_key" koanf:"access_key"`
	SecretKey string `json:"secret_key" koanf:"secret_key"`
	Prefix    string `json:"prefix" koanf:"prefix"`
}

// Store implements storage.DataStore on S3. Objects are keyed
// {prefix}/{fileSystem}/{nodeID}/{dataName}; node existence is not checked,
// so a Store can hold the blobs of a tree kept elsewhere.
type Store struct {
	client     *s3.Client
	bucket     string
	prefix     string
	fileSystem string
}

// New wraps an existing client.
func New(client *s3.Client, bucket, prefix, fileSystem string) *Store {
	return &Store{
		client:     client,
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		fileSystem: fileSystem,
	}
}

// NewFromConfig builds a client for cfg and makes sure the bucket exists.
func NewFromConfig(ctx context.Context, cfg Config, fileSystem string) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, storage.MissingConfiguration("bucket", "store blobs in S3")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	s := New(client, cfg.Bucket, cfg.Prefix, fileSystem)
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	done := metrics.ObserveBackendOp(backendName, "head_bucket")
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	done(err)
	if err == nil {
		return nil
	}

	done = metrics.ObserveBackendOp(backendName, "create_bucket")
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	done(err)
	if err != nil {
		return fmt.Errorf("%w: bucket %s does not exist and cannot be created: %v", storage.ErrUnavailable, s.bucket, err)
	}
	logging.Info("created S3 bucket", zap.String("bucket", s.bucket))
	return nil
}

func (s *Store) nodePrefix(id string) string {
	return path.Join(s.prefix, s.fileSystem, id) + "/"
}

func (s *Store) key(id, dataName string) string {
	return s.nodePrefix(id) + url.PathEscape(dataName)
}

// ReadBlob streams an object. The caller closes the reader.
func (s *Store) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	done := metrics.ObserveBackendOp(backendName, "get_object")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id, dataName)),
	})
	if err != nil {
		done(err)
		if isNotFound(err) {
			return nil, storage.NewNodeError("ReadBlob", id, fmt.Errorf("%w: no data %q", storage.ErrNotFound, dataName))
		}
		return nil, storage.NewNodeError("ReadBlob", id, err)
	}
	done(nil)
	return out.Body, nil
}

// WriteBlob buffers r and uploads it, replacing any previous content.
func (s *Store) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.NewNodeError("WriteBlob", id, err)
	}

	done := metrics.ObserveBackendOp(backendName, "put_object")
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id, dataName)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	done(err)
	if err != nil {
		return storage.NewNodeError("WriteBlob", id, err)
	}

	logging.Debug("S3 put object",
		zap.String("node_id", id),
		zap.String("data_name", dataName),
		zap.Int("size", len(data)))
	return nil
}

// RemoveData deletes an object. DeleteObject does not report whether the key
// existed, so the object is looked up first.
func (s *Store) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	key := s.key(id, dataName)

	done := metrics.ObserveBackendOp(backendName, "head_object")
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			done(nil)
			return false, nil
		}
		done(err)
		return false, storage.NewNodeError("RemoveData", id, err)
	}
	done(nil)

	done = metrics.ObserveBackendOp(backendName, "delete_object")
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	done(err)
	if err != nil {
		return false, storage.NewNodeError("RemoveData", id, err)
	}
	return true, nil
}

// DataNames lists the blobs stored under a node.
func (s *Store) DataNames(ctx context.Context, id string) ([]string, error) {
	prefix := s.nodePrefix(id)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	names := []string{}
	for paginator.HasMorePages() {
		done := metrics.ObserveBackendOp(backendName, "list_objects")
		page, err := paginator.NextPage(ctx)
		done(err)
		if err != nil {
			return nil, storage.NewNodeError("DataNames", id, err)
		}
		for _, obj := range page.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if rest == "" || strings.Contains(rest, "/") {
				continue
			}
			name, err := url.PathUnescape(rest)
			if err != nil {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for S3 stores.
func (s *Store) Close() error { return nil }

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
