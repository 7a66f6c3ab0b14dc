// Package storage wraps an S3-compatible bucket for valetkey.
//
// The same type serves the primary bucket that holds uploaded objects and
// the secondary bucket that receives replicated copies; Name distinguishes
// them in metrics and logs.
//
//	primary, err := storage.New(storage.Options{
//		Name:     "primary",
//		Endpoint: "s3.amazonaws.com",
//		Bucket:   "valet-uploads",
//		UseSSL:   true,
//	})
//	info, err := primary.Stat(ctx, "user-7/report_1700000000_ab12cd34.pdf")
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nguyentanjr/file-storage-based-aws/config"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
)

// ErrObjectNotFound is returned when the key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is the metadata read from a HEAD request.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

type Options struct {
	Name      string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Debug     bool
}

// OptionsFromConfig converts a config section into Options.
func OptionsFromConfig(name string, c config.S3Config) Options {
	return Options{
		Name:      name,
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Bucket:    c.Bucket,
		UseSSL:    !c.DisableTLS,
		Debug:     c.Debug,
	}
}

type S3Storage struct {
	Client     *minio.Client
	BucketName string
	Name       string
}

func New(opts Options) (*S3Storage, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("storage %s: bucket is required", opts.Name)
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		logger.Error("Storage: Failed to initialize MinIO client", "store", opts.Name, "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if opts.Debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: opts.Bucket,
		Name:       opts.Name,
	}, nil
}

func (s *S3Storage) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		metrics.StorageOperationErrors.WithLabelValues(s.Name, op, classifyS3Error(err)).Inc()
	}
	metrics.S3OperationsTotal.WithLabelValues(s.Name, op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(s.Name, op).Observe(time.Since(start).Seconds())
}

// Stat returns the object's metadata, or ErrObjectNotFound.
func (s *S3Storage) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	start := time.Now()
	info, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			s.observe("STAT", start, nil)
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		s.observe("STAT", start, err)
		return ObjectInfo{}, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	s.observe("STAT", start, nil)
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

// Get opens a stream over the object body. The caller must close it.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	obj, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		s.observe("GET", start, err)
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, err
	}
	s.observe("GET", start, nil)
	return obj, nil
}

// Put writes size bytes from body under key, overwriting any existing object.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size, minio.PutObjectOptions{
		ContentType:    contentType,
		SendContentMd5: true,
	})
	s.observe("PUT", start, err)
	if err != nil {
		return fmt.Errorf("failed to put object %s to %s: %w", key, s.Name, err)
	}
	return nil
}

// Delete removes the object. A missing object counts as deleted.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	exists, err := s.Exists(ctx, key)
	if err != nil {
		logger.Error("Storage: Error checking existence of object", "store", s.Name, "key", key, "error", err)
		s.observe("DELETE", start, err)
		return err
	}
	if !exists {
		logger.Info("Storage: Object does not exist - skipping deletion", "store", s.Name, "key", key)
		metrics.S3OperationsTotal.WithLabelValues(s.Name, "DELETE", "skipped").Inc()
		return nil
	}
	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	s.observe("DELETE", start, err)
	return err
}

// PresignedPut returns a time-limited URL the client uploads the object to.
func (s *S3Storage) PresignedPut(ctx context.Context, key string, ttl time.Duration) (*url.URL, error) {
	u, err := s.Client.PresignedPutObject(ctx, s.BucketName, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload for %s: %w", key, err)
	}
	return u, nil
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == http.StatusNotFound || minioErr.Code == "NoSuchKey"
	}
	return false
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
