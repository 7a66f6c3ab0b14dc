// Package resilient puts circuit breakers in front of object storage so a
// bucket that is down fails fast instead of tying up replication workers for
// every retry.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/circuitbreaker"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
	"github.com/nguyentanjr/file-storage-based-aws/storage"
)

// Backend is the object store being guarded, typically *storage.S3Storage.
type Backend interface {
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// BreakerConfig tunes the breakers of one Storage.
type BreakerConfig struct {
	Threshold   uint32
	OpenTimeout time.Duration
}

// Storage guards reads and writes with separate breakers, so a bucket that
// refuses writes can still serve reads.
type Storage struct {
	backend Backend
	name    string
	read    *circuitbreaker.CircuitBreaker
	write   *circuitbreaker.CircuitBreaker
}

func NewStorage(name string, backend Backend, cfg BreakerConfig) *Storage {
	s := &Storage{backend: backend, name: name}
	s.read = newBreaker(name+"_read", cfg)
	s.write = newBreaker(name+"_write", cfg)
	return s
}

func newBreaker(name string, cfg BreakerConfig) *circuitbreaker.CircuitBreaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(circuitbreaker.Settings{
		Name:        name,
		Threshold:   cfg.Threshold,
		OpenTimeout: cfg.OpenTimeout,
		IsFailure:   isBackendFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Storage: circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// isBackendFailure ignores answers that prove the bucket is reachable and
// cancellations that say nothing about it.
func isBackendFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, storage.ErrObjectNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func (s *Storage) guard(cb *circuitbreaker.CircuitBreaker, fn func() error) error {
	err := cb.Execute(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerRejections.WithLabelValues(cb.Name()).Inc()
		return fmt.Errorf("%s storage unavailable: %w", s.name, err)
	}
	return err
}

func (s *Storage) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	var info storage.ObjectInfo
	err := s.guard(s.read, func() error {
		var err error
		info, err = s.backend.Stat(ctx, key)
		return err
	})
	return info, err
}

func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.guard(s.read, func() error {
		var err error
		rc, err = s.backend.Get(ctx, key)
		return err
	})
	return rc, err
}

func (s *Storage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return s.guard(s.write, func() error {
		return s.backend.Put(ctx, key, body, size, contentType)
	})
}

// ReadState and WriteState report the breaker states, for health output.
func (s *Storage) ReadState() circuitbreaker.State  { return s.read.State() }
func (s *Storage) WriteState() circuitbreaker.State { return s.write.State() }
