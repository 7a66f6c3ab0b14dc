package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers HEAD and DELETE for a fixed set of keys.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]int64
	deleted []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// path-style: /bucket/key
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) != 2 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key := parts[1]
	size, ok := f.objects[key]

	switch r.Method {
	case http.MethodHead:
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(size))
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", time.Unix(1700000000, 0).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		f.deleted = append(f.deleted, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStorage(t *testing.T, objects map[string]int64) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: objects}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(Options{
		Name:      "primary",
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "testsecret",
		Bucket:    "uploads",
	})
	require.NoError(t, err)
	return s, fake
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Options{Name: "secondary"})
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	s, _ := newTestStorage(t, map[string]int64{"user-7/report.pdf": 2048})

	info, err := s.Stat(context.Background(), "user-7/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), info.Size)
	assert.Equal(t, "application/pdf", info.ContentType)

	_, err = s.Stat(context.Background(), "user-7/missing.pdf")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestExists(t *testing.T) {
	s, _ := newTestStorage(t, map[string]int64{"a": 1})

	ok, err := s.Exists(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, fake := newTestStorage(t, map[string]int64{"a": 1})

	require.NoError(t, s.Delete(context.Background(), "a"))
	require.NoError(t, s.Delete(context.Background(), "a"))
	assert.Equal(t, []string{"a"}, fake.deleted)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: 404}))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", minio.ErrorResponse{Code: "NoSuchKey"})))
	assert.False(t, isNotFound(minio.ErrorResponse{StatusCode: 500}))
	assert.False(t, isNotFound(errors.New("boom")))
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("op: %w", context.Canceled), "canceled"},
		{errors.New("AccessDenied: nope"), "access_denied"},
		{errors.New("NoSuchKey"), "not_found"},
		{errors.New("SlowDown please"), "throttled"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("weird"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyS3Error(tt.err))
	}
}
