package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockUsageSource struct {
	calls     atomic.Int32
	sumFunc   func(ctx context.Context, userID int64) (int64, error)
	quotaFunc func(ctx context.Context, userID int64) (*int64, error)
}

func (m *mockUsageSource) SumStorageUsed(ctx context.Context, userID int64) (int64, error) {
	m.calls.Add(1)
	return m.sumFunc(ctx, userID)
}

func (m *mockUsageSource) GetStorageQuota(ctx context.Context, userID int64) (*int64, error) {
	if m.quotaFunc == nil {
		return nil, nil
	}
	return m.quotaFunc(ctx, userID)
}

func fixedUsage(used int64) *mockUsageSource {
	return &mockUsageSource{
		sumFunc: func(ctx context.Context, userID int64) (int64, error) { return used, nil },
	}
}

func quotaOf(n int64) func(context.Context, int64) (*int64, error) {
	return func(context.Context, int64) (*int64, error) { return &n, nil }
}

func TestGetUsedBytesCaches(t *testing.T) {
	src := fixedUsage(1234)
	c := New(src, 10, time.Minute, 0)

	for i := 0; i < 3; i++ {
		used, err := c.GetUsedBytes(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, int64(1234), used)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestInvalidateForcesReload(t *testing.T) {
	var used atomic.Int64
	used.Store(100)
	src := &mockUsageSource{
		sumFunc: func(ctx context.Context, userID int64) (int64, error) { return used.Load(), nil },
	}
	c := New(src, 10, time.Minute, 0)

	got, err := c.GetUsedBytes(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)

	used.Store(300)
	c.Invalidate(7)

	got, err = c.GetUsedBytes(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got)

	used.Store(50)
	c.InvalidateAll()

	got, err = c.GetUsedBytes(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestInvalidateDuringLoadDoesNotCacheStaleSum(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)

	src := &mockUsageSource{
		sumFunc: func(ctx context.Context, userID int64) (int64, error) {
			if first.CompareAndSwap(true, false) {
				close(started)
				<-release
				return 100, nil
			}
			return 200, nil
		},
	}
	c := New(src, 10, time.Minute, 0)

	done := make(chan int64)
	go func() {
		used, _ := c.GetUsedBytes(context.Background(), 7)
		done <- used
	}()

	<-started
	c.Invalidate(7)
	close(release)
	assert.Equal(t, int64(100), <-done)

	got, err := c.GetUsedBytes(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got, "stale sum must not survive the invalidation")
}

func TestConcurrentMissesShareOneQuery(t *testing.T) {
	release := make(chan struct{})
	src := &mockUsageSource{
		sumFunc: func(ctx context.Context, userID int64) (int64, error) {
			<-release
			return 42, nil
		},
	}
	c := New(src, 10, time.Minute, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			used, err := c.GetUsedBytes(context.Background(), 9)
			assert.NoError(t, err)
			assert.Equal(t, int64(42), used)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestGetUsedBytesError(t *testing.T) {
	src := &mockUsageSource{
		sumFunc: func(ctx context.Context, userID int64) (int64, error) { return 0, errors.New("db down") },
	}
	c := New(src, 10, time.Minute, 0)

	_, err := c.GetUsedBytes(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	_, err = c.GetUsedBytes(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "errors are not cached")
}

func TestHasSpace(t *testing.T) {
	src := fixedUsage(900)
	src.quotaFunc = quotaOf(1000)
	c := New(src, 10, time.Minute, 0)

	ok, err := c.HasSpace(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.True(t, ok, "exactly filling the quota is allowed")

	ok, err = c.HasSpace(context.Background(), 1, 101)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultLimitWhenQuotaUnset(t *testing.T) {
	c := New(fixedUsage(0), 10, time.Minute, 0)

	limit, err := c.Limit(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1073741824), limit)

	ok, err := c.HasSpace(context.Background(), 1, DefaultLimit+1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemainingNeverNegative(t *testing.T) {
	src := fixedUsage(1500)
	src.quotaFunc = quotaOf(1000)
	c := New(src, 10, time.Minute, 0)

	rem, err := c.Remaining(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rem)

	src2 := fixedUsage(250)
	src2.quotaFunc = quotaOf(1000)
	rem, err = New(src2, 10, time.Minute, 0).Remaining(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(750), rem)
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:                  "0 B",
		512:                "512.00 B",
		1024:               "1.00 KB",
		1536:               "1.50 KB",
		1048576:            "1.00 MB",
		1073741824:         "1.00 GB",
		1099511627776:      "1.00 TB",
		1099511627776 * 10: "10.00 TB",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatBytes(in), "FormatBytes(%d)", in)
	}
}
