package cleaner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
)

// --- Mocks ---

type mockStore struct {
	mock.Mock
	released int
}

func (m *mockStore) AcquireCleanupLock(ctx context.Context) (func(), bool, error) {
	args := m.Called(ctx)
	return func() { m.released++ }, args.Bool(0), args.Error(1)
}

func (m *mockStore) ListAbandonedUploads(ctx context.Context, olderThan time.Duration, limit int) ([]db.PurgeCandidate, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).([]db.PurgeCandidate), args.Error(1)
}

func (m *mockStore) ListExpiredDeletions(ctx context.Context, olderThan time.Duration, limit int) ([]db.PurgeCandidate, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).([]db.PurgeCandidate), args.Error(1)
}

func (m *mockStore) PurgeResources(ctx context.Context, ids []int64) (int64, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(int64), args.Error(1)
}

type mockDeleter struct {
	mock.Mock
}

func (m *mockDeleter) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type recordingQuota struct {
	invalidated []int64
}

func (q *recordingQuota) Invalidate(userID int64) {
	q.invalidated = append(q.invalidated, userID)
}

func testOptions() Options {
	return Options{Interval: time.Hour, UploadGracePeriod: 24 * time.Hour, RetentionPeriod: 7 * 24 * time.Hour, BatchSize: 100}
}

func TestRunOncePurgesAbandonedUploads(t *testing.T) {
	store := &mockStore{}
	primary := &mockDeleter{}
	secondary := &mockDeleter{}
	quota := &recordingQuota{}
	ctx := context.Background()

	abandoned := []db.PurgeCandidate{
		{ID: 1, UploaderID: 7, ObjectKey: "user-7/a.bin", BackupStatus: backupstatus.None},
		{ID: 2, UploaderID: 7, ObjectKey: "user-7/b.bin", BackupStatus: backupstatus.None},
		{ID: 3, UploaderID: 9, ObjectKey: "user-9/c.bin", BackupStatus: backupstatus.None},
	}

	store.On("AcquireCleanupLock", ctx).Return(true, nil)
	store.On("ListAbandonedUploads", ctx, 24*time.Hour, 100).Return(abandoned, nil)
	store.On("ListExpiredDeletions", ctx, 7*24*time.Hour, 100).Return([]db.PurgeCandidate(nil), nil)
	primary.On("Delete", ctx, "user-7/a.bin").Return(nil)
	primary.On("Delete", ctx, "user-7/b.bin").Return(errors.New("primary unavailable"))
	primary.On("Delete", ctx, "user-9/c.bin").Return(nil)
	store.On("PurgeResources", ctx, []int64{1, 3}).Return(int64(2), nil)

	w := New(store, primary, secondary, quota, testOptions())
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.AbandonedUploads)
	assert.Equal(t, 1, res.ObjectErrors)
	assert.ElementsMatch(t, []int64{7, 9}, quota.invalidated)
	assert.Equal(t, 1, store.released)
	store.AssertExpectations(t)
	primary.AssertExpectations(t)
	secondary.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestRunOnceRemovesBackupCopiesOfExpiredDeletions(t *testing.T) {
	store := &mockStore{}
	primary := &mockDeleter{}
	secondary := &mockDeleter{}
	ctx := context.Background()

	expired := []db.PurgeCandidate{
		{ID: 4, UploaderID: 7, ObjectKey: "user-7/d.bin", BackupStatus: backupstatus.Completed},
		{ID: 5, UploaderID: 7, ObjectKey: "user-7/e.bin", BackupStatus: backupstatus.Failed},
	}

	store.On("AcquireCleanupLock", ctx).Return(true, nil)
	store.On("ListAbandonedUploads", ctx, mock.Anything, mock.Anything).Return([]db.PurgeCandidate(nil), nil)
	store.On("ListExpiredDeletions", ctx, mock.Anything, mock.Anything).Return(expired, nil)
	secondary.On("Delete", ctx, "user-7/d.bin").Return(nil)
	secondary.On("Delete", ctx, "user-7/e.bin").Return(nil)
	store.On("PurgeResources", ctx, []int64{4, 5}).Return(int64(2), nil)

	w := New(store, primary, secondary, &recordingQuota{}, testOptions())
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.ExpiredDeletions)
	store.AssertExpectations(t)
	secondary.AssertExpectations(t)
	primary.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestRunOnceKeepsRowWithForeignObjectKey(t *testing.T) {
	store := &mockStore{}
	primary := &mockDeleter{}
	ctx := context.Background()

	store.On("AcquireCleanupLock", ctx).Return(true, nil)
	store.On("ListAbandonedUploads", ctx, mock.Anything, mock.Anything).
		Return([]db.PurgeCandidate{{ID: 6, UploaderID: 7, ObjectKey: "user-8/f.bin"}}, nil)
	store.On("ListExpiredDeletions", ctx, mock.Anything, mock.Anything).Return([]db.PurgeCandidate(nil), nil)

	w := New(store, primary, nil, &recordingQuota{}, testOptions())
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ObjectErrors)
	primary.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "PurgeResources", mock.Anything, mock.Anything)
}

func TestRunOnceWithoutSecondaryPurgesRowsOnly(t *testing.T) {
	store := &mockStore{}
	ctx := context.Background()

	store.On("AcquireCleanupLock", ctx).Return(true, nil)
	store.On("ListAbandonedUploads", ctx, mock.Anything, mock.Anything).Return([]db.PurgeCandidate(nil), nil)
	store.On("ListExpiredDeletions", ctx, mock.Anything, mock.Anything).
		Return([]db.PurgeCandidate{{ID: 8, UploaderID: 1, ObjectKey: "user-1/x"}}, nil)
	store.On("PurgeResources", ctx, []int64{8}).Return(int64(1), nil)

	w := New(store, &mockDeleter{}, nil, &recordingQuota{}, testOptions())
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ExpiredDeletions)
	store.AssertExpectations(t)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	store := &mockStore{}
	ctx := context.Background()
	store.On("AcquireCleanupLock", ctx).Return(false, nil)

	w := New(store, &mockDeleter{}, nil, &recordingQuota{}, testOptions())
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, store.released)
	store.AssertNotCalled(t, "ListAbandonedUploads", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOnceLockError(t *testing.T) {
	store := &mockStore{}
	ctx := context.Background()
	store.On("AcquireCleanupLock", ctx).Return(false, errors.New("db down"))

	w := New(store, &mockDeleter{}, nil, &recordingQuota{}, testOptions())
	_, err := w.RunOnce(ctx)
	assert.ErrorContains(t, err, "db down")
}

func TestRunOnceContinuesAfterListError(t *testing.T) {
	store := &mockStore{}
	ctx := context.Background()

	store.On("AcquireCleanupLock", ctx).Return(true, nil)
	store.On("ListAbandonedUploads", ctx, mock.Anything, mock.Anything).Return([]db.PurgeCandidate(nil), errors.New("timeout"))
	store.On("ListExpiredDeletions", ctx, mock.Anything, mock.Anything).
		Return([]db.PurgeCandidate{{ID: 8, UploaderID: 1, ObjectKey: "user-1/x"}}, nil)
	store.On("PurgeResources", ctx, []int64{8}).Return(int64(1), nil)

	w := New(store, &mockDeleter{}, nil, &recordingQuota{}, testOptions())
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ExpiredDeletions)
	assert.Equal(t, 1, store.released)
}

func TestNewAppliesDefaults(t *testing.T) {
	w := New(&mockStore{}, &mockDeleter{}, nil, &recordingQuota{}, Options{})
	assert.Equal(t, time.Hour, w.opts.Interval)
	assert.Equal(t, 24*time.Hour, w.opts.UploadGracePeriod)
	assert.Equal(t, 7*24*time.Hour, w.opts.RetentionPeriod)
	assert.Equal(t, 500, w.opts.BatchSize)

	w = New(&mockStore{}, &mockDeleter{}, nil, &recordingQuota{}, Options{Interval: time.Second})
	assert.Equal(t, minAllowedInterval, w.opts.Interval)
}

func TestStartStop(t *testing.T) {
	w := New(&mockStore{}, &mockDeleter{}, nil, &recordingQuota{}, testOptions())
	w.Start(context.Background())
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
