package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
)

type enqueueCall struct {
	id   int64
	key  string
	size int64
}

// fakeProducer records calls and moves the record to PENDING like the real
// producer does.
type fakeProducer struct {
	store *fakeRequeueStore
	calls []enqueueCall
}

func (p *fakeProducer) Enqueue(ctx context.Context, resourceID int64, objectKey string, sizeBytes int64) {
	p.calls = append(p.calls, enqueueCall{resourceID, objectKey, sizeBytes})
	if p.store != nil {
		p.store.statuses[resourceID] = backupstatus.Pending
	}
}

type fakeRequeueStore struct {
	resources map[int64]*db.Resource
	statuses  map[int64]backupstatus.Status
	stale     []db.StaleBackup
	staleErr  error

	olderThan time.Duration
	limit     int
}

func newFakeRequeueStore() *fakeRequeueStore {
	return &fakeRequeueStore{
		resources: make(map[int64]*db.Resource),
		statuses:  make(map[int64]backupstatus.Status),
	}
}

func (s *fakeRequeueStore) GetResource(ctx context.Context, id int64) (*db.Resource, error) {
	r, ok := s.resources[id]
	if !ok {
		return nil, db.ErrResourceNotFound
	}
	return r, nil
}

func (s *fakeRequeueStore) GetBackupRecord(ctx context.Context, id int64) (db.BackupRecord, error) {
	r, ok := s.resources[id]
	if !ok {
		return db.BackupRecord{}, db.ErrResourceNotFound
	}
	return db.BackupRecord{ResourceID: id, ObjectKey: r.FilePath, Status: s.statuses[id]}, nil
}

func (s *fakeRequeueStore) ListStaleBackups(ctx context.Context, olderThan time.Duration, limit int) ([]db.StaleBackup, error) {
	s.olderThan = olderThan
	s.limit = limit
	return s.stale, s.staleErr
}

func TestRequeueResource(t *testing.T) {
	store := newFakeRequeueStore()
	store.resources[42] = &db.Resource{ID: 42, FilePath: "user-7/report_1700000000000_ab12cd34.pdf", FileSize: 2048}
	store.statuses[42] = backupstatus.Failed
	producer := &fakeProducer{store: store}

	var out bytes.Buffer
	require.NoError(t, requeueResource(context.Background(), store, producer, 42, &out))

	assert.Equal(t, []enqueueCall{{42, "user-7/report_1700000000000_ab12cd34.pdf", 2048}}, producer.calls)
	assert.Equal(t, "Resource 42 is now PENDING\n", out.String())
}

func TestRequeueResourceUnknown(t *testing.T) {
	store := newFakeRequeueStore()
	producer := &fakeProducer{store: store}

	var out bytes.Buffer
	err := requeueResource(context.Background(), store, producer, 99, &out)
	assert.ErrorIs(t, err, db.ErrResourceNotFound)
	assert.Empty(t, producer.calls)
	assert.Empty(t, out.String())
}

func TestRequeueStale(t *testing.T) {
	store := newFakeRequeueStore()
	store.stale = []db.StaleBackup{
		{ResourceID: 1, ObjectKey: "user-1/a.bin", FileSize: 10, Status: backupstatus.Pending},
		{ResourceID: 2, ObjectKey: "user-2/b.bin", FileSize: 20, Status: backupstatus.PendingSync},
	}
	producer := &fakeProducer{}

	var out bytes.Buffer
	n, err := requeueStale(context.Background(), store, producer, 2*time.Hour, 50, false, &out)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, 2*time.Hour, store.olderThan)
	assert.Equal(t, 50, store.limit)
	assert.Equal(t, []enqueueCall{{1, "user-1/a.bin", 10}, {2, "user-2/b.bin", 20}}, producer.calls)
	assert.Equal(t, "Requeued 2 resource(s)\n", out.String())
}

func TestRequeueStaleDryRun(t *testing.T) {
	store := newFakeRequeueStore()
	store.stale = []db.StaleBackup{
		{ResourceID: 1, ObjectKey: "user-1/a.bin", FileSize: 10, Status: backupstatus.Pending},
	}
	producer := &fakeProducer{}

	var out bytes.Buffer
	n, err := requeueStale(context.Background(), store, producer, time.Hour, 1000, true, &out)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Empty(t, producer.calls)
	assert.Equal(t, "1\tPENDING\tuser-1/a.bin\n1 resource(s) would be requeued\n", out.String())
}

func TestRequeueStaleNothingFound(t *testing.T) {
	store := newFakeRequeueStore()

	var out bytes.Buffer
	n, err := requeueStale(context.Background(), store, nil, time.Hour, 1000, false, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "No stale backups found.\n", out.String())
}

func TestRequeueStaleListError(t *testing.T) {
	store := newFakeRequeueStore()
	store.staleErr = errors.New("timeout")

	_, err := requeueStale(context.Background(), store, &fakeProducer{}, time.Hour, 1000, false, &bytes.Buffer{})
	assert.ErrorContains(t, err, "failed to list stale backups: timeout")
}
