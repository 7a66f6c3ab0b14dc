package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
)

// ErrResourceNotFound is returned by a StatusStore when the resource record
// does not exist. Callers log it and carry on.
var ErrResourceNotFound = errors.New("backup record not found")

// Record is the backup view of one resource.
type Record struct {
	ResourceID  int64
	ObjectKey   string
	Status      backupstatus.Status
	BackupAt    *time.Time
	BackupError *string
}

// StatusStore persists backup status. SetStatus stamps the write time and
// keeps errMsg only for FAILED. Transitions refused by the state machine
// return backupstatus.ErrInvalidTransition.
type StatusStore interface {
	SetStatus(ctx context.Context, resourceID int64, status backupstatus.Status, errMsg *string) error
	GetStatus(ctx context.Context, resourceID int64) (Record, error)
}

// ChecksumRecorder is implemented by stores that can keep the digest of the
// replicated bytes.
type ChecksumRecorder interface {
	SetChecksum(ctx context.Context, resourceID int64, checksum string) error
}

// BackupRecords is the subset of *db.Database used by DBStatusStore.
type BackupRecords interface {
	GetBackupRecord(ctx context.Context, resourceID int64) (db.BackupRecord, error)
	UpdateBackupStatus(ctx context.Context, resourceID int64, status backupstatus.Status, errMsg *string) (db.BackupRecord, error)
	SetBackupChecksum(ctx context.Context, resourceID int64, checksum string) error
}

// DBStatusStore is the StatusStore backed directly by Postgres.
type DBStatusStore struct {
	db BackupRecords
}

func NewDBStatusStore(d BackupRecords) *DBStatusStore {
	return &DBStatusStore{db: d}
}

func (s *DBStatusStore) SetStatus(ctx context.Context, resourceID int64, status backupstatus.Status, errMsg *string) error {
	_, err := s.db.UpdateBackupStatus(ctx, resourceID, status, errMsg)
	if errors.Is(err, db.ErrResourceNotFound) {
		return fmt.Errorf("%w: resource %d", ErrResourceNotFound, resourceID)
	}
	return err
}

func (s *DBStatusStore) GetStatus(ctx context.Context, resourceID int64) (Record, error) {
	rec, err := s.db.GetBackupRecord(ctx, resourceID)
	if err != nil {
		if errors.Is(err, db.ErrResourceNotFound) {
			return Record{}, fmt.Errorf("%w: resource %d", ErrResourceNotFound, resourceID)
		}
		return Record{}, err
	}
	return Record{
		ResourceID:  rec.ResourceID,
		ObjectKey:   rec.ObjectKey,
		Status:      rec.Status,
		BackupAt:    rec.BackupAt,
		BackupError: rec.BackupError,
	}, nil
}

func (s *DBStatusStore) SetChecksum(ctx context.Context, resourceID int64, checksum string) error {
	err := s.db.SetBackupChecksum(ctx, resourceID, checksum)
	if errors.Is(err, db.ErrResourceNotFound) {
		return fmt.Errorf("%w: resource %d", ErrResourceNotFound, resourceID)
	}
	return err
}
