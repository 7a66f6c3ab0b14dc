// Package files implements the upload confirmation and deletion flows that
// feed the replication pipeline and keep the quota cache coherent.
package files

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/helpers"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/quota"
	"github.com/nguyentanjr/file-storage-based-aws/storage"
)

var (
	ErrInvalidSize   = errors.New("invalid file size")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrUploadMissing = errors.New("file upload failed - file not found in storage")
	ErrNotFound      = errors.New("file not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrBackupOff     = errors.New("backup is disabled")
)

// Store is the subset of *db.Database used by the service.
type Store interface {
	CreateResource(ctx context.Context, nr db.NewResource) (int64, error)
	GetResource(ctx context.Context, id int64) (*db.Resource, error)
	ConfirmResourceUpload(ctx context.Context, id, size int64, contentType string) error
	DeleteResourceRow(ctx context.Context, id int64) error
	MarkResourcesDeleted(ctx context.Context, userID int64, ids []int64) ([]db.Resource, error)
	SyncStorageUsed(ctx context.Context, userID int64) (int64, error)
}

// ObjectStore is primary storage.
type ObjectStore interface {
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	PresignedPut(ctx context.Context, key string, ttl time.Duration) (*url.URL, error)
}

// Quota is implemented by *quota.Cache.
type Quota interface {
	GetUsedBytes(ctx context.Context, userID int64) (int64, error)
	Limit(ctx context.Context, userID int64) (int64, error)
	HasSpace(ctx context.Context, userID, additional int64) (bool, error)
	Remaining(ctx context.Context, userID int64) (int64, error)
	Invalidate(userID int64)
}

// Backup is implemented by *replication.Producer.
type Backup interface {
	Enqueue(ctx context.Context, resourceID int64, objectKey string, sizeBytes int64)
	Enabled() bool
}

type Service struct {
	store      Store
	objects    ObjectStore
	quota      Quota
	backup     Backup
	presignTTL time.Duration
	now        func() time.Time
}

func NewService(store Store, objects ObjectStore, q Quota, backup Backup, presignTTL time.Duration) *Service {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &Service{
		store:      store,
		objects:    objects,
		quota:      q,
		backup:     backup,
		presignTTL: presignTTL,
		now:        time.Now,
	}
}

// UploadTicket lets a client PUT the file straight into primary storage.
type UploadTicket struct {
	FileID    int64         `json:"fileId"`
	ObjectKey string        `json:"objectKey"`
	UploadURL string        `json:"uploadUrl"`
	ExpiresIn time.Duration `json:"expiresIn"`
}

// PrepareUpload reserves a resource row and returns a presigned upload URL.
func (s *Service) PrepareUpload(ctx context.Context, userID int64, fileName string, size int64, contentType string) (*UploadTicket, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	ok, err := s.quota.HasSpace(ctx, userID, size)
	if err != nil {
		return nil, err
	}
	if !ok {
		remaining, _ := s.quota.Remaining(ctx, userID)
		return nil, fmt.Errorf("%w: available %s, required %s", ErrQuotaExceeded,
			quota.FormatBytes(remaining), quota.FormatBytes(size))
	}

	now := s.now()
	name := helpers.SanitizeFileName(fileName)
	if name == "" {
		name = fmt.Sprintf("unnamed_%d", now.UnixMilli())
	}
	key := helpers.NewObjectKey(userID, name, now)

	id, err := s.store.CreateResource(ctx, db.NewResource{
		UploaderID:   userID,
		FileName:     name,
		FilePath:     key,
		OriginalName: helpers.SanitizeUTF8(fileName),
		ContentType:  contentType,
		FileSize:     size,
	})
	if err != nil {
		return nil, err
	}
	// The reserved row counts toward usage until it is confirmed or removed.
	s.quota.Invalidate(userID)

	u, err := s.objects.PresignedPut(ctx, key, s.presignTTL)
	if err != nil {
		if derr := s.store.DeleteResourceRow(ctx, id); derr != nil {
			logger.Error("Files: failed to remove reservation after presign error", "resource_id", id, "error", derr)
		}
		s.quota.Invalidate(userID)
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	logger.Info("Files: upload prepared", "user_id", userID, "resource_id", id, "object_key", key, "size", size)
	return &UploadTicket{FileID: id, ObjectKey: key, UploadURL: u.String(), ExpiresIn: s.presignTTL}, nil
}

func (s *Service) ownedResource(ctx context.Context, userID, resourceID int64) (*db.Resource, error) {
	r, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, db.ErrResourceNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if r.UploaderID != userID {
		return nil, ErrAccessDenied
	}
	return r, nil
}

// ConfirmUpload finalizes an upload once the client has written the object.
//
// The row is committed before the backup is scheduled. Scheduling problems
// never fail the confirmation; they show up as a FAILED backup status.
func (s *Service) ConfirmUpload(ctx context.Context, userID, resourceID int64, contentType string) (*db.Resource, error) {
	r, err := s.ownedResource(ctx, userID, resourceID)
	if err != nil {
		return nil, err
	}

	info, err := s.objects.Stat(ctx, r.FilePath)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, err
		}
		if derr := s.store.DeleteResourceRow(ctx, r.ID); derr != nil {
			logger.Error("Files: failed to remove unconfirmed resource", "resource_id", r.ID, "error", derr)
		}
		s.quota.Invalidate(userID)
		return nil, ErrUploadMissing
	}

	// Usage already includes the reserved size; swap it for the real one.
	s.quota.Invalidate(userID)
	used, err := s.quota.GetUsedBytes(ctx, userID)
	if err != nil {
		return nil, err
	}
	limit, err := s.quota.Limit(ctx, userID)
	if err != nil {
		return nil, err
	}
	if used-r.FileSize+info.Size > limit {
		logger.Warn("Files: quota exceeded on confirm, rolling back", "user_id", userID, "resource_id", r.ID,
			"used", used, "limit", limit, "size", info.Size)
		if derr := s.objects.Delete(ctx, r.FilePath); derr != nil {
			logger.Error("Files: failed to delete object during quota rollback", "object_key", r.FilePath, "error", derr)
		}
		if derr := s.store.DeleteResourceRow(ctx, r.ID); derr != nil {
			logger.Error("Files: failed to delete resource during quota rollback", "resource_id", r.ID, "error", derr)
		}
		s.quota.Invalidate(userID)
		return nil, fmt.Errorf("%w: used %s, quota %s", ErrQuotaExceeded,
			quota.FormatBytes(used-r.FileSize), quota.FormatBytes(limit))
	}

	if contentType == "" {
		contentType = info.ContentType
	}
	if err := s.store.ConfirmResourceUpload(ctx, r.ID, info.Size, contentType); err != nil {
		return nil, err
	}
	if _, err := s.store.SyncStorageUsed(ctx, userID); err != nil {
		logger.Warn("Files: failed to sync storage used", "user_id", userID, "error", err)
	}
	s.quota.Invalidate(userID)

	s.backup.Enqueue(ctx, r.ID, r.FilePath, info.Size)

	logger.Info("Files: upload confirmed", "user_id", userID, "resource_id", r.ID, "object_key", r.FilePath, "size", info.Size)
	return s.store.GetResource(ctx, r.ID)
}

// DeleteFile removes one file from primary storage and the catalog.
func (s *Service) DeleteFile(ctx context.Context, userID, resourceID int64) error {
	r, err := s.ownedResource(ctx, userID, resourceID)
	if err != nil {
		return err
	}
	defer s.quota.Invalidate(userID)

	if err := s.objects.Delete(ctx, r.FilePath); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", r.FilePath, err)
	}
	if _, err := s.store.MarkResourcesDeleted(ctx, userID, []int64{r.ID}); err != nil {
		return err
	}
	if _, err := s.store.SyncStorageUsed(ctx, userID); err != nil {
		logger.Warn("Files: failed to sync storage used", "user_id", userID, "error", err)
	}

	logger.Info("Files: file deleted", "user_id", userID, "resource_id", r.ID, "object_key", r.FilePath)
	return nil
}

// BulkDeleteFiles deletes the listed files owned by userID and returns how
// many were removed from the catalog. Ids that are unknown or belong to
// someone else are skipped. Object deletion errors are joined and returned
// after every file has been attempted.
func (s *Service) BulkDeleteFiles(ctx context.Context, userID int64, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	defer s.quota.Invalidate(userID)

	deleted, err := s.store.MarkResourcesDeleted(ctx, userID, ids)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, r := range deleted {
		if err := s.objects.Delete(ctx, r.FilePath); err != nil {
			logger.Error("Files: failed to delete object", "resource_id", r.ID, "object_key", r.FilePath, "error", err)
			errs = append(errs, fmt.Errorf("object %s: %w", r.FilePath, err))
		}
	}
	if _, err := s.store.SyncStorageUsed(ctx, userID); err != nil {
		logger.Warn("Files: failed to sync storage used", "user_id", userID, "error", err)
	}

	logger.Info("Files: bulk delete", "user_id", userID, "requested", len(ids), "deleted", len(deleted), "object_errors", len(errs))
	return len(deleted), errors.Join(errs...)
}

// StorageInfo summarizes a user's usage.
type StorageInfo struct {
	Used               int64   `json:"storageUsed"`
	Quota              int64   `json:"storageQuota"`
	Remaining          int64   `json:"storageRemaining"`
	UsedFormatted      string  `json:"storageUsedFormatted"`
	QuotaFormatted     string  `json:"storageQuotaFormatted"`
	RemainingFormatted string  `json:"storageRemainingFormatted"`
	UsagePercentage    float64 `json:"usagePercentage"`
}

func (s *Service) StorageInfo(ctx context.Context, userID int64) (StorageInfo, error) {
	used, err := s.quota.GetUsedBytes(ctx, userID)
	if err != nil {
		return StorageInfo{}, err
	}
	limit, err := s.quota.Limit(ctx, userID)
	if err != nil {
		return StorageInfo{}, err
	}
	remaining := max(0, limit-used)

	var pct float64
	if limit > 0 {
		pct = float64(used) / float64(limit) * 100
	}
	return StorageInfo{
		Used:               used,
		Quota:              limit,
		Remaining:          remaining,
		UsedFormatted:      quota.FormatBytes(used),
		QuotaFormatted:     quota.FormatBytes(limit),
		RemainingFormatted: quota.FormatBytes(remaining),
		UsagePercentage:    pct,
	}, nil
}

// RetryBackup re-enqueues the backup of a live resource. The status restarts
// at PENDING.
func (s *Service) RetryBackup(ctx context.Context, resourceID int64) error {
	if !s.backup.Enabled() {
		return ErrBackupOff
	}
	r, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	logger.Info("Files: backup retry requested", "resource_id", r.ID, "object_key", r.FilePath, "previous_status", r.BackupStatus)
	s.backup.Enqueue(ctx, r.ID, r.FilePath, r.FileSize)
	return nil
}
