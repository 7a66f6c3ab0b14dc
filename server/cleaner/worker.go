// Package cleaner periodically purges resource rows that no longer back a
// live file.
//
// Two kinds of rows are purged. Upload reservations that were never
// confirmed lose their (possibly partial) primary object and their row, and
// the owner's quota entry is invalidated since the reservation counted
// toward usage. Soft-deleted resources past the retention period lose their
// secondary backup copy and then their row. A database advisory lock keeps
// concurrent instances from doing the same work twice.
package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/db"
	"github.com/nguyentanjr/file-storage-based-aws/helpers"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
)

// Store is the subset of *db.Database used by the cleaner.
type Store interface {
	AcquireCleanupLock(ctx context.Context) (release func(), ok bool, err error)
	ListAbandonedUploads(ctx context.Context, olderThan time.Duration, limit int) ([]db.PurgeCandidate, error)
	ListExpiredDeletions(ctx context.Context, olderThan time.Duration, limit int) ([]db.PurgeCandidate, error)
	PurgeResources(ctx context.Context, ids []int64) (int64, error)
}

// ObjectDeleter removes objects. Missing objects must count as deleted.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// QuotaInvalidator is implemented by *quota.Cache.
type QuotaInvalidator interface {
	Invalidate(userID int64)
}

type Options struct {
	Interval          time.Duration
	UploadGracePeriod time.Duration
	RetentionPeriod   time.Duration
	BatchSize         int
}

type CleanupWorker struct {
	store     Store
	primary   ObjectDeleter
	secondary ObjectDeleter // nil when there is no backup bucket
	quota     QuotaInvalidator
	opts      Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

const minAllowedInterval = time.Minute

func New(store Store, primary, secondary ObjectDeleter, quota QuotaInvalidator, opts Options) *CleanupWorker {
	switch {
	case opts.Interval <= 0:
		opts.Interval = time.Hour
	case opts.Interval < minAllowedInterval:
		logger.Warn("Cleaner: interval below minimum, using minimum", "configured", opts.Interval, "minimum", minAllowedInterval)
		opts.Interval = minAllowedInterval
	}
	if opts.UploadGracePeriod <= 0 {
		opts.UploadGracePeriod = 24 * time.Hour
	}
	if opts.RetentionPeriod <= 0 {
		opts.RetentionPeriod = 7 * 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &CleanupWorker{
		store:     store,
		primary:   primary,
		secondary: secondary,
		quota:     quota,
		opts:      opts,
		stopCh:    make(chan struct{}),
	}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true

	logger.Info("Cleaner: worker starting", "interval", w.opts.Interval,
		"upload_grace_period", w.opts.UploadGracePeriod, "retention_period", w.opts.RetentionPeriod)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleaner: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleaner: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					logger.Error("Cleaner: run failed", "error", err)
				}
			}
		}
	}()
}

func (w *CleanupWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

// Result counts purged rows per kind.
type Result struct {
	AbandonedUploads int64
	ExpiredDeletions int64
	ObjectErrors     int
}

// RunOnce performs one cleanup pass. It does nothing when another instance
// holds the cleanup lock.
func (w *CleanupWorker) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	release, ok, err := w.store.AcquireCleanupLock(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to acquire cleanup lock: %w", err)
	}
	if !ok {
		logger.Debug("Cleaner: skipped, another instance holds the cleanup lock")
		return res, nil
	}
	defer release()

	abandoned, err := w.store.ListAbandonedUploads(ctx, w.opts.UploadGracePeriod, w.opts.BatchSize)
	if err != nil {
		logger.Error("Cleaner: failed to list abandoned uploads", "error", err)
	} else {
		n, objErrs := w.purge(ctx, abandoned, w.primary)
		res.AbandonedUploads = n
		res.ObjectErrors += objErrs

		users := make(map[int64]struct{})
		for _, c := range abandoned {
			users[c.UploaderID] = struct{}{}
		}
		for userID := range users {
			w.quota.Invalidate(userID)
		}
	}

	expired, err := w.store.ListExpiredDeletions(ctx, w.opts.RetentionPeriod, w.opts.BatchSize)
	if err != nil {
		logger.Error("Cleaner: failed to list expired deletions", "error", err)
	} else {
		n, objErrs := w.purge(ctx, expired, w.secondary)
		res.ExpiredDeletions = n
		res.ObjectErrors += objErrs
	}

	if res.AbandonedUploads > 0 || res.ExpiredDeletions > 0 || res.ObjectErrors > 0 {
		logger.Info("Cleaner: pass complete", "abandoned_uploads", res.AbandonedUploads,
			"expired_deletions", res.ExpiredDeletions, "object_errors", res.ObjectErrors)
	}
	return res, nil
}

// purge deletes each candidate's object from store (when store is set) and
// then the rows whose object is gone. A row whose object could not be
// deleted is kept for the next pass.
func (w *CleanupWorker) purge(ctx context.Context, candidates []db.PurgeCandidate, store ObjectDeleter) (int64, int) {
	if len(candidates) == 0 {
		return 0, 0
	}

	ids := make([]int64, 0, len(candidates))
	objErrs := 0
	for _, c := range candidates {
		if store != nil {
			if owner, ok := helpers.OwnerFromObjectKey(c.ObjectKey); !ok || owner != c.UploaderID {
				logger.Warn("Cleaner: object key outside owner prefix, keeping row", "resource_id", c.ID, "object_key", c.ObjectKey, "uploader_id", c.UploaderID)
				objErrs++
				continue
			}
			if err := store.Delete(ctx, c.ObjectKey); err != nil {
				logger.Warn("Cleaner: failed to delete object, keeping row", "resource_id", c.ID, "object_key", c.ObjectKey, "error", err)
				objErrs++
				continue
			}
		}
		ids = append(ids, c.ID)
	}

	if len(ids) == 0 {
		return 0, objErrs
	}
	n, err := w.store.PurgeResources(ctx, ids)
	if err != nil {
		logger.Error("Cleaner: failed to purge rows", "count", len(ids), "error", err)
		return 0, objErrs
	}
	return n, objErrs
}
