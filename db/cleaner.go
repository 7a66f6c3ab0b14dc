package db

import (
	"context"
	"fmt"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
)

// CleanupLockID keeps two cleaners from purging the same rows.
const CleanupLockID int64 = 0x636c65616e // "clean"

// PurgeCandidate is a resource row the cleaner may remove for good.
type PurgeCandidate struct {
	ID           int64
	UploaderID   int64
	ObjectKey    string
	BackupStatus backupstatus.Status
}

// AcquireCleanupLock takes a session advisory lock on a dedicated pool
// connection. ok is false when another instance holds it. The returned
// release func must be called when ok is true.
func (db *Database) AcquireCleanupLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := db.WritePool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for cleanup lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", CleanupLockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to query for cleanup lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", CleanupLockID); err != nil {
			logger.Warn("DB: failed to release cleanup lock", "error", err)
		}
		conn.Release()
	}
	return release, true, nil
}

func (db *Database) listPurgeCandidates(ctx context.Context, op, where string, olderThan time.Duration, limit int) ([]PurgeCandidate, error) {
	rows, err := db.TimedQuery(ctx, op, `
		SELECT id, uploader_id, file_path, backup_status
		FROM resources
		WHERE `+where+`
		ORDER BY id
		LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purge candidates: %w", err)
	}
	defer rows.Close()

	var out []PurgeCandidate
	for rows.Next() {
		var (
			c      PurgeCandidate
			status string
		)
		if err := rows.Scan(&c.ID, &c.UploaderID, &c.ObjectKey, &status); err != nil {
			return nil, err
		}
		c.BackupStatus = backupstatus.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListAbandonedUploads returns reservations that were never confirmed
// within olderThan of being prepared.
func (db *Database) ListAbandonedUploads(ctx context.Context, olderThan time.Duration, limit int) ([]PurgeCandidate, error) {
	return db.listPurgeCandidates(ctx, "list_abandoned_uploads",
		`confirmed_at IS NULL AND NOT is_deleted AND uploaded_at < now() - make_interval(secs => $1)`,
		olderThan, limit)
}

// ListExpiredDeletions returns soft-deleted resources whose grace period
// has passed.
func (db *Database) ListExpiredDeletions(ctx context.Context, olderThan time.Duration, limit int) ([]PurgeCandidate, error) {
	return db.listPurgeCandidates(ctx, "list_expired_deletions",
		`is_deleted AND deleted_at < now() - make_interval(secs => $1)`,
		olderThan, limit)
}

// PurgeResources hard-deletes the given rows. Rows that were confirmed and
// are still live are left alone, so a late confirmation wins over the purge.
func (db *Database) PurgeResources(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := db.TimedExec(ctx, "purge_resources", `
		DELETE FROM resources
		WHERE id = ANY($1) AND (is_deleted OR confirmed_at IS NULL)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to purge resources: %w", err)
	}
	return n, nil
}
