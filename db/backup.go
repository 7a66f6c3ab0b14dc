package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
)

// BackupRecord is the replication view of a resource row.
type BackupRecord struct {
	ResourceID  int64
	ObjectKey   string
	Status      backupstatus.Status
	BackupAt    *time.Time
	BackupError *string
	Checksum    *string
}

// GetBackupRecord reads the replication fields of a live resource.
func (db *Database) GetBackupRecord(ctx context.Context, resourceID int64) (BackupRecord, error) {
	var (
		rec    BackupRecord
		status string
	)
	err := db.TimedQueryRow(ctx, "get_backup_record", `
		SELECT id, file_path, backup_status, backup_at, backup_error, backup_checksum
		FROM resources
		WHERE id = $1 AND NOT is_deleted`, resourceID).
		Scan(&rec.ResourceID, &rec.ObjectKey, &status, &rec.BackupAt, &rec.BackupError, &rec.Checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BackupRecord{}, ErrResourceNotFound
		}
		return BackupRecord{}, fmt.Errorf("failed to read backup record %d: %w", resourceID, err)
	}
	rec.Status = backupstatus.Status(status)
	return rec, nil
}

// UpdateBackupStatus moves a resource to status under a row lock.
//
// The error message is stored only for FAILED and cleared otherwise.
// Rewriting the current status with the same error changes nothing and
// succeeds. Transitions refused by backupstatus.CanTransition return
// backupstatus.ErrInvalidTransition.
func (db *Database) UpdateBackupStatus(ctx context.Context, resourceID int64, status backupstatus.Status, errMsg *string) (BackupRecord, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return BackupRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		rec     BackupRecord
		current string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, file_path, backup_status, backup_at, backup_error, backup_checksum
		FROM resources
		WHERE id = $1 AND NOT is_deleted
		FOR UPDATE`, resourceID).
		Scan(&rec.ResourceID, &rec.ObjectKey, &current, &rec.BackupAt, &rec.BackupError, &rec.Checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BackupRecord{}, ErrResourceNotFound
		}
		return BackupRecord{}, fmt.Errorf("failed to lock resource %d: %w", resourceID, err)
	}
	rec.Status = backupstatus.Status(current)

	if err := backupstatus.Transition(rec.Status, status); err != nil {
		return rec, err
	}

	var storedErr *string
	if status == backupstatus.Failed && errMsg != nil {
		msg := backupstatus.TruncateError(*errMsg)
		storedErr = &msg
	}

	if rec.Status == status && equalStringPtr(rec.BackupError, storedErr) {
		return rec, tx.Commit(ctx)
	}

	// A fresh lifecycle forgets the previous copy's checksum.
	clearChecksum := status == backupstatus.Pending
	err = tx.QueryRow(ctx, `
		UPDATE resources
		SET backup_status = $2,
		    backup_at = now(),
		    backup_error = $3,
		    backup_checksum = CASE WHEN $4 THEN NULL ELSE backup_checksum END
		WHERE id = $1
		RETURNING backup_at, backup_checksum`,
		resourceID, string(status), storedErr, clearChecksum).Scan(&rec.BackupAt, &rec.Checksum)
	if err != nil {
		return BackupRecord{}, fmt.Errorf("failed to update backup status for %d: %w", resourceID, err)
	}
	rec.Status = status
	rec.BackupError = storedErr

	if err := tx.Commit(ctx); err != nil {
		return BackupRecord{}, fmt.Errorf("failed to commit backup status for %d: %w", resourceID, err)
	}
	return rec, nil
}

// SetBackupChecksum records the BLAKE3 digest of the replicated bytes.
func (db *Database) SetBackupChecksum(ctx context.Context, resourceID int64, checksum string) error {
	n, err := db.TimedExec(ctx, "set_backup_checksum",
		`UPDATE resources SET backup_checksum = $2 WHERE id = $1 AND NOT is_deleted`, resourceID, checksum)
	if err != nil {
		return fmt.Errorf("failed to store checksum for %d: %w", resourceID, err)
	}
	if n == 0 {
		return ErrResourceNotFound
	}
	return nil
}

// BackupStatusCounts returns the number of live resources per backup status.
func (db *Database) BackupStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := db.TimedQuery(ctx, "backup_status_counts", `
		SELECT backup_status, COUNT(*)
		FROM resources
		WHERE NOT is_deleted
		GROUP BY backup_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count backup statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// StaleBackup identifies a resource whose job appears to have been lost.
type StaleBackup struct {
	ResourceID int64
	ObjectKey  string
	FileSize   int64
	Status     backupstatus.Status
}

// ListStaleBackups returns live resources stuck in a non-terminal replication
// state for longer than olderThan, oldest first.
func (db *Database) ListStaleBackups(ctx context.Context, olderThan time.Duration, limit int) ([]StaleBackup, error) {
	rows, err := db.TimedQuery(ctx, "list_stale_backups", `
		SELECT id, file_path, file_size, backup_status
		FROM resources
		WHERE NOT is_deleted
		  AND backup_status IN ('PENDING', 'PENDING_SYNC')
		  AND backup_at < now() - make_interval(secs => $1)
		ORDER BY backup_at
		LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale backups: %w", err)
	}
	defer rows.Close()

	var out []StaleBackup
	for rows.Next() {
		var (
			sb     StaleBackup
			status string
		)
		if err := rows.Scan(&sb.ResourceID, &sb.ObjectKey, &sb.FileSize, &status); err != nil {
			return nil, err
		}
		sb.Status = backupstatus.Status(status)
		out = append(out, sb)
	}
	return out, rows.Err()
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
