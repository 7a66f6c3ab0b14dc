package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SumStorageUsed is the authoritative byte total of a user's live resources.
func (db *Database) SumStorageUsed(ctx context.Context, userID int64) (int64, error) {
	var used int64
	err := db.TimedQueryRow(ctx, "sum_storage_used", `
		SELECT COALESCE(SUM(file_size), 0)::BIGINT
		FROM resources
		WHERE uploader_id = $1 AND NOT is_deleted`, userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum storage for user %d: %w", userID, err)
	}
	return used, nil
}

// GetStorageQuota returns the user's quota, nil when the column is NULL.
func (db *Database) GetStorageQuota(ctx context.Context, userID int64) (*int64, error) {
	var quota *int64
	err := db.TimedQueryRow(ctx, "get_storage_quota",
		`SELECT storage_quota FROM users WHERE id = $1`, userID).Scan(&quota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get quota for user %d: %w", userID, err)
	}
	return quota, nil
}

// SyncStorageUsed rewrites users.storage_used from the live resource sum and
// returns the new value.
func (db *Database) SyncStorageUsed(ctx context.Context, userID int64) (int64, error) {
	var used int64
	err := db.WritePool.QueryRow(ctx, `
		UPDATE users
		SET storage_used = (
			SELECT COALESCE(SUM(file_size), 0)
			FROM resources
			WHERE uploader_id = $1 AND NOT is_deleted
		)
		WHERE id = $1
		RETURNING storage_used`, userID).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to sync storage used for user %d: %w", userID, err)
	}
	return used, nil
}

// CreateUser inserts a user. A nil quota falls back to the configured default.
func (db *Database) CreateUser(ctx context.Context, email string, quota *int64) (int64, error) {
	var id int64
	err := db.WritePool.QueryRow(ctx,
		`INSERT INTO users (email, storage_quota) VALUES ($1, $2) RETURNING id`, email, quota).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", email, err)
	}
	return id, nil
}
