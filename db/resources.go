package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
)

// Resource is a stored file's metadata row.
type Resource struct {
	ID           int64
	UploaderID   int64
	FolderID     *int64
	FileName     string
	FilePath     string // object key in primary storage
	OriginalName string
	ContentType  string
	FileSize     int64
	UploadedAt   time.Time
	BackupStatus backupstatus.Status
	BackupAt     *time.Time
	BackupError  *string
}

// NewResource holds the fields written when an upload is prepared.
type NewResource struct {
	UploaderID   int64
	FolderID     *int64
	FileName     string
	FilePath     string
	OriginalName string
	ContentType  string
	FileSize     int64
}

const resourceColumns = `id, uploader_id, folder_id, file_name, file_path, original_name,
	COALESCE(content_type, ''), file_size, uploaded_at, backup_status, backup_at, backup_error`

func scanResource(row pgx.Row) (*Resource, error) {
	var (
		r      Resource
		status string
	)
	err := row.Scan(&r.ID, &r.UploaderID, &r.FolderID, &r.FileName, &r.FilePath, &r.OriginalName,
		&r.ContentType, &r.FileSize, &r.UploadedAt, &status, &r.BackupAt, &r.BackupError)
	if err != nil {
		return nil, err
	}
	r.BackupStatus = backupstatus.Status(status)
	return &r, nil
}

// CreateResource inserts a row with backup status NONE and returns its id.
func (db *Database) CreateResource(ctx context.Context, nr NewResource) (int64, error) {
	var id int64
	err := db.WritePool.QueryRow(ctx, `
		INSERT INTO resources (uploader_id, folder_id, file_name, file_path, original_name, content_type, file_size)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		RETURNING id`,
		nr.UploaderID, nr.FolderID, nr.FileName, nr.FilePath, nr.OriginalName, nr.ContentType, nr.FileSize).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateObjectKey
		}
		return 0, fmt.Errorf("failed to insert resource: %w", err)
	}
	return id, nil
}

// GetResource returns a live resource.
func (db *Database) GetResource(ctx context.Context, id int64) (*Resource, error) {
	r, err := scanResource(db.TimedQueryRow(ctx, "get_resource",
		`SELECT `+resourceColumns+` FROM resources WHERE id = $1 AND NOT is_deleted`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("failed to get resource %d: %w", id, err)
	}
	return r, nil
}

// ConfirmResourceUpload records the size and content type observed in storage.
func (db *Database) ConfirmResourceUpload(ctx context.Context, id, size int64, contentType string) error {
	n, err := db.TimedExec(ctx, "confirm_resource_upload", `
		UPDATE resources
		SET file_size = $2, content_type = COALESCE(NULLIF($3, ''), content_type), uploaded_at = now(), confirmed_at = now()
		WHERE id = $1 AND NOT is_deleted`, id, size, contentType)
	if err != nil {
		return fmt.Errorf("failed to confirm resource %d: %w", id, err)
	}
	if n == 0 {
		return ErrResourceNotFound
	}
	return nil
}

// DeleteResourceRow removes a row outright. Used for uploads that never
// reached storage or were rejected on confirmation.
func (db *Database) DeleteResourceRow(ctx context.Context, id int64) error {
	n, err := db.TimedExec(ctx, "delete_resource_row", `DELETE FROM resources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource %d: %w", id, err)
	}
	if n == 0 {
		return ErrResourceNotFound
	}
	return nil
}

// MarkResourcesDeleted soft-deletes the given resources owned by userID and
// returns the rows that were actually marked.
func (db *Database) MarkResourcesDeleted(ctx context.Context, userID int64, ids []int64) ([]Resource, error) {
	rows, err := db.WritePool.Query(ctx, `
		UPDATE resources
		SET is_deleted = TRUE, deleted_at = now()
		WHERE uploader_id = $1 AND id = ANY($2) AND NOT is_deleted
		RETURNING `+resourceColumns, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to delete resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
