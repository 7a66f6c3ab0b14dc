package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nguyentanjr/file-storage-based-aws/config"
)

// setupTestDatabase connects to VALETKEY_TEST_DATABASE_URL, applies the
// migrations and empties the tables. Tests are skipped when it is unset.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	url := os.Getenv("VALETKEY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("VALETKEY_TEST_DATABASE_URL not set; skipping database test")
	}

	ctx := context.Background()
	database, err := NewDatabaseFromConfig(ctx, &config.DatabaseConfig{URL: url})
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(database.Close)

	require.NoError(t, database.Migrate(ctx))
	_, err = database.WritePool.Exec(ctx, `TRUNCATE resources, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return database
}

func createTestUser(t *testing.T, database *Database, quota *int64) int64 {
	t.Helper()
	id, err := database.CreateUser(context.Background(), fmt.Sprintf("user%d@example.com", time.Now().UnixNano()), quota)
	require.NoError(t, err)
	return id
}

func createTestResource(t *testing.T, database *Database, userID int64, key string, size int64) int64 {
	t.Helper()
	id, err := database.CreateResource(context.Background(), NewResource{
		UploaderID:   userID,
		FileName:     key,
		FilePath:     key,
		OriginalName: key,
		ContentType:  "application/pdf",
		FileSize:     size,
	})
	require.NoError(t, err)
	return id
}
