package db

import (
	"context"
	"testing"
	"testing/fstest"

	"permagate/internal/db/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bareTestDB starts a container without applying any schema so Migrate
// itself can be exercised.
func bareTestDB(t *testing.T) *testutil.TestDB {
	t.Helper()
	return testutil.NewTestDBWithConfig(t, testutil.DefaultContainerConfig(), fstest.MapFS{}, nil)
}

func TestMigrate_AppliesUploadSchema(t *testing.T) {
	testDB := bareTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	err := db.Migrate(ctx, UploadMigrations)
	require.NoError(t, err)

	// The schema is usable
	item := newTestDataItem(1024)
	created, err := db.InsertNewDataItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	var versions int
	err = testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&versions)
	require.NoError(t, err)
	assert.Greater(t, versions, 0)
}

func TestMigrate_Idempotent(t *testing.T) {
	testDB := bareTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx, PaymentMigrations))

	var before int
	require.NoError(t, testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&before))

	// A second run finds everything applied
	require.NoError(t, db.Migrate(ctx, PaymentMigrations))

	var after int
	require.NoError(t, testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&after))
	assert.Equal(t, before, after)
}

func TestMigrate_OrderIsLexicographic(t *testing.T) {
	migs, err := readMigrations(UploadMigrations.Files)
	require.NoError(t, err)
	require.NotEmpty(t, migs)

	for i := 1; i < len(migs); i++ {
		assert.Less(t, migs[i-1].version, migs[i].version)
	}
}
