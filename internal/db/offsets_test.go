package db

import (
	"context"
	"testing"
	"time"

	"permagate/internal/db/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }
func strPtr(s string) *string { return &s }

func TestUpsertDataItemOffsets_InsertAndUpdate(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	rootBundle := testutil.RandomDataItemID()
	id := testutil.RandomDataItemID()

	failed, err := db.UpsertDataItemOffsets(ctx, []DataItemOffset{
		{
			DataItemID:              id,
			RootBundleID:            strPtr(rootBundle),
			StartOffsetInRootBundle: int64Ptr(1096),
			RawContentLength:        4096,
			PayloadDataStart:        1100,
			PayloadContentType:      "application/json",
		},
	})
	require.NoError(t, err)
	assert.Len(t, failed, 0)

	stored, err := db.GetDataItemOffset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), stored.RawContentLength)
	require.NotNil(t, stored.RootBundleID)
	assert.Equal(t, rootBundle, *stored.RootBundleID)

	// Re-upserting the same id moves it to a new root bundle
	newRoot := testutil.RandomDataItemID()
	failed, err = db.UpsertDataItemOffsets(ctx, []DataItemOffset{
		{
			DataItemID:              id,
			RootBundleID:            strPtr(newRoot),
			StartOffsetInRootBundle: int64Ptr(32),
			RawContentLength:        4096,
			PayloadDataStart:        1100,
			PayloadContentType:      "application/json",
		},
	})
	require.NoError(t, err)
	assert.Len(t, failed, 0)

	stored, err = db.GetDataItemOffset(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.RootBundleID)
	assert.Equal(t, newRoot, *stored.RootBundleID)
}

func TestUpsertDataItemOffsets_PartialRowKeepsRoot(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	id := testutil.RandomDataItemID()
	rootBundle := testutil.RandomDataItemID()

	_, err := db.UpsertDataItemOffsets(ctx, []DataItemOffset{
		{
			DataItemID:              id,
			RootBundleID:            strPtr(rootBundle),
			StartOffsetInRootBundle: int64Ptr(1096),
			RawContentLength:        4096,
			PayloadDataStart:        1100,
			PayloadContentType:      "application/json",
		},
	})
	require.NoError(t, err)

	// A delayed ingest-time row carries no root position; it must not
	// erase the one post-bundle already recorded.
	_, err = db.UpsertDataItemOffsets(ctx, []DataItemOffset{
		{
			DataItemID:         id,
			RawContentLength:   4096,
			PayloadDataStart:   1100,
			PayloadContentType: "application/json",
		},
	})
	require.NoError(t, err)

	stored, err := db.GetDataItemOffset(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.RootBundleID)
	assert.Equal(t, rootBundle, *stored.RootBundleID)
	require.NotNil(t, stored.StartOffsetInRootBundle)
	assert.Equal(t, int64(1096), *stored.StartOffsetInRootBundle)
}

func TestUpsertDataItemOffsets_BatchLimit(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}

	batch := make([]DataItemOffset, MaxOffsetBatchSize+1)
	for i := range batch {
		batch[i] = DataItemOffset{
			DataItemID:       testutil.RandomDataItemID(),
			RawContentLength: 1,
		}
	}

	_, err := db.UpsertDataItemOffsets(context.Background(), batch)
	require.Error(t, err)
}

func TestGetOffsetsByRootBundle_Ordered(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	rootBundle := testutil.RandomDataItemID()
	offsets := []DataItemOffset{
		{DataItemID: testutil.RandomDataItemID(), RootBundleID: strPtr(rootBundle), StartOffsetInRootBundle: int64Ptr(5000), RawContentLength: 100, PayloadContentType: "application/octet-stream"},
		{DataItemID: testutil.RandomDataItemID(), RootBundleID: strPtr(rootBundle), StartOffsetInRootBundle: int64Ptr(64), RawContentLength: 100, PayloadContentType: "application/octet-stream"},
		{DataItemID: testutil.RandomDataItemID(), RootBundleID: strPtr(rootBundle), StartOffsetInRootBundle: int64Ptr(2200), RawContentLength: 100, PayloadContentType: "application/octet-stream"},
	}
	failed, err := db.UpsertDataItemOffsets(ctx, offsets)
	require.NoError(t, err)
	assert.Len(t, failed, 0)

	stored, err := db.GetOffsetsByRootBundle(ctx, rootBundle)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, int64(64), *stored[0].StartOffsetInRootBundle)
	assert.Equal(t, int64(2200), *stored[1].StartOffsetInRootBundle)
	assert.Equal(t, int64(5000), *stored[2].StartOffsetInRootBundle)
}

func TestDeleteExpiredOffsets(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	keepID := testutil.RandomDataItemID()
	permanentID := testutil.RandomDataItemID()

	failed, err := db.UpsertDataItemOffsets(ctx, []DataItemOffset{
		{DataItemID: testutil.RandomDataItemID(), RawContentLength: 1, PayloadContentType: "text/plain", ExpiresAt: &past},
		{DataItemID: keepID, RawContentLength: 1, PayloadContentType: "text/plain", ExpiresAt: &future},
		{DataItemID: permanentID, RawContentLength: 1, PayloadContentType: "text/plain"},
	})
	require.NoError(t, err)
	assert.Len(t, failed, 0)

	deleted, err := db.DeleteExpiredOffsets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Rows without an expiry are permanent
	_, err = db.GetDataItemOffset(ctx, permanentID)
	require.NoError(t, err)
	_, err = db.GetDataItemOffset(ctx, keepID)
	require.NoError(t, err)
}

func TestGetDataItemOffset_NotFound(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}

	_, err := db.GetDataItemOffset(context.Background(), testutil.RandomDataItemID())
	assert.ErrorIs(t, err, ErrOffsetNotFound)
}
