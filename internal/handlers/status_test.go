package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/db"
	"permagate/internal/db/testutil"
	"permagate/internal/winston"
)

func statusApp(database *db.DB) *fiber.App {
	handler := NewStatusHandler(database, slog.Default())

	app := fiber.New()
	handler.RegisterRoutes(app)
	return app
}

func seedDataItem(t *testing.T, database *db.DB, byteCount int64) *db.DataItem {
	t.Helper()

	item := &db.DataItem{
		DataItemID:           testutil.RandomDataItemID(),
		OwnerPublicAddress:   testutil.RandomOwnerAddress(),
		ByteCount:            byteCount,
		AssessedWinstonPrice: winston.FromInt64(byteCount * 2),
		SignatureType:        1,
		Signature:            []byte("test-signature"),
		PayloadDataStart:     1100,
		PayloadContentType:   "application/json",
		DeadlineHeight:       1_400_200,
	}
	created, err := database.InsertNewDataItem(context.Background(), item)
	require.NoError(t, err)
	require.True(t, created)
	return item
}

func TestGetStatus_NewItem(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	database := db.NewFromPool(testDB.Pool)
	item := seedDataItem(t, database, 4096)

	app := statusApp(database)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/tx/"+item.DataItemID+"/status", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body db.DataItemStatusInfo
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, item.DataItemID, body.DataItemID)
	assert.Equal(t, db.DataItemStatusNew, body.Status)
	assert.Equal(t, item.DeadlineHeight, body.DeadlineHeight)
	assert.Nil(t, body.BundleID)
}

func TestGetStatus_NotFound(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	app := statusApp(db.NewFromPool(testDB.Pool))

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/tx/"+testutil.RandomDataItemID()+"/status", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 404, resp.StatusCode)

	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "Data item not found", body["error"])
}

func TestGetOffset_Recorded(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	database := db.NewFromPool(testDB.Pool)
	item := seedDataItem(t, database, 4096)

	rootBundle := testutil.RandomDataItemID()
	start := int64(32 + 640)
	failed, err := database.UpsertDataItemOffsets(context.Background(), []db.DataItemOffset{{
		DataItemID:              item.DataItemID,
		RootBundleID:            &rootBundle,
		StartOffsetInRootBundle: &start,
		RawContentLength:        item.ByteCount,
		PayloadDataStart:        item.PayloadDataStart,
		PayloadContentType:      item.PayloadContentType,
	}})
	require.NoError(t, err)
	require.Empty(t, failed)

	app := statusApp(database)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/tx/"+item.DataItemID+"/offset", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body db.DataItemOffset
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, item.DataItemID, body.DataItemID)
	require.NotNil(t, body.RootBundleID)
	assert.Equal(t, rootBundle, *body.RootBundleID)
	require.NotNil(t, body.StartOffsetInRootBundle)
	assert.Equal(t, start, *body.StartOffsetInRootBundle)
	assert.Equal(t, item.ByteCount, body.RawContentLength)
}

func TestGetOffset_NotFound(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	app := statusApp(db.NewFromPool(testDB.Pool))

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/tx/"+testutil.RandomDataItemID()+"/offset", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 404, resp.StatusCode)

	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "No offset recorded for data item", body["error"])
}
