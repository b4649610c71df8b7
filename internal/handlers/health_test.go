package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/db/testutil"
	"permagate/internal/objectstore"
)

// brokenStore fails every metadata probe, standing in for an unreachable
// object store.
type brokenStore struct {
	objectstore.Store
}

func (brokenStore) Head(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	return objectstore.ObjectInfo{}, errors.New("connection refused")
}

func healthApp(database *db.DB, store objectstore.Store) *fiber.App {
	handler := NewHealthHandler(database, store, &config.Config{})

	app := fiber.New()
	handler.RegisterRoutes(app)
	return app
}

func TestHealth_AllUp(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	app := healthApp(db.NewFromPool(testDB.Pool), objectstore.NewMemory())

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body HealthResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "up", body.Services["database"])
	assert.Equal(t, "up", body.Services["object_store"])
	assert.Equal(t, "up", body.Services["api"])
	assert.NotZero(t, body.Timestamp)
}

func TestHealth_NoDatabase(t *testing.T) {
	app := healthApp(nil, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body HealthResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "not_configured", body.Services["database"])

	// The payment service runs without an object store; no store, no entry.
	_, present := body.Services["object_store"]
	assert.False(t, present)
}

func TestHealth_StoreDown(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	app := healthApp(db.NewFromPool(testDB.Pool), brokenStore{})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body HealthResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "up", body.Services["database"])
	assert.Equal(t, "down", body.Services["object_store"])
}

func TestHealthLive_Always200(t *testing.T) {
	app := healthApp(nil, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/health/live", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "alive", body["status"])
}

func TestHealthReady_AllUp(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	app := healthApp(db.NewFromPool(testDB.Pool), objectstore.NewMemory())

	resp, err := app.Test(httptest.NewRequest("GET", "/health/ready", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "ready", body["status"])
}

func TestHealthReady_NoDatabase(t *testing.T) {
	app := healthApp(nil, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/health/ready", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 503, resp.StatusCode)

	var body map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "database_unavailable", body["reason"])
}

func TestHealthReady_StoreDown(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	app := healthApp(db.NewFromPool(testDB.Pool), brokenStore{})

	resp, err := app.Test(httptest.NewRequest("GET", "/health/ready", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 503, resp.StatusCode)

	var body map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "object_store_unavailable", body["reason"])
}
