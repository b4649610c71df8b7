package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/ans104"
	"permagate/internal/config"
	"permagate/internal/db/testutil"
	"permagate/internal/queue"
)

var bundleItemTags = []ans104.Tag{
	{Name: "Bundle-Format", Value: "binary"},
	{Name: "Bundle-Version", Value: "2.0.0"},
}

func TestHandleUnbundleBDIIndexesChildren(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	rig := newTestRig(t, testDB)
	ctx := context.Background()

	signer := newItemSigner(t)
	rawOne, childOne := buildTestItem(t, signer, nil, []byte("first nested payload"))
	rawTwo, childTwo := buildTestItem(t, signer, []ans104.Tag{
		{Name: "Content-Type", Value: "text/plain"},
	}, []byte("second nested payload"))

	var payload bytes.Buffer
	require.NoError(t, ans104.WriteBundleHeader(&payload, []ans104.BundleEntry{
		{Id: childOne.Id, Size: int64(len(rawOne))},
		{Id: childTwo.Id, Size: int64(len(rawTwo))},
	}))
	payload.Write(rawOne)
	payload.Write(rawTwo)

	parentRaw, parentInfo := buildTestItem(t, signer, bundleItemTags, payload.Bytes())
	rig.ingestItem(t, parentRaw, parentInfo)
	require.Equal(t, int64(1), rig.depth(t, queueUnbundleBDI))
	require.Equal(t, int64(1), rig.depth(t, queuePutOffsets))

	job := testJob(t, unbundleJob{DataItemID: parentInfo.Id})
	require.NoError(t, rig.engine.handleUnbundleBDI(ctx, job))
	require.Equal(t, int64(2), rig.depth(t, queuePutOffsets))

	// Redelivery dedupes on the batch key.
	require.NoError(t, rig.engine.handleUnbundleBDI(ctx, job))
	require.Equal(t, int64(2), rig.depth(t, queuePutOffsets))

	var batch json.RawMessage
	require.NoError(t, testDB.Pool.QueryRow(ctx, `
		SELECT payload FROM queue_jobs WHERE queue = $1 AND job_key = $2
	`, queuePutOffsets, fmt.Sprintf("unbundle-%s-0", parentInfo.Id)).Scan(&batch))
	require.NoError(t, rig.engine.handlePutOffsets(ctx, &queue.Job{Payload: batch}))

	first, err := rig.database.GetDataItemOffset(ctx, childOne.Id)
	require.NoError(t, err)
	require.NotNil(t, first.ParentDataItemID)
	assert.Equal(t, parentInfo.Id, *first.ParentDataItemID)
	require.NotNil(t, first.StartOffsetInParentPayload)
	assert.Equal(t, ans104.BundleHeaderSize(2), *first.StartOffsetInParentPayload)
	assert.Equal(t, int64(len(rawOne)), first.RawContentLength)
	assert.Equal(t, childOne.PayloadStart, first.PayloadDataStart)
	require.NotNil(t, first.ExpiresAt)
	assert.True(t, first.ExpiresAt.After(time.Now()))

	second, err := rig.database.GetDataItemOffset(ctx, childTwo.Id)
	require.NoError(t, err)
	require.NotNil(t, second.StartOffsetInParentPayload)
	assert.Equal(t, ans104.BundleHeaderSize(2)+int64(len(rawOne)), *second.StartOffsetInParentPayload)
	assert.Equal(t, "text/plain", second.PayloadContentType)
}

func TestHandleUnbundleBDIQueuesOpticalForChildren(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	rig := newTestRig(t, testDB, func(cfg *config.Config) {
		cfg.Optical.Enabled = true
		cfg.Optical.URLs = []string{"http://bridge-one.test/tx"}
		cfg.Optical.Timeout = 5 * time.Second
	})
	ctx := context.Background()

	signer := newItemSigner(t)
	rawOne, childOne := buildTestItem(t, signer, nil, []byte("nested one"))
	rawTwo, childTwo := buildTestItem(t, signer, nil, []byte("nested two"))

	var payload bytes.Buffer
	require.NoError(t, ans104.WriteBundleHeader(&payload, []ans104.BundleEntry{
		{Id: childOne.Id, Size: int64(len(rawOne))},
		{Id: childTwo.Id, Size: int64(len(rawTwo))},
	}))
	payload.Write(rawOne)
	payload.Write(rawTwo)

	parentRaw, parentInfo := buildTestItem(t, signer, bundleItemTags, payload.Bytes())
	rig.ingestItem(t, parentRaw, parentInfo)
	require.Equal(t, int64(1), rig.depth(t, queueOpticalPost))

	require.NoError(t, rig.engine.handleUnbundleBDI(ctx, testJob(t, unbundleJob{DataItemID: parentInfo.Id})))

	assert.Equal(t, int64(3), rig.depth(t, queueOpticalPost))
}

func TestHandleUnbundleBDIMissingParentIsFatal(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	rig := newTestRig(t, testDB)

	err := rig.engine.handleUnbundleBDI(context.Background(),
		testJob(t, unbundleJob{DataItemID: "never-stored-item"}))
	require.Error(t, err)
	assert.True(t, queue.IsFatal(err))
}

func TestHandleUnbundleBDIMalformedPayloadIsNoop(t *testing.T) {
	testDB := testutil.NewUploadTestDB(t)
	defer testDB.Close(t)

	rig := newTestRig(t, testDB)
	ctx := context.Background()

	parentRaw, parentInfo := buildTestItem(t, newItemSigner(t), bundleItemTags,
		[]byte("definitely not a bundle payload at all"))
	rig.ingestItem(t, parentRaw, parentInfo)
	require.Equal(t, int64(1), rig.depth(t, queuePutOffsets))

	require.NoError(t, rig.engine.handleUnbundleBDI(ctx, testJob(t, unbundleJob{DataItemID: parentInfo.Id})))

	// Nothing to index, nothing enqueued.
	assert.Equal(t, int64(1), rig.depth(t, queuePutOffsets))
}
