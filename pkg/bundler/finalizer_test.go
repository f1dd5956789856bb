package bundler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/credit"
	"github.com/vilenarios/ar-io-bundler/pkg/ingress"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	qmemory "github.com/vilenarios/ar-io-bundler/pkg/queue/memory"
	"github.com/vilenarios/ar-io-bundler/pkg/receipt"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	dbmemory "github.com/vilenarios/ar-io-bundler/pkg/store/db/memory"
	kvmemory "github.com/vilenarios/ar-io-bundler/pkg/store/kv/memory"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object/fs"
)

type finalizerFixture struct {
	db        db.Database
	objects   *fs.Store
	finalizer *Finalizer
}

func newFinalizerFixture(t *testing.T) *finalizerFixture {
	t.Helper()

	objects, err := fs.New(fs.Config{BasePath: t.TempDir()})
	require.NoError(t, err)
	database := dbmemory.New()

	cfg := config.BundlingConfig{
		MaxDataItemBytes:        1 << 20,
		InFlightTTL:             time.Minute,
		DeadlineHeightIncrement: 200,
		PriorityClasses:         []string{"default"},
	}
	admitter := ingress.NewAdmitter(cfg, ingress.AdmitterDeps{
		DB:       database,
		Objects:  objects,
		KV:       kvmemory.New(),
		Credit:   credit.Free{},
		Queue:    qmemory.New(),
		Gateway:  newChainGateway(),
		Receipts: receipt.NewSigner(serviceWallet(t)),
		Metrics:  metrics.New(),
	})

	return &finalizerFixture{
		db:        database,
		objects:   objects,
		finalizer: NewFinalizer(database, objects, admitter),
	}
}

func uploadMsg(t *testing.T, uploadID string) queue.Message {
	t.Helper()
	payload, err := json.Marshal(queue.UploadJob{UploadID: uploadID})
	require.NoError(t, err)
	return queue.Message{ID: "test", Name: queue.JobFinalizeMultipart, Payload: payload, Attempt: 1}
}

// putChunks splits raw into chunkSize pieces under the upload's chunk keys.
func (f *finalizerFixture) putChunks(t *testing.T, uploadID string, raw []byte, chunkSize int64) int {
	t.Helper()
	ctx := context.Background()
	count := 0
	for start := int64(0); start < int64(len(raw)); start += chunkSize {
		end := start + chunkSize
		if end > int64(len(raw)) {
			end = int64(len(raw))
		}
		part := raw[start:end]
		require.NoError(t, f.objects.Put(ctx, object.MultipartChunkKey(uploadID, count),
			int64(len(part)), "application/octet-stream", bytes.NewReader(part)))
		count++
	}
	return count
}

func TestFinalizer_AssemblesUpload(t *testing.T) {
	f := newFinalizerFixture(t)
	ctx := context.Background()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	item := &ans104.DataItem{
		Tags: []ans104.Tag{{Name: "Content-Type", Value: "text/plain"}},
		Data: []byte("assembled from three chunks of bytes"),
	}
	require.NoError(t, item.SignEd25519(priv))
	raw, err := item.Serialize()
	require.NoError(t, err)

	chunkSize := int64(len(raw)/3 + 1)
	chunks := f.putChunks(t, "up-1", raw, chunkSize)
	require.NoError(t, f.db.InsertMultipartUpload(ctx, db.MultipartUpload{
		UploadID:  "up-1",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour),
		ChunkSize: chunkSize,
	}))

	require.NoError(t, f.finalizer.HandleFinalize(ctx, uploadMsg(t, "up-1")))

	upload, err := f.db.GetMultipartUpload(ctx, "up-1")
	require.NoError(t, err)
	assert.True(t, upload.Finalized)
	require.NotNil(t, upload.DataItemID)
	assert.Equal(t, item.ID(), *upload.DataItemID)

	// the result matches a single-shot upload: durable raw object plus row
	info, err := f.objects.Head(ctx, object.RawKey(item.ID().String()))
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), info.Size)

	st, err := f.db.ItemStatus(ctx, item.ID())
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, st.Status)

	// chunks are swept after finalizing
	for i := 0; i < chunks; i++ {
		_, err := f.objects.Head(ctx, object.MultipartChunkKey("up-1", i))
		assert.ErrorIs(t, err, object.ErrNotFound)
	}

	// re-delivery of the job is a no-op
	require.NoError(t, f.finalizer.HandleFinalize(ctx, uploadMsg(t, "up-1")))
}

func TestFinalizer_UnknownUploadIsDropped(t *testing.T) {
	f := newFinalizerFixture(t)
	assert.NoError(t, f.finalizer.HandleFinalize(context.Background(), uploadMsg(t, "no-such-upload")))
}

func TestFinalizer_NoChunksFailsUpload(t *testing.T) {
	f := newFinalizerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.InsertMultipartUpload(ctx, db.MultipartUpload{
		UploadID:  "up-empty",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour),
		ChunkSize: 1024,
	}))

	require.NoError(t, f.finalizer.HandleFinalize(ctx, uploadMsg(t, "up-empty")))

	upload, err := f.db.GetMultipartUpload(ctx, "up-empty")
	require.NoError(t, err)
	assert.False(t, upload.Finalized)
	assert.NotEmpty(t, upload.FailedReason)
}

func TestFinalizer_GarbageBytesFailUpload(t *testing.T) {
	f := newFinalizerFixture(t)
	ctx := context.Background()

	raw := []byte{0xff, 0xff, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	f.putChunks(t, "up-bad", raw, int64(len(raw)))
	require.NoError(t, f.db.InsertMultipartUpload(ctx, db.MultipartUpload{
		UploadID:  "up-bad",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour),
		ChunkSize: int64(len(raw)),
	}))

	// an unparseable item is a terminal rejection, not a retry
	require.NoError(t, f.finalizer.HandleFinalize(ctx, uploadMsg(t, "up-bad")))

	upload, err := f.db.GetMultipartUpload(ctx, "up-bad")
	require.NoError(t, err)
	assert.False(t, upload.Finalized)
	assert.NotEmpty(t, upload.FailedReason)
}

func TestCleaner_SweepsExpiredState(t *testing.T) {
	f := newFinalizerFixture(t)
	ctx := context.Background()

	// one expired upload with a chunk, one live upload
	f.putChunks(t, "up-old", []byte("stale"), 8)
	require.NoError(t, f.db.InsertMultipartUpload(ctx, db.MultipartUpload{
		UploadID:  "up-old",
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
		ChunkSize: 8,
	}))
	require.NoError(t, f.db.InsertMultipartUpload(ctx, db.MultipartUpload{
		UploadID:  "up-live",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour),
		ChunkSize: 8,
	}))

	cleaner := NewCleaner(config.WorkersConfig{CleanupInterval: time.Hour}, f.db, f.objects)
	cleaner.RunOnce(ctx)

	_, err := f.db.GetMultipartUpload(ctx, "up-old")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = f.objects.Head(ctx, object.MultipartChunkKey("up-old", 0))
	assert.ErrorIs(t, err, object.ErrNotFound)

	_, err = f.db.GetMultipartUpload(ctx, "up-live")
	assert.NoError(t, err)
}

func TestCleaner_SweepsOrphanedStagedBundles(t *testing.T) {
	f := newFinalizerFixture(t)
	ctx := context.Background()

	orphanID := arweave.DataItemID(bytes.Repeat([]byte{1}, 64))
	settledID := arweave.DataItemID(bytes.Repeat([]byte{2}, 64))
	liveID := arweave.DataItemID(bytes.Repeat([]byte{3}, 64))

	stage := func(id arweave.TxID) {
		for _, key := range []string{
			object.BundleHeaderKey(id.String()),
			object.BundlePayloadKey(id.String()),
		} {
			require.NoError(t, f.objects.Put(ctx, key, 4,
				"application/octet-stream", bytes.NewReader([]byte("data"))))
		}
	}
	stage(orphanID)
	stage(settledID)
	stage(liveID)

	require.NoError(t, f.db.InsertBundle(ctx, db.Bundle{PlanID: "plan-settled", BundleID: settledID}))
	require.NoError(t, f.db.AdvanceBundle(ctx, "plan-settled", db.BundleStateNew, db.BundleStatePermanent))
	require.NoError(t, f.db.InsertBundle(ctx, db.Bundle{PlanID: "plan-live", BundleID: liveID}))

	cleaner := NewCleaner(config.WorkersConfig{CleanupInterval: time.Hour}, f.db, f.objects)

	// freshly staged objects sit inside the grace window and survive
	cleaner.RunOnce(ctx)
	_, err := f.objects.Head(ctx, object.BundleHeaderKey(orphanID.String()))
	assert.NoError(t, err)

	// past the grace the rowless orphan and the settled copy are swept
	cleaner.now = func() time.Time { return time.Now().Add(2 * stagingGrace) }
	cleaner.RunOnce(ctx)

	for _, id := range []arweave.TxID{orphanID, settledID} {
		_, err := f.objects.Head(ctx, object.BundleHeaderKey(id.String()))
		assert.ErrorIs(t, err, object.ErrNotFound)
		_, err = f.objects.Head(ctx, object.BundlePayloadKey(id.String()))
		assert.ErrorIs(t, err, object.ErrNotFound)
	}

	// the live bundle's staged copy stays until it settles
	_, err = f.objects.Head(ctx, object.BundleHeaderKey(liveID.String()))
	assert.NoError(t, err)
}
