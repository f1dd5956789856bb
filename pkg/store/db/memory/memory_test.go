package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

var testPolicy = db.PackPolicy{
	MaxBundleBytes:    1 << 20,
	MaxItemsPerBundle: 100,
	MaxPlanWait:       5 * time.Minute,
}

func newItem(n byte, size int64, uploadedAt time.Time) db.NewDataItem {
	return db.NewDataItem{
		ID:            arweave.DataItemID([]byte{n}),
		OwnerAddress:  "owner",
		ByteCount:     size,
		PriorityClass: "default",
		UploadedAt:    uploadedAt,
	}
}

func mustPlan(t *testing.T, s *Store, class string) (*db.BundlePlan, []db.PlannedItem) {
	t.Helper()
	plan, items, err := s.AssemblePlan(context.Background(), class, testPolicy, time.Now())
	require.NoError(t, err)
	require.NotNil(t, plan)
	return plan, items
}

func TestInsertNewDataItem_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(1, 100, time.Now())

	require.NoError(t, s.InsertNewDataItem(ctx, item))
	assert.ErrorIs(t, s.InsertNewDataItem(ctx, item), db.ErrDuplicateItem)

	info, err := s.ItemStatus(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, info.Status)
}

func TestItemStatus_Unknown(t *testing.T) {
	s := New()
	info, err := s.ItemStatus(context.Background(), arweave.DataItemID([]byte("nope")))
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNotFound, info.Status)
}

func TestAssemblePlan_WaitsForYoungItems(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(1, 100, time.Now())))

	// young and underfull: no plan closes
	plan, _, err := s.AssemblePlan(ctx, "default", testPolicy, time.Now())
	require.NoError(t, err)
	assert.Nil(t, plan)

	// once the oldest item has waited past MaxPlanWait, the plan closes
	plan, items, err := s.AssemblePlan(ctx, "default", testPolicy,
		time.Now().Add(testPolicy.MaxPlanWait+time.Second))
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Len(t, items, 1)
	assert.Equal(t, int64(100), plan.ByteCount)
}

func TestAssemblePlan_FullPlanClosesImmediately(t *testing.T) {
	s := New()
	ctx := context.Background()
	policy := testPolicy
	policy.MaxItemsPerBundle = 2

	now := time.Now()
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, s.InsertNewDataItem(ctx, newItem(i, 10, now.Add(time.Duration(i)*time.Millisecond))))
	}

	plan, items, err := s.AssemblePlan(ctx, "default", policy, now)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Len(t, items, 2)

	// oldest first
	assert.True(t, items[0].UploadedAt.Before(items[1].UploadedAt))

	// the third item is still new
	info, err := s.ItemStatus(ctx, arweave.DataItemID([]byte{3}))
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, info.Status)
}

func TestAssemblePlan_ClassIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(1, 10, time.Now().Add(-time.Hour))
	item.PriorityClass = "warp"
	require.NoError(t, s.InsertNewDataItem(ctx, item))

	plan, _, err := s.AssemblePlan(ctx, "default", testPolicy, time.Now())
	require.NoError(t, err)
	assert.Nil(t, plan, "items of another class must not be selected")
}

func TestBundleLifecycle_Permanent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(1, 10, time.Now().Add(-time.Hour))))
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(2, 20, time.Now().Add(-time.Hour))))

	plan, items := mustPlan(t, s, "default")
	require.Len(t, items, 2)

	bundleID := arweave.DataItemID([]byte("bundle"))
	require.NoError(t, s.InsertBundle(ctx, db.Bundle{PlanID: plan.PlanID, BundleID: bundleID}))

	require.NoError(t, s.AdvanceBundle(ctx, plan.PlanID, db.BundleStateNew, db.BundleStatePosted))
	require.NoError(t, s.AdvanceBundle(ctx, plan.PlanID, db.BundleStatePosted, db.BundleStateSeeded))

	// wrong-state transition is refused
	assert.ErrorIs(t, s.AdvanceBundle(ctx, plan.PlanID, db.BundleStateNew, db.BundleStatePosted),
		db.ErrWrongState)

	b, err := s.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.False(t, b.SeededAt.IsZero(), "advancing to seeded stamps SeededAt")

	ids := []arweave.TxID{items[0].ID, items[1].ID}
	require.NoError(t, s.PromoteBundle(ctx, plan.PlanID, 12345, ids))

	for _, id := range ids {
		info, err := s.ItemStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, db.ItemStatusPermanent, info.Status)
		assert.Equal(t, int64(12345), info.BlockHeight)
		assert.Equal(t, bundleID.String(), info.BundleID)
	}

	// idempotent
	require.NoError(t, s.PromoteBundle(ctx, plan.PlanID, 99999, ids))
	info, err := s.ItemStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(12345), info.BlockHeight)
}

func TestFailBundle_ReleasesItems(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(1, 10, time.Now().Add(-time.Hour))))

	plan, items := mustPlan(t, s, "default")
	require.NoError(t, s.InsertBundle(ctx, db.Bundle{PlanID: plan.PlanID}))

	outcome, err := s.FailBundle(ctx, plan.PlanID, db.BundleStateFailed, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.ReleasedItems)
	assert.Equal(t, 0, outcome.FailedItems)

	// the item is new again, with its retry count bumped
	info, err := s.ItemStatus(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, info.Status)

	_, replanned := mustPlan(t, s, "default")
	assert.Equal(t, 1, replanned[0].RetryCount)

	b, err := s.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStateFailed, b.State)
}

func TestFailBundle_ExhaustsRepacks(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(1, 10, time.Now().Add(-time.Hour))))
	id := arweave.DataItemID([]byte{1})

	maxRepacks := 2
	for i := 0; i < maxRepacks; i++ {
		plan, _ := mustPlan(t, s, "default")
		_, err := s.FailBundle(ctx, plan.PlanID, db.BundleStateDropped, maxRepacks)
		require.NoError(t, err)
	}

	info, err := s.ItemStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusFailed, info.Status)

	// terminal: the id stays registered, re-admission is a duplicate
	assert.ErrorIs(t, s.InsertNewDataItem(ctx, newItem(1, 10, time.Now())), db.ErrDuplicateItem)
}

func TestReleaseItems_Partial(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(1, 10, time.Now().Add(-time.Hour))))
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(2, 10, time.Now().Add(-time.Hour))))

	plan, items := mustPlan(t, s, "default")
	require.Len(t, items, 2)

	outcome, err := s.ReleaseItems(ctx, plan.PlanID, []arweave.TxID{items[0].ID}, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.ReleasedItems)

	info, err := s.ItemStatus(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, info.Status)

	info, err = s.ItemStatus(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusPlanned, info.Status)
}

func TestItemStatus_FollowsBundleState(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertNewDataItem(ctx, newItem(1, 10, time.Now().Add(-time.Hour))))

	plan, items := mustPlan(t, s, "default")
	require.NoError(t, s.InsertBundle(ctx, db.Bundle{PlanID: plan.PlanID}))

	require.NoError(t, s.AdvanceBundle(ctx, plan.PlanID, db.BundleStateNew, db.BundleStatePosted))
	info, err := s.ItemStatus(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusPosted, info.Status)

	require.NoError(t, s.AdvanceBundle(ctx, plan.PlanID, db.BundleStatePosted, db.BundleStateSeeded))
	info, err = s.ItemStatus(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusSeeded, info.Status)
}

func TestIncrementBundleFailure(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertBundle(ctx, db.Bundle{PlanID: "p1"}))

	n, err := s.IncrementBundleFailure(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementBundleFailure(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementBundleFailure(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestOffsets_TTL(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := arweave.DataItemID([]byte("item"))
	root := arweave.DataItemID([]byte("root"))

	require.NoError(t, s.InsertOffsets(ctx, []db.OffsetRecord{{
		DataItemID:   id,
		RootBundleID: root,
		StartOffset:  48,
		ExpiresAt:    time.Now().Add(time.Hour),
	}}))

	rec, err := s.GetOffset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(48), rec.StartOffset)
	assert.Equal(t, root, rec.RootBundleID)

	// re-insert with the same key is idempotent
	require.NoError(t, s.InsertOffsets(ctx, []db.OffsetRecord{{
		DataItemID:   id,
		RootBundleID: root,
		StartOffset:  48,
		ExpiresAt:    time.Now().Add(time.Hour),
	}}))

	n, err := s.DeleteExpiredOffsets(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetOffset(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestGetOffset_SkipsExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := arweave.DataItemID([]byte("item"))

	require.NoError(t, s.InsertOffsets(ctx, []db.OffsetRecord{{
		DataItemID:   id,
		RootBundleID: arweave.DataItemID([]byte("old")),
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}))

	_, err := s.GetOffset(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestMultipartUpload_Lifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	u := db.MultipartUpload{
		UploadID:  "u1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		ChunkSize: 1 << 20,
	}
	require.NoError(t, s.InsertMultipartUpload(ctx, u))

	got, err := s.GetMultipartUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), got.ChunkSize)

	id := arweave.DataItemID([]byte("done"))
	require.NoError(t, s.FinalizeMultipartUpload(ctx, "u1", id))
	got, err = s.GetMultipartUpload(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Finalized)
	require.NotNil(t, got.DataItemID)
	assert.Equal(t, id, *got.DataItemID)

	// finalized uploads never expire into the sweep
	expired, err := s.ExpiredMultipartUploads(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)

	require.NoError(t, s.DeleteMultipartUpload(ctx, "u1"))
	_, err = s.GetMultipartUpload(ctx, "u1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestExpiredMultipartUploads(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertMultipartUpload(ctx, db.MultipartUpload{
		UploadID:  "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, s.InsertMultipartUpload(ctx, db.MultipartUpload{
		UploadID:  "fresh",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	expired, err := s.ExpiredMultipartUploads(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].UploadID)
}
