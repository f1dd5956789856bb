package bundler

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/gateway"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	qmemory "github.com/vilenarios/ar-io-bundler/pkg/queue/memory"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	dbmemory "github.com/vilenarios/ar-io-bundler/pkg/store/db/memory"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object/fs"
)

// Key generation is expensive; every test shares one service wallet.
var (
	walletOnce sync.Once
	testWallet *arweave.Wallet
	walletErr  error
)

func serviceWallet(t *testing.T) *arweave.Wallet {
	t.Helper()
	walletOnce.Do(func() {
		testWallet, walletErr = arweave.GenerateWallet()
	})
	require.NoError(t, walletErr)
	return testWallet
}

// chainGateway is a scripted chain view: fixed height, anchor and price,
// recorded submissions and chunk uploads, per-transaction status and header.
type chainGateway struct {
	mu        sync.Mutex
	height    int64
	submitErr error
	submitted []*arweave.Transaction
	chunks    int
	status    map[arweave.TxID]gateway.TxStatus
	headers   map[arweave.TxID]*ans104.BundleHeader
}

func newChainGateway() *chainGateway {
	return &chainGateway{
		height:  1000,
		status:  make(map[arweave.TxID]gateway.TxStatus),
		headers: make(map[arweave.TxID]*ans104.BundleHeader),
	}
}

func (g *chainGateway) CurrentHeight(ctx context.Context) (int64, error) { return g.height, nil }

func (g *chainGateway) TxAnchor(ctx context.Context) (string, error) {
	return base64.RawURLEncoding.EncodeToString(make([]byte, 32)), nil
}

func (g *chainGateway) Price(ctx context.Context, byteCount int64) (string, error) {
	return "123456789", nil
}

func (g *chainGateway) SubmitTx(ctx context.Context, tx *arweave.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return g.submitErr
	}
	g.submitted = append(g.submitted, tx)
	return nil
}

func (g *chainGateway) UploadChunk(ctx context.Context, dataRoot []byte, dataSize int64, chunk arweave.Chunk, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chunks++
	return nil
}

func (g *chainGateway) Status(ctx context.Context, id arweave.TxID) (gateway.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.status[id]
	if !ok {
		return gateway.TxStatus{}, gateway.ErrTxNotFound
	}
	return st, nil
}

func (g *chainGateway) BundleHeader(ctx context.Context, id arweave.TxID) (*ans104.BundleHeader, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.headers[id]
	if !ok {
		return nil, gateway.ErrTxNotFound
	}
	return h, nil
}

type pipeline struct {
	cfg     config.BundlingConfig
	db      db.Database
	objects *fs.Store
	queue   *qmemory.Queue
	gw      *chainGateway

	planner  *Planner
	preparer *Preparer
	poster   *Poster
	verifier *Verifier
	indexer  *Indexer
}

func pipelineConfig() config.BundlingConfig {
	return config.BundlingConfig{
		MaxDataItemBytes:        1 << 20,
		MaxBundleBytes:          1 << 20,
		MaxItemsPerBundle:       10,
		MaxPlanWait:             time.Minute,
		MaxPostAttempts:         2,
		MaxRepacks:              2,
		PermanentThreshold:      18,
		RepackThreshold:         50,
		BlockTime:               10 * time.Millisecond,
		DroppedThreshold:        time.Hour,
		OffsetTTL:               time.Hour,
		DeadlineHeightIncrement: 200,
		PriorityClasses:         []string{"default"},
	}
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	objects, err := fs.New(fs.Config{BasePath: t.TempDir()})
	require.NoError(t, err)

	p := &pipeline{
		cfg:     pipelineConfig(),
		db:      dbmemory.New(),
		objects: objects,
		queue:   qmemory.New(),
		gw:      newChainGateway(),
	}

	m := metrics.New()
	workers := config.WorkersConfig{SeedConcurrency: 2}
	p.indexer = NewIndexer(p.db, m)
	p.planner = NewPlanner(p.cfg, p.db, p.queue, m)
	p.preparer = NewPreparer(p.cfg, p.db, p.objects, p.queue, m)
	p.poster = NewPoster(p.cfg, workers, p.db, p.objects, p.gw, serviceWallet(t), p.queue, p.indexer, m)
	p.verifier = NewVerifier(p.cfg, p.db, p.gw, p.queue, m)
	return p
}

// admitItem stores raw bytes and the matching row, backdated so the planner
// closes a plan immediately.
func (p *pipeline) admitItem(t *testing.T, size int64, age time.Duration) (arweave.TxID, []byte) {
	t.Helper()
	ctx := context.Background()

	raw := make([]byte, size)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	id := arweave.DataItemID(raw[:64])

	require.NoError(t, p.objects.Put(ctx, object.RawKey(id.String()), size,
		"application/octet-stream", bytes.NewReader(raw)))
	require.NoError(t, p.db.InsertNewDataItem(ctx, db.NewDataItem{
		ID:            id,
		OwnerAddress:  "owner",
		SignatureType: int(arweave.SignatureTypeEd25519),
		ByteCount:     size,
		PriorityClass: "default",
		UploadedAt:    time.Now().UTC().Add(-age),
	}))
	return id, raw
}

// plan closes one plan directly, the way a planner pass would.
func (p *pipeline) plan(t *testing.T) *db.BundlePlan {
	t.Helper()
	plan, _, err := p.db.AssemblePlan(context.Background(), "default", db.PackPolicy{
		MaxBundleBytes:     p.cfg.MaxBundleBytes,
		MaxItemsPerBundle:  p.cfg.MaxItemsPerBundle,
		HeaderBytesPerItem: ans104.HeaderEntrySize,
		MaxPlanWait:        p.cfg.MaxPlanWait,
	}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, plan)
	return plan
}

func planMsg(t *testing.T, planID string, attempt int) queue.Message {
	t.Helper()
	payload, err := json.Marshal(queue.PlanJob{PlanID: planID})
	require.NoError(t, err)
	return queue.Message{ID: "test", Name: "test", Payload: payload, Attempt: attempt}
}

// drainIndexer runs the offset flusher until its buffer is flushed.
func (p *pipeline) drainIndexer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.indexer.Run(ctx, 1))
}

func (p *pipeline) readObject(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := p.objects.Get(context.Background(), key, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestPipeline_ItemToPermanent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id1, raw1 := p.admitItem(t, 300, 2*time.Hour)
	id2, raw2 := p.admitItem(t, 500, time.Hour)

	plan := p.plan(t)
	require.Equal(t, 2, plan.ItemCount)

	// prepare stages header plus payload under the deterministic bundle id
	require.NoError(t, p.preparer.HandlePrepare(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err := p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStateNew, bundle.State)
	assert.Equal(t, ans104.HeaderSize(2), bundle.HeaderByteCount)
	assert.Equal(t, int64(800), bundle.PayloadByteCount)
	assert.Equal(t, ans104.DeriveBundleID([]arweave.TxID{id1, id2}), bundle.BundleID)

	stagedID := bundle.BundleID.String()
	payload := p.readObject(t, object.BundlePayloadKey(stagedID))
	assert.Equal(t, append(append([]byte{}, raw1...), raw2...), payload)

	headerBytes := p.readObject(t, object.BundleHeaderKey(stagedID))
	header, err := ans104.ParseBundleHeader(bytes.NewReader(headerBytes))
	require.NoError(t, err)
	require.Len(t, header.Entries, 2)
	assert.Equal(t, id1, header.Entries[0].ID)
	assert.Equal(t, int64(500), header.Entries[1].Size)

	assert.Equal(t, 1, p.queue.Pending(queue.JobPostBundle))

	// post signs the layer-one transaction and renames the staged objects
	require.NoError(t, p.poster.HandlePost(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err = p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStatePosted, bundle.State)
	assert.NotEqual(t, stagedID, bundle.BundleID.String())
	assert.Equal(t, "123456789", bundle.Reward)

	require.Len(t, p.gw.submitted, 1)
	assert.Equal(t, bundle.BundleID.String(), p.gw.submitted[0].ID)
	assert.Equal(t, "123456789", p.gw.submitted[0].Reward)

	onchainID := bundle.BundleID.String()
	_, err = p.objects.Head(ctx, object.BundlePayloadKey(onchainID))
	assert.NoError(t, err)
	_, err = p.objects.Head(ctx, object.BundlePayloadKey(stagedID))
	assert.ErrorIs(t, err, object.ErrNotFound)

	assert.Equal(t, 1, p.queue.Pending(queue.JobSeedBundle))

	// seed uploads every chunk
	require.NoError(t, p.poster.HandleSeed(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err = p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStateSeeded, bundle.State)
	assert.False(t, bundle.SeededAt.IsZero())

	expectedChunks := arweave.ChunkData(append(headerBytes, payload...)).Chunks
	assert.Equal(t, len(expectedChunks), p.gw.chunks)
	assert.Equal(t, 1, p.queue.Pending(queue.JobVerifyBundle))

	// the chain confirms the full bundle
	p.gw.status[bundle.BundleID] = gateway.TxStatus{BlockHeight: 5000, Confirmations: 20}
	p.gw.headers[bundle.BundleID] = header

	require.NoError(t, p.verifier.HandleVerify(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err = p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStatePermanent, bundle.State)

	for _, id := range []arweave.TxID{id1, id2} {
		st, err := p.db.ItemStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, db.ItemStatusPermanent, st.Status)
		assert.Equal(t, int64(5000), st.BlockHeight)
	}

	// offset rows locate each item inside the bundle under its on-chain id
	p.drainIndexer(t)
	off1, err := p.db.GetOffset(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, onchainID, off1.RootBundleID.String())
	assert.Equal(t, ans104.HeaderSize(2), off1.StartOffset)
	assert.Equal(t, int64(300), off1.RawContentLength)

	off2, err := p.db.GetOffset(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, onchainID, off2.RootBundleID.String())
	assert.Equal(t, ans104.HeaderSize(2)+300, off2.StartOffset)
}

func TestPipeline_UnconfirmedBundleIsRequeued(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.admitItem(t, 100, time.Hour)
	plan := p.plan(t)
	require.NoError(t, p.preparer.HandlePrepare(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandlePost(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandleSeed(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err := p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)

	// few confirmations: stay seeded, check again later
	p.gw.status[bundle.BundleID] = gateway.TxStatus{BlockHeight: 5000, Confirmations: 3}
	verifyPending := p.queue.Pending(queue.JobVerifyBundle)

	require.NoError(t, p.verifier.HandleVerify(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err = p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStateSeeded, bundle.State)
	assert.Equal(t, verifyPending+1, p.queue.Pending(queue.JobVerifyBundle))
}

func TestPipeline_MissingItemReleasedAfterConfirmation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id1, _ := p.admitItem(t, 300, 2*time.Hour)
	id2, _ := p.admitItem(t, 500, time.Hour)

	plan := p.plan(t)
	require.NoError(t, p.preparer.HandlePrepare(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandlePost(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandleSeed(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err := p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)

	// the confirmed header carries only the first item, deep past the
	// repack threshold, so the absence is final
	p.gw.status[bundle.BundleID] = gateway.TxStatus{BlockHeight: 7000, Confirmations: 60}
	p.gw.headers[bundle.BundleID] = &ans104.BundleHeader{
		Entries: []ans104.BundleEntry{{Size: 300, ID: id1}},
	}

	require.NoError(t, p.verifier.HandleVerify(ctx, planMsg(t, plan.PlanID, 1)))

	st1, err := p.db.ItemStatus(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusPermanent, st1.Status)
	assert.Equal(t, int64(7000), st1.BlockHeight)

	st2, err := p.db.ItemStatus(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, st2.Status, "the missing item goes back for repack")
}

// failingReleaseDB fails the first ReleaseItems call and then behaves
// normally, modelling a transient database error during settlement.
type failingReleaseDB struct {
	db.Database
	failures int
}

func (f *failingReleaseDB) ReleaseItems(ctx context.Context, planID string, itemIDs []arweave.TxID, maxRepacks int) (db.FailureOutcome, error) {
	if f.failures > 0 {
		f.failures--
		return db.FailureOutcome{}, errors.New("transient release failure")
	}
	return f.Database.ReleaseItems(ctx, planID, itemIDs, maxRepacks)
}

func TestPipeline_ReleaseFailureKeepsBundleSeeded(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id1, _ := p.admitItem(t, 300, 2*time.Hour)
	id2, _ := p.admitItem(t, 500, time.Hour)

	plan := p.plan(t)
	require.NoError(t, p.preparer.HandlePrepare(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandlePost(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandleSeed(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err := p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)

	p.gw.status[bundle.BundleID] = gateway.TxStatus{BlockHeight: 7000, Confirmations: 60}
	p.gw.headers[bundle.BundleID] = &ans104.BundleHeader{
		Entries: []ans104.BundleEntry{{Size: 300, ID: id1}},
	}

	flaky := &failingReleaseDB{Database: p.db, failures: 1}
	verifier := NewVerifier(p.cfg, flaky, p.gw, p.queue, metrics.New())

	// The release fails before the bundle is promoted, so the whole job
	// errors and stays retryable.
	require.Error(t, verifier.HandleVerify(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err = p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStateSeeded, bundle.State, "a failed settlement must not advance the bundle")

	// The redelivered job settles fully: missing item released, bundle
	// permanent.
	require.NoError(t, verifier.HandleVerify(ctx, planMsg(t, plan.PlanID, 2)))

	bundle, err = p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStatePermanent, bundle.State)

	st1, err := p.db.ItemStatus(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusPermanent, st1.Status)

	st2, err := p.db.ItemStatus(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, st2.Status)
}

func TestPipeline_DroppedBundleReleasesItems(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id, _ := p.admitItem(t, 200, time.Hour)
	plan := p.plan(t)
	require.NoError(t, p.preparer.HandlePrepare(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandlePost(ctx, planMsg(t, plan.PlanID, 1)))
	require.NoError(t, p.poster.HandleSeed(ctx, planMsg(t, plan.PlanID, 1)))

	// the gateway never learns the transaction and the dropped threshold
	// has long passed
	p.verifier.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	require.NoError(t, p.verifier.HandleVerify(ctx, planMsg(t, plan.PlanID, 1)))

	bundle, err := p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStateDropped, bundle.State)

	st, err := p.db.ItemStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, st.Status)
}

func TestPipeline_PostFailureExhaustsAttempts(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id, _ := p.admitItem(t, 200, time.Hour)
	plan := p.plan(t)
	require.NoError(t, p.preparer.HandlePrepare(ctx, planMsg(t, plan.PlanID, 1)))

	p.gw.submitErr = errors.New("gateway rejects everything")

	// first failure stays retryable and surfaces the cause to the queue
	err := p.poster.HandlePost(ctx, planMsg(t, plan.PlanID, 1))
	require.Error(t, err)

	// the post budget is 2; the second failure fails the bundle for good
	require.NoError(t, p.poster.HandlePost(ctx, planMsg(t, plan.PlanID, 2)))

	bundle, err := p.db.GetBundle(ctx, plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, db.BundleStateFailed, bundle.State)

	st, err := p.db.ItemStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, st.Status, "one repack left on the item")
}

func TestPlanner_RunOnce(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id, _ := p.admitItem(t, 100, time.Hour)

	p.planner.RunOnce(ctx)

	assert.Equal(t, 1, p.queue.Pending(queue.JobPrepareBundle))
	st, err := p.db.ItemStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusPlanned, st.Status)
}

func TestPlanner_YoungUnderfullItemsWait(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id, _ := p.admitItem(t, 100, 0)

	p.planner.RunOnce(ctx)

	assert.Zero(t, p.queue.Pending(queue.JobPrepareBundle))
	st, err := p.db.ItemStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusNew, st.Status)
}
