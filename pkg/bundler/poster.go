package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/gateway"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// Poster submits prepared bundles to the Arweave network. Posting signs and
// submits the layer-one transaction header; seeding uploads the payload
// chunks. Both stages are re-entrant: a re-delivered job picks up from the
// bundle's current state.
type Poster struct {
	cfg     config.BundlingConfig
	workers config.WorkersConfig
	db      db.Database
	objects object.Store
	gateway gateway.Client
	wallet  *arweave.Wallet
	queue   queue.Queue
	indexer *Indexer
	metrics *metrics.Metrics
}

// NewPoster creates a poster.
func NewPoster(cfg config.BundlingConfig, workers config.WorkersConfig, database db.Database, objects object.Store, gw gateway.Client, wallet *arweave.Wallet, q queue.Queue, ix *Indexer, m *metrics.Metrics) *Poster {
	return &Poster{
		cfg:     cfg,
		workers: workers,
		db:      database,
		objects: objects,
		gateway: gw,
		wallet:  wallet,
		queue:   q,
		indexer: ix,
		metrics: m,
	}
}

// HandlePost processes one post-bundle job.
func (p *Poster) HandlePost(ctx context.Context, msg queue.Message) error {
	var job queue.PlanJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logger.Error("undecodable post job", "id", msg.ID, "error", err)
		return nil
	}

	bundle, err := p.db.GetBundle(ctx, job.PlanID)
	if err != nil {
		return err
	}
	switch bundle.State {
	case db.BundleStateNew:
		// proceed
	case db.BundleStatePosted:
		return p.enqueueSeed(ctx, job.PlanID)
	default:
		// already seeded, verified, or terminally failed
		return nil
	}

	if err := p.post(ctx, job.PlanID, bundle); err != nil {
		return p.recordFailure(ctx, job.PlanID, msg.Attempt, err)
	}
	return p.enqueueSeed(ctx, job.PlanID)
}

// post signs the bundle transaction and submits its header. The staged
// objects move from the deterministic prepare id to the signed transaction
// id, so every later stage addresses them by the on-chain id.
func (p *Poster) post(ctx context.Context, planID string, bundle db.Bundle) error {
	data, err := p.readBundleData(ctx, bundle)
	if err != nil {
		return err
	}

	chunked := arweave.ChunkData(data)
	reward, err := p.gateway.Price(ctx, chunked.DataSize)
	if err != nil {
		return err
	}
	anchor, err := p.gateway.TxAnchor(ctx)
	if err != nil {
		return err
	}

	tx := arweave.NewBundleTransaction(p.wallet.Owner(), anchor, reward, chunked, nil)
	if err := tx.Sign(p.wallet); err != nil {
		return err
	}
	txID, err := arweave.ParseTxID(tx.ID)
	if err != nil {
		return fmt.Errorf("signed transaction has invalid id: %w", err)
	}

	// Rename the staged objects first: once the row carries the new id,
	// everything downstream expects the objects under it.
	oldID := bundle.BundleID.String()
	newID := txID.String()
	if err := p.moveStaged(ctx, oldID, newID); err != nil {
		return err
	}
	if err := p.db.SetBundleID(ctx, planID, txID, reward); err != nil {
		return err
	}

	if err := p.gateway.SubmitTx(ctx, tx); err != nil {
		return err
	}
	if err := p.db.AdvanceBundle(ctx, planID, db.BundleStateNew, db.BundleStatePosted); err != nil {
		return err
	}
	p.metrics.BundleTransition(db.BundleStatePosted)

	// Offsets are written only now that the on-chain id is final: a record
	// keyed to the prepare-time placeholder would point retrievals at a
	// root bundle that never exists on chain.
	if err := p.indexOffsets(ctx, planID, txID, bundle.HeaderByteCount); err != nil {
		return err
	}

	logger.Info("bundle posted",
		logger.KeyPlanID, planID,
		logger.KeyBundleID, newID,
		"reward", reward,
		logger.KeyByteCount, chunked.DataSize)
	return nil
}

// indexOffsets records where each planned item's bytes sit inside the posted
// bundle. Inserts are idempotent on (item, root bundle), so a re-delivered
// post job is harmless.
func (p *Poster) indexOffsets(ctx context.Context, planID string, bundleID arweave.TxID, headerSize int64) error {
	items, err := p.db.PlannedItems(ctx, planID)
	if err != nil {
		return err
	}
	records := make([]db.OffsetRecord, 0, len(items))
	offset := headerSize
	expiresAt := time.Now().Add(p.cfg.OffsetTTL)
	for _, item := range items {
		records = append(records, db.OffsetRecord{
			DataItemID:         item.ID,
			RootBundleID:       bundleID,
			StartOffset:        offset,
			RawContentLength:   item.ByteCount,
			PayloadDataStart:   item.PayloadStart,
			PayloadContentType: item.ContentType,
			ExpiresAt:          expiresAt,
		})
		offset += item.ByteCount
	}
	return p.indexer.Add(ctx, records)
}

// moveStaged renames header and payload objects, tolerating a rerun that
// already moved them.
func (p *Poster) moveStaged(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	moves := [][2]string{
		{object.BundlePayloadKey(oldID), object.BundlePayloadKey(newID)},
		{object.BundleHeaderKey(oldID), object.BundleHeaderKey(newID)},
	}
	for _, m := range moves {
		if _, err := p.objects.Head(ctx, m[1]); err == nil {
			continue
		}
		if err := p.objects.Move(ctx, m[0], m[1]); err != nil {
			return fmt.Errorf("failed to move staged object %s: %w", m[0], err)
		}
	}
	return nil
}

// HandleSeed processes one seed-bundle job: it uploads every payload chunk
// with bounded concurrency, then schedules the first verification.
func (p *Poster) HandleSeed(ctx context.Context, msg queue.Message) error {
	var job queue.PlanJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logger.Error("undecodable seed job", "id", msg.ID, "error", err)
		return nil
	}

	bundle, err := p.db.GetBundle(ctx, job.PlanID)
	if err != nil {
		return err
	}
	switch bundle.State {
	case db.BundleStatePosted:
		// proceed
	case db.BundleStateSeeded:
		return p.enqueueVerify(ctx, job.PlanID)
	default:
		return nil
	}

	if err := p.seed(ctx, bundle); err != nil {
		return p.recordFailure(ctx, job.PlanID, msg.Attempt, err)
	}

	if err := p.db.AdvanceBundle(ctx, job.PlanID, db.BundleStatePosted, db.BundleStateSeeded); err != nil {
		return err
	}
	p.metrics.BundleTransition(db.BundleStateSeeded)
	logger.Info("bundle seeded",
		logger.KeyPlanID, job.PlanID,
		logger.KeyBundleID, bundle.BundleID.String())
	return p.enqueueVerify(ctx, job.PlanID)
}

func (p *Poster) seed(ctx context.Context, bundle db.Bundle) error {
	data, err := p.readBundleData(ctx, bundle)
	if err != nil {
		return err
	}
	chunked := arweave.ChunkData(data)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers.SeedConcurrency)
	for _, chunk := range chunked.Chunks {
		g.Go(func() error {
			err := p.gateway.UploadChunk(gctx, chunked.DataRoot[:], chunked.DataSize,
				chunk, data[chunk.MinByteRange:chunk.MaxByteRange])
			if err != nil {
				return err
			}
			p.metrics.ChunkSeeded()
			return nil
		})
	}
	return g.Wait()
}

// readBundleData loads header plus payload, the exact byte sequence the
// layer-one transaction carries.
func (p *Poster) readBundleData(ctx context.Context, bundle db.Bundle) ([]byte, error) {
	id := bundle.BundleID.String()
	total := bundle.HeaderByteCount + bundle.PayloadByteCount
	data := make([]byte, 0, total)

	for _, key := range []string{object.BundleHeaderKey(id), object.BundlePayloadKey(id)} {
		rc, err := p.objects.Get(ctx, key, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", key, err)
		}
		part, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		data = append(data, part...)
	}
	if int64(len(data)) != total {
		return nil, fmt.Errorf("staged bundle %s is %d bytes, row says %d",
			id, len(data), total)
	}
	return data, nil
}

// recordFailure bumps the failure counter; when the post budget is spent
// the bundle fails and its items go back for repack.
func (p *Poster) recordFailure(ctx context.Context, planID string, attempt int, cause error) error {
	count, err := p.db.IncrementBundleFailure(ctx, planID)
	if err != nil {
		return err
	}
	if count < p.cfg.MaxPostAttempts {
		logger.Warn("bundle post attempt failed",
			logger.KeyPlanID, planID, "failures", count,
			logger.KeyAttempt, attempt, "error", cause)
		return cause
	}

	outcome, err := p.db.FailBundle(ctx, planID, db.BundleStateFailed, p.cfg.MaxRepacks)
	if err != nil {
		return err
	}
	p.metrics.BundleTransition(db.BundleStateFailed)
	p.metrics.ItemsReleased(outcome.ReleasedItems)
	p.metrics.ItemsFailed(db.FailedReasonTooManyRetries, outcome.FailedItems)
	logger.Error("bundle failed after exhausting post attempts",
		logger.KeyPlanID, planID,
		"released", outcome.ReleasedItems,
		"failed", outcome.FailedItems,
		"error", cause)
	return nil
}

func (p *Poster) enqueueSeed(ctx context.Context, planID string) error {
	payload, _ := json.Marshal(queue.PlanJob{PlanID: planID})
	return p.queue.Enqueue(ctx, queue.JobSeedBundle, payload, queue.Options{
		MaxAttempts: p.cfg.MaxPostAttempts,
	})
}

func (p *Poster) enqueueVerify(ctx context.Context, planID string) error {
	payload, _ := json.Marshal(queue.PlanJob{PlanID: planID})
	return p.queue.Enqueue(ctx, queue.JobVerifyBundle, payload, queue.Options{
		Delay: time.Duration(p.cfg.ConfirmationDelayBlocks) * p.cfg.BlockTime,
	})
}
