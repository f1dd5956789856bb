package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// headerBytesPerItem is the bundle header overhead the planner reserves per
// item below the hard byte limit.
const headerBytesPerItem = ans104.HeaderEntrySize

// Preparer assembles a plan's items into an ANS-104 bundle: header index
// plus concatenated payload, staged in the object store under a bundle id
// derived deterministically from the ordered item ids. Re-running a prepare
// job therefore converges on the same bundle.
type Preparer struct {
	cfg     config.BundlingConfig
	db      db.Database
	objects object.Store
	queue   queue.Queue
	metrics *metrics.Metrics
}

// NewPreparer creates a preparer.
func NewPreparer(cfg config.BundlingConfig, database db.Database, objects object.Store, q queue.Queue, m *metrics.Metrics) *Preparer {
	return &Preparer{cfg: cfg, db: database, objects: objects, queue: q, metrics: m}
}

// HandlePrepare processes one prepare-bundle job.
func (p *Preparer) HandlePrepare(ctx context.Context, msg queue.Message) error {
	var job queue.PlanJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logger.Error("undecodable prepare job", "id", msg.ID, "error", err)
		return nil
	}

	// A bundle row means an earlier attempt already prepared this plan;
	// just make sure posting is scheduled.
	if _, err := p.db.GetBundle(ctx, job.PlanID); err == nil {
		return p.enqueuePost(ctx, job.PlanID)
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	items, err := p.db.PlannedItems(ctx, job.PlanID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		logger.Warn("prepare job for empty plan", logger.KeyPlanID, job.PlanID)
		return nil
	}

	header := &ans104.BundleHeader{Entries: make([]ans104.BundleEntry, 0, len(items))}
	ids := make([]arweave.TxID, 0, len(items))
	for _, item := range items {
		header.Entries = append(header.Entries, ans104.BundleEntry{
			Size: item.ByteCount,
			ID:   item.ID,
		})
		ids = append(ids, item.ID)
	}
	bundleID := ans104.DeriveBundleID(ids)

	headerBytes := header.Serialize()
	headerSize := int64(len(headerBytes))
	payloadSize := header.PayloadSize()

	if err := p.writeHeader(ctx, bundleID.String(), headerBytes); err != nil {
		return err
	}
	if err := p.writePayload(ctx, bundleID.String(), items, payloadSize); err != nil {
		return err
	}

	bundle := db.Bundle{
		PlanID:           job.PlanID,
		BundleID:         bundleID,
		HeaderByteCount:  headerSize,
		PayloadByteCount: payloadSize,
		PriorityClass:    items[0].PriorityClass,
		State:            db.BundleStateNew,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := p.db.InsertBundle(ctx, bundle); err != nil && !errors.Is(err, db.ErrDuplicateItem) {
		return err
	}
	p.metrics.BundleTransition(db.BundleStateNew)

	logger.Info("bundle prepared",
		logger.KeyPlanID, job.PlanID,
		logger.KeyBundleID, bundleID.String(),
		"items", len(items),
		"header_bytes", headerSize,
		"payload_bytes", payloadSize)

	return p.enqueuePost(ctx, job.PlanID)
}

func (p *Preparer) writeHeader(ctx context.Context, bundleID string, headerBytes []byte) error {
	key := object.BundleHeaderKey(bundleID)
	return p.objects.Put(ctx, key, int64(len(headerBytes)),
		"application/octet-stream", bytes.NewReader(headerBytes))
}

// writePayload concatenates the raw item objects into the staged bundle
// payload in planner order.
func (p *Preparer) writePayload(ctx context.Context, bundleID string, items []db.PlannedItem, totalSize int64) error {
	pr, pw := io.Pipe()
	go func() {
		for _, item := range items {
			rc, err := p.objects.Get(ctx, object.RawKey(item.ID.String()), nil)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to open raw item %s: %w", item.ID, err))
				return
			}
			n, err := io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if n != item.ByteCount {
				pw.CloseWithError(fmt.Errorf("raw item %s is %d bytes, expected %d",
					item.ID, n, item.ByteCount))
				return
			}
		}
		pw.Close()
	}()

	key := object.BundlePayloadKey(bundleID)
	if err := p.objects.Put(ctx, key, totalSize, "application/octet-stream", pr); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

func (p *Preparer) enqueuePost(ctx context.Context, planID string) error {
	payload, _ := json.Marshal(queue.PlanJob{PlanID: planID})
	return p.queue.Enqueue(ctx, queue.JobPostBundle, payload, queue.Options{
		MaxAttempts: p.cfg.MaxPostAttempts,
	})
}
