package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/gateway"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

// Verifier polls the chain for seeded bundles and settles them: confirmed
// bundles become permanent along with their items, vanished bundles are
// dropped and their items released for repack. Verify is idempotent; a
// permanent bundle is a no-op.
type Verifier struct {
	cfg     config.BundlingConfig
	db      db.Database
	gateway gateway.Client
	queue   queue.Queue
	metrics *metrics.Metrics

	now func() time.Time
}

// NewVerifier creates a verifier.
func NewVerifier(cfg config.BundlingConfig, database db.Database, gw gateway.Client, q queue.Queue, m *metrics.Metrics) *Verifier {
	return &Verifier{cfg: cfg, db: database, gateway: gw, queue: q, metrics: m, now: time.Now}
}

// HandleVerify processes one verify-bundle job.
func (v *Verifier) HandleVerify(ctx context.Context, msg queue.Message) error {
	var job queue.PlanJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logger.Error("undecodable verify job", "id", msg.ID, "error", err)
		return nil
	}

	bundle, err := v.db.GetBundle(ctx, job.PlanID)
	if err != nil {
		return err
	}
	if bundle.State != db.BundleStateSeeded {
		// permanent, dropped, or failed out from under us
		return nil
	}

	status, err := v.gateway.Status(ctx, bundle.BundleID)
	switch {
	case errors.Is(err, gateway.ErrTxNotFound):
		return v.handleMissing(ctx, job.PlanID, bundle)
	case err != nil:
		return err
	}

	if status.Confirmations < v.cfg.PermanentThreshold {
		v.metrics.VerifyOutcome("pending")
		return v.requeue(ctx, job.PlanID)
	}
	return v.settle(ctx, job.PlanID, bundle, status)
}

// handleMissing covers a seeded bundle the gateway does not know: either it
// is still propagating, or it was dropped from the mempool.
func (v *Verifier) handleMissing(ctx context.Context, planID string, bundle db.Bundle) error {
	if v.now().Sub(bundle.SeededAt) < v.cfg.DroppedThreshold {
		v.metrics.VerifyOutcome("pending")
		return v.requeue(ctx, planID)
	}

	outcome, err := v.db.FailBundle(ctx, planID, db.BundleStateDropped, v.cfg.MaxRepacks)
	if err != nil {
		return err
	}
	v.metrics.BundleTransition(db.BundleStateDropped)
	v.metrics.VerifyOutcome("dropped")
	v.metrics.ItemsReleased(outcome.ReleasedItems)
	v.metrics.ItemsFailed(db.FailedReasonTooManyRetries, outcome.FailedItems)
	logger.Warn("bundle dropped, items released for repack",
		logger.KeyPlanID, planID,
		logger.KeyBundleID, bundle.BundleID.String(),
		"released", outcome.ReleasedItems,
		"failed", outcome.FailedItems)
	return nil
}

// settle promotes a confirmed bundle. The confirmed on-chain header is
// compared against the plan: items present become permanent, items missing
// are released for repack once enough confirmations make the absence final.
func (v *Verifier) settle(ctx context.Context, planID string, bundle db.Bundle, status gateway.TxStatus) error {
	header, err := v.gateway.BundleHeader(ctx, bundle.BundleID)
	if err != nil {
		return err
	}
	confirmed := make(map[arweave.TxID]struct{}, len(header.Entries))
	for _, e := range header.Entries {
		confirmed[e.ID] = struct{}{}
	}

	expected, err := v.db.PlannedItems(ctx, planID)
	if err != nil {
		return err
	}

	var present, missing []arweave.TxID
	for _, item := range expected {
		if _, ok := confirmed[item.ID]; ok {
			present = append(present, item.ID)
		} else {
			missing = append(missing, item.ID)
		}
	}

	if len(missing) > 0 && status.Confirmations < v.cfg.RepackThreshold {
		// The header disagrees with the plan but the chain view could
		// still change; look again later.
		v.metrics.VerifyOutcome("partial")
		return v.requeue(ctx, planID)
	}

	// Release the missing items before promoting: once the bundle leaves
	// seeded a redelivered job short-circuits, so a release failure after
	// the promote would strand the items in planned forever.
	if len(missing) > 0 {
		outcome, err := v.db.ReleaseItems(ctx, planID, missing, v.cfg.MaxRepacks)
		if err != nil {
			return err
		}
		v.metrics.ItemsReleased(outcome.ReleasedItems)
		v.metrics.ItemsFailed(db.FailedReasonTooManyRetries, outcome.FailedItems)
		logger.Warn("confirmed bundle is missing planned items",
			logger.KeyPlanID, planID,
			logger.KeyBundleID, bundle.BundleID.String(),
			"missing", len(missing))
	}

	if err := v.db.PromoteBundle(ctx, planID, status.BlockHeight, present); err != nil {
		return err
	}
	v.metrics.BundleTransition(db.BundleStatePermanent)
	v.metrics.VerifyOutcome("permanent")

	logger.Info("bundle permanent",
		logger.KeyPlanID, planID,
		logger.KeyBundleID, bundle.BundleID.String(),
		"block_height", status.BlockHeight,
		"items", len(present))
	return nil
}

func (v *Verifier) requeue(ctx context.Context, planID string) error {
	payload, _ := json.Marshal(queue.PlanJob{PlanID: planID})
	return v.queue.Enqueue(ctx, queue.JobVerifyBundle, payload, queue.Options{
		Delay: v.cfg.BlockTime,
	})
}
