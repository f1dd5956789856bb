package bundler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// stagingGrace protects staged objects the preparer wrote moments before
// their bundle row commits, and mid-rename objects during a post.
const stagingGrace = time.Hour

// Cleaner is the periodic garbage collector: it evicts expired offset rows,
// sweeps multipart uploads that expired before finalizing (chunks included),
// and deletes staged bundle objects whose bundle is gone or settled.
type Cleaner struct {
	cfg     config.WorkersConfig
	db      db.Database
	objects object.Store

	now func() time.Time
}

// NewCleaner creates a cleaner.
func NewCleaner(cfg config.WorkersConfig, database db.Database, objects object.Store) *Cleaner {
	return &Cleaner{cfg: cfg, db: database, objects: objects, now: time.Now}
}

// Run sweeps on the configured interval until ctx ends.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep.
func (c *Cleaner) RunOnce(ctx context.Context) {
	now := c.now()

	evicted, err := c.db.DeleteExpiredOffsets(ctx, now)
	if err != nil {
		logger.Warn("offset eviction failed", "error", err)
	} else if evicted > 0 {
		logger.Info("evicted expired offset rows", "rows", evicted)
	}

	uploads, err := c.db.ExpiredMultipartUploads(ctx, now)
	if err != nil {
		logger.Warn("expired upload listing failed", "error", err)
		return
	}
	for _, upload := range uploads {
		if ctx.Err() != nil {
			return
		}
		c.sweepUpload(ctx, upload)
	}

	c.sweepStagedBundles(ctx)
}

// sweepStagedBundles walks the bundle staging keyspace and deletes objects
// no pipeline stage will read again: bundles without a row (a prepare that
// crashed, or the pre-rename id of a posted bundle) and bundles settled into
// a terminal state.
func (c *Cleaner) sweepStagedBundles(ctx context.Context) {
	keys, err := c.objects.List(ctx, object.BundleStagingPrefix)
	if err != nil {
		logger.Warn("staged bundle listing failed", "error", err)
		return
	}

	byBundle := make(map[string][]string)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, object.BundleStagingPrefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		byBundle[id] = append(byBundle[id], key)
	}

	for id, bundleKeys := range byBundle {
		if ctx.Err() != nil {
			return
		}
		c.sweepStagedBundle(ctx, id, bundleKeys)
	}
}

func (c *Cleaner) sweepStagedBundle(ctx context.Context, id string, keys []string) {
	txID, err := arweave.ParseTxID(id)
	if err != nil {
		logger.Warn("staged object under malformed bundle id", "id", id)
		return
	}

	bundle, err := c.db.GetBundleByBundleID(ctx, txID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		// no row owns these objects
	case err != nil:
		logger.Warn("staged bundle lookup failed", "id", id, "error", err)
		return
	default:
		switch bundle.State {
		case db.BundleStatePermanent, db.BundleStateFailed, db.BundleStateDropped:
			// settled; the staged copy is dead weight
		default:
			return
		}
	}

	// The grace window covers the gap between staging the objects and
	// committing the row, and the window where a post renames them.
	cutoff := c.now().Add(-stagingGrace)
	swept := 0
	for _, key := range keys {
		info, err := c.objects.Head(ctx, key)
		if errors.Is(err, object.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("staged object head failed", "key", key, "error", err)
			continue
		}
		if info.LastModified.After(cutoff) {
			continue
		}
		if err := c.objects.Delete(ctx, key); err != nil {
			logger.Warn("staged object delete failed", "key", key, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		logger.Info("swept orphaned staged bundle objects",
			logger.KeyBundleID, id, "objects", swept)
	}
}

func (c *Cleaner) sweepUpload(ctx context.Context, upload db.MultipartUpload) {
	for i := 0; ; i++ {
		key := object.MultipartChunkKey(upload.UploadID, i)
		if _, err := c.objects.Head(ctx, key); errors.Is(err, object.ErrNotFound) {
			break
		} else if err != nil {
			logger.Warn("expired chunk head failed", "key", key, "error", err)
			return
		}
		if err := c.objects.Delete(ctx, key); err != nil {
			logger.Warn("expired chunk delete failed", "key", key, "error", err)
			return
		}
	}
	if err := c.db.DeleteMultipartUpload(ctx, upload.UploadID); err != nil {
		logger.Warn("expired upload delete failed",
			logger.KeyUploadID, upload.UploadID, "error", err)
		return
	}
	logger.Info("swept expired multipart upload", logger.KeyUploadID, upload.UploadID)
}
