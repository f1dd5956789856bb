package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/optical"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// maxItemHeaderBytes generously covers the largest possible data item
// header: signature type, RSA signature and owner, target, anchor, and the
// 4 KiB tag budget.
const maxItemHeaderBytes = 8 * 1024

// errHeaderCaptured aborts a parse once the header fields are in hand; the
// optical worker never needs the payload.
var errHeaderCaptured = errors.New("header captured")

// OpticalWorker forwards admitted item headers to the downstream gateway.
// Delivery is best effort: the job's retry budget bounds persistence, and
// exhaustion is logged, never surfaced to the item's state machine.
type OpticalWorker struct {
	objects object.Store
	poster  optical.Poster
	metrics *metrics.Metrics
}

// NewOpticalWorker creates an optical worker.
func NewOpticalWorker(objects object.Store, poster optical.Poster, m *metrics.Metrics) *OpticalWorker {
	return &OpticalWorker{objects: objects, poster: poster, metrics: m}
}

// HandleItem processes one optical-post job.
func (w *OpticalWorker) HandleItem(ctx context.Context, msg queue.Message) error {
	if !w.poster.Enabled() {
		return nil
	}
	var job queue.ItemJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logger.Error("undecodable optical job", "id", msg.ID, "error", err)
		return nil
	}

	header, err := w.readItemHeader(ctx, job.ID)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			// quarantined or cleaned up since admission; nothing to post
			logger.Debug("optical source object gone", logger.KeyDataItemID, job.ID)
			return nil
		}
		return err
	}

	if err := w.poster.PostHeader(ctx, *header); err != nil {
		w.metrics.OpticalPost("error")
		logger.Warn("optical post failed",
			logger.KeyDataItemID, job.ID,
			logger.KeyAttempt, msg.Attempt, "error", err)
		return err
	}
	w.metrics.OpticalPost("ok")
	return nil
}

// readItemHeader range-reads the front of the stored item and parses just
// its header fields.
func (w *OpticalWorker) readItemHeader(ctx context.Context, id string) (*optical.ItemHeader, error) {
	key := object.RawKey(id)
	info, err := w.objects.Head(ctx, key)
	if err != nil {
		return nil, err
	}

	readLen := info.Size
	if readLen > maxItemHeaderBytes {
		readLen = maxItemHeaderBytes
	}
	rc, err := w.objects.Get(ctx, key, &object.ByteRange{Start: 0, Length: readLen})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	prefix, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	var captured *ans104.ParseResult
	parser := ans104.NewParser(info.Size, 0)
	parser.OnHeader = func(r *ans104.ParseResult) error {
		cp := *r
		captured = &cp
		return errHeaderCaptured
	}
	if _, err := parser.Write(prefix); err != nil && !errors.Is(err, errHeaderCaptured) {
		return nil, err
	}
	if captured == nil {
		return nil, ans104.ErrMalformedHeader
	}

	h := optical.HeaderFromParse(captured)
	h.DataSize = info.Size - captured.PayloadDataStart
	return &h, nil
}
