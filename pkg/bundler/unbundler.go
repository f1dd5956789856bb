package bundler

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// Unbundler indexes the children of an admitted bundle-data-item: it walks
// the parent's payload, verifies each child item, records child offsets
// relative to the parent, stores the child bytes for optimistic reads, and
// fans out optical posts. Children never enter the bundling state machine;
// the parent item carries them to the chain.
type Unbundler struct {
	cfg     config.BundlingConfig
	objects object.Store
	queue   queue.Queue
	indexer *Indexer
}

// NewUnbundler creates an unbundler.
func NewUnbundler(cfg config.BundlingConfig, objects object.Store, q queue.Queue, ix *Indexer) *Unbundler {
	return &Unbundler{cfg: cfg, objects: objects, queue: q, indexer: ix}
}

// HandleUnbundle processes one unbundle job.
func (u *Unbundler) HandleUnbundle(ctx context.Context, msg queue.Message) error {
	var job queue.ItemJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logger.Error("undecodable unbundle job", "id", msg.ID, "error", err)
		return nil
	}
	parentID, err := arweave.ParseTxID(job.ID)
	if err != nil {
		logger.Error("unbundle job with bad item id", "id", job.ID, "error", err)
		return nil
	}

	key := object.RawKey(job.ID)
	info, err := u.objects.Head(ctx, key)
	if errors.Is(err, object.ErrNotFound) {
		logger.Warn("unbundle source object gone", logger.KeyDataItemID, job.ID)
		return nil
	}
	if err != nil {
		return err
	}

	payloadStart, err := u.parentPayloadStart(ctx, key, info.Size)
	if err != nil {
		// a malformed parent is terminal for this job, not retryable
		logger.Warn("unbundle parent unparseable",
			logger.KeyDataItemID, job.ID, "error", err)
		return nil
	}
	payloadSize := info.Size - payloadStart

	header, err := u.readBundleHeader(ctx, key, payloadStart, payloadSize)
	if err != nil {
		logger.Warn("nested bundle header unparseable",
			logger.KeyDataItemID, job.ID, "error", err)
		return nil
	}
	if header.PayloadSize() > payloadSize-ans104.HeaderSize(len(header.Entries)) {
		logger.Warn("nested bundle header overruns parent payload",
			logger.KeyDataItemID, job.ID)
		return nil
	}

	indexed := 0
	childOffset := ans104.HeaderSize(len(header.Entries))
	expiresAt := time.Now().Add(u.cfg.OffsetTTL)
	for i, entry := range header.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := u.indexChild(ctx, key, parentID, payloadStart, childOffset, entry, expiresAt)
		if err != nil {
			logger.Warn("nested child unparseable, skipping",
				logger.KeyDataItemID, job.ID, "child", i, "error", err)
		} else {
			if err := u.indexer.Add(ctx, []db.OffsetRecord{*rec}); err != nil {
				return err
			}
			indexed++
		}
		childOffset += entry.Size
	}

	logger.Info("nested bundle indexed",
		logger.KeyDataItemID, job.ID,
		"children", len(header.Entries),
		"indexed", indexed)
	return nil
}

// parentPayloadStart parses the parent item's header to find where its
// payload (the nested bundle) begins.
func (u *Unbundler) parentPayloadStart(ctx context.Context, key string, size int64) (int64, error) {
	readLen := size
	if readLen > maxItemHeaderBytes {
		readLen = maxItemHeaderBytes
	}
	rc, err := u.objects.Get(ctx, key, &object.ByteRange{Start: 0, Length: readLen})
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	prefix, err := io.ReadAll(rc)
	if err != nil {
		return 0, err
	}

	var start int64 = -1
	parser := ans104.NewParser(size, 0)
	parser.OnHeader = func(r *ans104.ParseResult) error {
		start = r.PayloadDataStart
		return errHeaderCaptured
	}
	if _, err := parser.Write(prefix); err != nil && !errors.Is(err, errHeaderCaptured) {
		return 0, err
	}
	if start < 0 {
		return 0, ans104.ErrMalformedHeader
	}
	return start, nil
}

func (u *Unbundler) readBundleHeader(ctx context.Context, key string, payloadStart, payloadSize int64) (*ans104.BundleHeader, error) {
	var countBuf [8]byte
	if payloadSize < int64(len(countBuf)) {
		return nil, ans104.ErrMalformedBundle
	}
	rc, err := u.objects.Get(ctx, key, &object.ByteRange{Start: payloadStart, Length: 8})
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rc, countBuf[:]); err != nil {
		rc.Close()
		return nil, err
	}
	rc.Close()

	count := int64(binary.LittleEndian.Uint64(countBuf[:]))
	headerSize := ans104.HeaderSize(int(count))
	if count < 0 || headerSize > payloadSize {
		return nil, ans104.ErrMalformedBundle
	}

	rc, err = u.objects.Get(ctx, key, &object.ByteRange{Start: payloadStart, Length: headerSize})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ans104.ParseBundleHeader(rc)
}

// indexChild reads, verifies, and indexes one child item. The child bytes
// are stored under raw/ so the optical pipeline (and any future reads) can
// reach them before the parent is mined.
func (u *Unbundler) indexChild(ctx context.Context, parentKey string, parentID arweave.TxID, payloadStart, childOffset int64, entry ans104.BundleEntry, expiresAt time.Time) (*db.OffsetRecord, error) {
	if entry.Size <= 0 || entry.Size > u.cfg.MaxDataItemBytes {
		return nil, fmt.Errorf("child size %d out of range", entry.Size)
	}
	rc, err := u.objects.Get(ctx, parentKey,
		&object.ByteRange{Start: payloadStart + childOffset, Length: entry.Size})
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) != entry.Size {
		return nil, fmt.Errorf("child truncated: %d of %d bytes", len(raw), entry.Size)
	}

	res, err := ans104.ParseBytes(raw)
	if err != nil {
		return nil, err
	}
	if res.ID != entry.ID {
		return nil, fmt.Errorf("child id mismatch: parsed %s, header says %s",
			res.ID, entry.ID)
	}

	childKey := object.RawKey(res.ID.String())
	if _, err := u.objects.Head(ctx, childKey); errors.Is(err, object.ErrNotFound) {
		if err := u.objects.Put(ctx, childKey, entry.Size,
			"application/octet-stream", bytes.NewReader(raw)); err != nil {
			return nil, err
		}
	}

	payload, _ := json.Marshal(queue.ItemJob{ID: res.ID.String()})
	if err := u.queue.Enqueue(ctx, queue.JobOpticalPost, payload, queue.Options{}); err != nil {
		logger.Warn("failed to enqueue optical post for child",
			logger.KeyDataItemID, res.ID.String(), "error", err)
	}

	start := childOffset
	return &db.OffsetRecord{
		DataItemID:         res.ID,
		StartOffset:        payloadStart + childOffset,
		RawContentLength:   entry.Size,
		PayloadDataStart:   res.PayloadDataStart,
		PayloadContentType: res.ContentType,
		ParentDataItemID:   &parentID,
		StartInParent:      &start,
		ExpiresAt:          expiresAt,
	}, nil
}
