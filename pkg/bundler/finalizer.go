package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/ingress"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// Finalizer assembles multipart uploads: it stitches the stored chunks into
// one stream, runs it through standard admission, and records the outcome on
// the upload row. The result is indistinguishable from a single-shot upload
// of the concatenated bytes.
type Finalizer struct {
	db       db.Database
	objects  object.Store
	admitter *ingress.Admitter
}

// NewFinalizer creates a finalizer.
func NewFinalizer(database db.Database, objects object.Store, admitter *ingress.Admitter) *Finalizer {
	return &Finalizer{db: database, objects: objects, admitter: admitter}
}

// HandleFinalize processes one finalize-multipart job.
func (f *Finalizer) HandleFinalize(ctx context.Context, msg queue.Message) error {
	var job queue.UploadJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logger.Error("undecodable finalize job", "id", msg.ID, "error", err)
		return nil
	}

	upload, err := f.db.GetMultipartUpload(ctx, job.UploadID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("finalize job for unknown upload", logger.KeyUploadID, job.UploadID)
		return nil
	}
	if err != nil {
		return err
	}
	if upload.Finalized {
		return nil
	}

	sizes, total, err := f.chunkGeometry(ctx, upload)
	if err != nil {
		return f.failUpload(ctx, upload.UploadID, err)
	}

	res, err := f.admitter.AdmitSingle(ctx, f.chunkStream(ctx, upload.UploadID, sizes),
		total, ingress.AdmitOptions{PriorityClass: "", PaidBy: ""})
	if err != nil {
		var ae *ingress.Error
		if errors.As(err, &ae) && ae.Kind != ingress.KindTransientUpstream &&
			ae.Kind != ingress.KindDurabilityUnavailable {
			// item-level rejection: record and stop retrying
			return f.failUpload(ctx, upload.UploadID, err)
		}
		return err
	}

	if err := f.db.FinalizeMultipartUpload(ctx, upload.UploadID, res.Parse.ID); err != nil {
		return err
	}
	f.deleteChunks(ctx, upload.UploadID, len(sizes))

	logger.Info("multipart upload finalized",
		logger.KeyUploadID, upload.UploadID,
		logger.KeyDataItemID, res.Parse.ID.String(),
		"chunks", len(sizes),
		logger.KeyByteCount, total)
	return nil
}

// chunkGeometry enumerates the stored chunks and validates their sizes:
// every chunk except the last must be exactly the session chunk size.
func (f *Finalizer) chunkGeometry(ctx context.Context, upload db.MultipartUpload) ([]int64, int64, error) {
	var sizes []int64
	var total int64
	for i := 0; ; i++ {
		info, err := f.objects.Head(ctx, object.MultipartChunkKey(upload.UploadID, i))
		if errors.Is(err, object.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		sizes = append(sizes, info.Size)
		total += info.Size
	}
	if len(sizes) == 0 {
		return nil, 0, errors.New("no chunks uploaded")
	}
	for i, size := range sizes[:len(sizes)-1] {
		if size != upload.ChunkSize {
			return nil, 0, fmt.Errorf("chunk %d is %d bytes, session chunk size is %d",
				i, size, upload.ChunkSize)
		}
	}
	return sizes, total, nil
}

// chunkStream streams the chunks in index order as one reader.
func (f *Finalizer) chunkStream(ctx context.Context, uploadID string, sizes []int64) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		for i, size := range sizes {
			rc, err := f.objects.Get(ctx, object.MultipartChunkKey(uploadID, i), nil)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			n, err := io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if n != size {
				pw.CloseWithError(fmt.Errorf("chunk %d read %d bytes, expected %d", i, n, size))
				return
			}
		}
		pw.Close()
	}()
	return pr
}

func (f *Finalizer) deleteChunks(ctx context.Context, uploadID string, count int) {
	for i := 0; i < count; i++ {
		key := object.MultipartChunkKey(uploadID, i)
		if err := f.objects.Delete(ctx, key); err != nil {
			logger.Warn("failed to delete finalized chunk", "key", key, "error", err)
		}
	}
}

func (f *Finalizer) failUpload(ctx context.Context, uploadID string, cause error) error {
	logger.Warn("multipart upload failed",
		logger.KeyUploadID, uploadID, "error", cause)
	if err := f.db.FailMultipartUpload(ctx, uploadID, cause.Error()); err != nil {
		return err
	}
	return nil
}
