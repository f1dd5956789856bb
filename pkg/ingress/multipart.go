package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// Multipart chunk geometry. Every chunk except the last must be exactly the
// session's chunk size; the finalizer enforces this when it stitches the
// parts back together.
const (
	MinMultipartChunkSize = int64(5 * 1024 * 1024)
	MaxMultipartChunkSize = int64(500 * 1024 * 1024)
	DefaultChunkSize      = int64(25 * 1024 * 1024)
)

type multipartCreateRequest struct {
	ChunkSize       int64  `json:"chunkSize"`
	UploaderAddress string `json:"uploaderAddress"`
	TotalChunks     int    `json:"totalChunks"`
}

type multipartCreateResponse struct {
	ID        string `json:"id"`
	ChunkSize int64  `json:"chunkSize"`
	ExpiresAt string `json:"expiresAt"`
}

// MultipartCreate opens a chunked upload session.
func (h *Handlers) MultipartCreate(w http.ResponseWriter, r *http.Request) {
	var req multipartCreateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, &Error{Kind: KindMalformedItem, Err: errors.New("bad create request body")})
			return
		}
	}
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < MinMultipartChunkSize || chunkSize > MaxMultipartChunkSize {
		writeError(w, &Error{Kind: KindMalformedItem,
			Err: errors.New("chunk size outside the allowed range")})
		return
	}
	if req.TotalChunks < 0 {
		writeError(w, &Error{Kind: KindMalformedItem,
			Err: errors.New("total chunk count cannot be negative")})
		return
	}

	now := time.Now()
	upload := db.MultipartUpload{
		UploadID:        uuid.NewString(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(h.BundlingCfg.MultipartTTL),
		UploaderAddress: req.UploaderAddress,
		ChunkSize:       chunkSize,
		TotalChunks:     req.TotalChunks,
	}
	if err := h.DB.InsertMultipartUpload(r.Context(), upload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, multipartCreateResponse{
		ID:        upload.UploadID,
		ChunkSize: upload.ChunkSize,
		ExpiresAt: upload.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// loadActiveUpload fetches the session and rejects finalized or expired ones.
func (h *Handlers) loadActiveUpload(r *http.Request) (db.MultipartUpload, *Error) {
	uploadID := chi.URLParam(r, "id")
	upload, err := h.DB.GetMultipartUpload(r.Context(), uploadID)
	if errors.Is(err, db.ErrNotFound) {
		return upload, &Error{Kind: KindMalformedItem, Err: errors.New("unknown upload id")}
	}
	if err != nil {
		return upload, classify(err)
	}
	if upload.Finalized {
		return upload, &Error{Kind: KindDuplicateItem, Err: errors.New("upload already finalized")}
	}
	if time.Now().After(upload.ExpiresAt) {
		return upload, &Error{Kind: KindMalformedItem, Err: errors.New("upload expired")}
	}
	return upload, nil
}

// MultipartChunk stores one chunk of a session. Chunks are zero-indexed and
// may arrive in any order; only the final chunk may be short.
func (h *Handlers) MultipartChunk(w http.ResponseWriter, r *http.Request) {
	upload, herr := h.loadActiveUpload(r)
	if herr != nil {
		writeError(w, herr)
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil || index < 0 {
		writeError(w, &Error{Kind: KindMalformedItem, Err: errors.New("bad chunk index")})
		return
	}
	if declared := r.ContentLength; declared <= 0 || declared > upload.ChunkSize {
		writeError(w, &Error{Kind: KindSizeExceeded,
			Err: errors.New("chunk body must be between 1 byte and the session chunk size")})
		return
	}
	if maxChunks := h.BundlingCfg.MaxDataItemBytes/upload.ChunkSize + 1; int64(index) >= maxChunks {
		writeError(w, &Error{Kind: KindSizeExceeded,
			Err: errors.New("chunk index would exceed the data item limit")})
		return
	}
	if upload.TotalChunks > 0 && index >= upload.TotalChunks {
		writeError(w, &Error{Kind: KindMalformedItem,
			Err: errors.New("chunk index exceeds the declared chunk count")})
		return
	}

	key := object.MultipartChunkKey(upload.UploadID, index)
	if err := h.Objects.Put(r.Context(), key, r.ContentLength, "application/octet-stream", r.Body); err != nil {
		logger.Warn("multipart chunk write failed",
			logger.KeyUploadID, upload.UploadID, "chunk", index, "error", err)
		writeError(w, &Error{Kind: KindDurabilityUnavailable, Err: err})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": upload.UploadID, "chunk": index, "size": r.ContentLength})
}

// MultipartFinalize hands the session to the finalizer worker, which stitches
// the chunks into one stream and runs standard admission.
func (h *Handlers) MultipartFinalize(w http.ResponseWriter, r *http.Request) {
	upload, herr := h.loadActiveUpload(r)
	if herr != nil {
		// Finalizing twice is idempotent once the item is admitted.
		if herr.Kind == KindDuplicateItem && upload.DataItemID != nil {
			writeJSON(w, http.StatusOK, multipartStatusBody(upload))
			return
		}
		writeError(w, herr)
		return
	}

	payload, _ := json.Marshal(queue.UploadJob{UploadID: upload.UploadID})
	err := h.Queue.Enqueue(r.Context(), queue.JobFinalizeMultipart, payload, queue.Options{})
	if err != nil {
		writeError(w, &Error{Kind: KindTransientUpstream, Err: err})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": upload.UploadID, "status": "finalizing"})
}

// MultipartAbort discards a session and its stored chunks.
func (h *Handlers) MultipartAbort(w http.ResponseWriter, r *http.Request) {
	upload, herr := h.loadActiveUpload(r)
	if herr != nil {
		writeError(w, herr)
		return
	}

	// Chunk deletion is best effort; the cleanup worker sweeps leftovers
	// after the session TTL.
	for i := 0; ; i++ {
		key := object.MultipartChunkKey(upload.UploadID, i)
		if _, err := h.Objects.Head(r.Context(), key); errors.Is(err, object.ErrNotFound) {
			break
		}
		if err := h.Objects.Delete(r.Context(), key); err != nil {
			logger.Warn("multipart chunk delete failed",
				logger.KeyUploadID, upload.UploadID, "chunk", i, "error", err)
			break
		}
	}
	if err := h.DB.DeleteMultipartUpload(r.Context(), upload.UploadID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": upload.UploadID, "status": "aborted"})
}

type multipartStatusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ChunkSize    int64  `json:"chunkSize"`
	DataItemID   string `json:"dataItemId,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`
	ExpiresAt    string `json:"expiresAt"`
}

func multipartStatusBody(u db.MultipartUpload) multipartStatusResponse {
	resp := multipartStatusResponse{
		ID:        u.UploadID,
		Status:    "active",
		ChunkSize: u.ChunkSize,
		ExpiresAt: u.ExpiresAt.UTC().Format(time.RFC3339),
	}
	switch {
	case u.FailedReason != "":
		resp.Status = "failed"
		resp.FailedReason = u.FailedReason
	case u.Finalized && u.DataItemID != nil:
		resp.Status = "finalized"
		resp.DataItemID = u.DataItemID.String()
	case time.Now().After(u.ExpiresAt):
		resp.Status = "expired"
	}
	return resp
}

// MultipartStatus reports a session's progress.
func (h *Handlers) MultipartStatus(w http.ResponseWriter, r *http.Request) {
	upload, err := h.DB.GetMultipartUpload(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorBody{Error: "unknown upload id", Code: "NotFound"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, multipartStatusBody(upload))
}
