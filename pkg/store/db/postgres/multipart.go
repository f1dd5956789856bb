package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

// InsertMultipartUpload records a new chunked upload.
func (s *Store) InsertMultipartUpload(ctx context.Context, u db.MultipartUpload) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO multipart_upload
		  (upload_id, created_at, expires_at, uploader_address, chunk_size,
		   total_chunks, finalized)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		u.UploadID, u.CreatedAt, u.ExpiresAt, u.UploaderAddress,
		u.ChunkSize, u.TotalChunks)
	if err != nil {
		return fmt.Errorf("failed to insert multipart upload: %w", err)
	}
	return nil
}

// GetMultipartUpload loads a multipart upload row.
func (s *Store) GetMultipartUpload(ctx context.Context, uploadID string) (db.MultipartUpload, error) {
	var u db.MultipartUpload
	var itemID *string
	err := s.pool.QueryRow(ctx, `
		SELECT upload_id, created_at, expires_at, uploader_address,
		       chunk_size, total_chunks, finalized, data_item_id, failed_reason
		FROM multipart_upload WHERE upload_id = $1`,
		uploadID,
	).Scan(&u.UploadID, &u.CreatedAt, &u.ExpiresAt, &u.UploaderAddress,
		&u.ChunkSize, &u.TotalChunks, &u.Finalized, &itemID, &u.FailedReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, db.ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("failed to load multipart upload: %w", err)
	}
	if itemID != nil {
		id, err := arweave.ParseTxID(*itemID)
		if err != nil {
			return u, err
		}
		u.DataItemID = &id
	}
	return u, nil
}

// FinalizeMultipartUpload marks the upload finished and links its item.
func (s *Store) FinalizeMultipartUpload(ctx context.Context, uploadID string, dataItemID arweave.TxID) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE multipart_upload
		SET finalized = TRUE, data_item_id = $2
		WHERE upload_id = $1`,
		uploadID, dataItemID.String())
	if err != nil {
		return fmt.Errorf("failed to finalize multipart upload: %w", err)
	}
	if res.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// FailMultipartUpload records a terminal assembly failure.
func (s *Store) FailMultipartUpload(ctx context.Context, uploadID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE multipart_upload SET failed_reason = $2 WHERE upload_id = $1`,
		uploadID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark multipart upload failed: %w", err)
	}
	return nil
}

// DeleteMultipartUpload removes an upload row.
func (s *Store) DeleteMultipartUpload(ctx context.Context, uploadID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM multipart_upload WHERE upload_id = $1`, uploadID)
	if err != nil {
		return fmt.Errorf("failed to delete multipart upload: %w", err)
	}
	return nil
}

// ExpiredMultipartUploads lists unfinalized uploads past their expiry, for
// the cleanup job.
func (s *Store) ExpiredMultipartUploads(ctx context.Context, now time.Time) ([]db.MultipartUpload, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT upload_id, created_at, expires_at, uploader_address,
		       chunk_size, total_chunks, finalized, data_item_id, failed_reason
		FROM multipart_upload
		WHERE finalized = FALSE AND expires_at <= $1`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired uploads: %w", err)
	}
	defer rows.Close()

	var uploads []db.MultipartUpload
	for rows.Next() {
		var u db.MultipartUpload
		var itemID *string
		if err := rows.Scan(&u.UploadID, &u.CreatedAt, &u.ExpiresAt,
			&u.UploaderAddress, &u.ChunkSize, &u.TotalChunks, &u.Finalized,
			&itemID, &u.FailedReason); err != nil {
			return nil, fmt.Errorf("failed to scan expired upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}
