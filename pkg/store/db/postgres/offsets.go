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

// InsertOffsets batch-writes offset records. Idempotent on
// (data_item_id, root_bundle_id): replays overwrite with identical data.
func (s *Store) InsertOffsets(ctx context.Context, records []db.OffsetRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		var parentID *string
		if r.ParentDataItemID != nil {
			p := r.ParentDataItemID.String()
			parentID = &p
		}
		batch.Queue(`
			INSERT INTO data_item_offset
			  (data_item_id, root_bundle_id, start_offset, raw_content_length,
			   payload_data_start, payload_content_type, parent_data_item_id,
			   start_in_parent, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (data_item_id, root_bundle_id) DO UPDATE SET
			  start_offset = EXCLUDED.start_offset,
			  raw_content_length = EXCLUDED.raw_content_length,
			  payload_data_start = EXCLUDED.payload_data_start,
			  payload_content_type = EXCLUDED.payload_content_type,
			  parent_data_item_id = EXCLUDED.parent_data_item_id,
			  start_in_parent = EXCLUDED.start_in_parent,
			  expires_at = EXCLUDED.expires_at`,
			r.DataItemID.String(), r.RootBundleID.String(), r.StartOffset,
			r.RawContentLength, r.PayloadDataStart, r.PayloadContentType,
			parentID, r.StartInParent, r.ExpiresAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert offset batch: %w", err)
		}
	}
	return nil
}

// GetOffset returns the newest unexpired offset record for an item.
func (s *Store) GetOffset(ctx context.Context, id arweave.TxID) (db.OffsetRecord, error) {
	var r db.OffsetRecord
	var itemID, rootID string
	var parentID *string
	err := s.pool.QueryRow(ctx, `
		SELECT data_item_id, root_bundle_id, start_offset, raw_content_length,
		       payload_data_start, payload_content_type, parent_data_item_id,
		       start_in_parent, expires_at
		FROM data_item_offset
		WHERE data_item_id = $1 AND expires_at > now()
		ORDER BY expires_at DESC
		LIMIT 1`,
		id.String(),
	).Scan(&itemID, &rootID, &r.StartOffset, &r.RawContentLength,
		&r.PayloadDataStart, &r.PayloadContentType, &parentID,
		&r.StartInParent, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, db.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("failed to load offset: %w", err)
	}
	if r.DataItemID, err = arweave.ParseTxID(itemID); err != nil {
		return r, err
	}
	if r.RootBundleID, err = arweave.ParseTxID(rootID); err != nil {
		return r, err
	}
	if parentID != nil {
		pid, err := arweave.ParseTxID(*parentID)
		if err != nil {
			return r, err
		}
		r.ParentDataItemID = &pid
	}
	return r, nil
}

// DeleteExpiredOffsets evicts offset rows past their TTL.
func (s *Store) DeleteExpiredOffsets(ctx context.Context, now time.Time) (int, error) {
	res, err := s.pool.Exec(ctx,
		`DELETE FROM data_item_offset WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired offsets: %w", err)
	}
	return int(res.RowsAffected()), nil
}
