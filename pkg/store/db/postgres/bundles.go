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

// InsertBundle records a prepared bundle in state new.
func (s *Store) InsertBundle(ctx context.Context, b db.Bundle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundle
		  (plan_id, bundle_id, reward, header_byte_count, payload_byte_count,
		   priority_class, failure_count, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, now())
		ON CONFLICT (plan_id) DO NOTHING`,
		b.PlanID, b.BundleID.String(), b.Reward, b.HeaderByteCount,
		b.PayloadByteCount, b.PriorityClass, db.BundleStateNew)
	if err != nil {
		return fmt.Errorf("failed to insert bundle: %w", err)
	}
	return nil
}

// GetBundle loads the bundle row for a plan.
func (s *Store) GetBundle(ctx context.Context, planID string) (db.Bundle, error) {
	var b db.Bundle
	var bundleID string
	var seededAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT plan_id, bundle_id, reward, header_byte_count,
		       payload_byte_count, priority_class, failure_count, state,
		       updated_at, seeded_at
		FROM bundle WHERE plan_id = $1`,
		planID,
	).Scan(&b.PlanID, &bundleID, &b.Reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.PriorityClass, &b.FailureCount, &b.State,
		&b.UpdatedAt, &seededAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, db.ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("failed to load bundle: %w", err)
	}
	if b.BundleID, err = arweave.ParseTxID(bundleID); err != nil {
		return b, err
	}
	if seededAt != nil {
		b.SeededAt = *seededAt
	}
	return b, nil
}

// SetBundleID records the signed transaction id and its reward on the
// bundle row.
func (s *Store) SetBundleID(ctx context.Context, planID string, bundleID arweave.TxID, reward string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE bundle SET bundle_id = $2, reward = $3, updated_at = now()
		WHERE plan_id = $1`,
		planID, bundleID.String(), reward)
	if err != nil {
		return fmt.Errorf("failed to set bundle id: %w", err)
	}
	if res.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// GetBundleByBundleID loads the bundle row carrying the given bundle id.
func (s *Store) GetBundleByBundleID(ctx context.Context, bundleID arweave.TxID) (db.Bundle, error) {
	var b db.Bundle
	var rowID string
	var seededAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT plan_id, bundle_id, reward, header_byte_count,
		       payload_byte_count, priority_class, failure_count, state,
		       updated_at, seeded_at
		FROM bundle WHERE bundle_id = $1`,
		bundleID.String(),
	).Scan(&b.PlanID, &rowID, &b.Reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.PriorityClass, &b.FailureCount, &b.State,
		&b.UpdatedAt, &seededAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, db.ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("failed to load bundle: %w", err)
	}
	if b.BundleID, err = arweave.ParseTxID(rowID); err != nil {
		return b, err
	}
	if seededAt != nil {
		b.SeededAt = *seededAt
	}
	return b, nil
}

// AdvanceBundle moves a bundle from one state to the next.
func (s *Store) AdvanceBundle(ctx context.Context, planID, from, to string) error {
	var tag string
	if to == db.BundleStateSeeded {
		tag = `UPDATE bundle SET state = $3, updated_at = now(), seeded_at = now()
		       WHERE plan_id = $1 AND state = $2`
	} else {
		tag = `UPDATE bundle SET state = $3, updated_at = now()
		       WHERE plan_id = $1 AND state = $2`
	}
	res, err := s.pool.Exec(ctx, tag, planID, from, to)
	if err != nil {
		return fmt.Errorf("failed to advance bundle: %w", err)
	}
	if res.RowsAffected() == 0 {
		return db.ErrWrongState
	}
	return nil
}

// IncrementBundleFailure bumps the failure counter.
func (s *Store) IncrementBundleFailure(ctx context.Context, planID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE bundle SET failure_count = failure_count + 1, updated_at = now()
		WHERE plan_id = $1
		RETURNING failure_count`,
		planID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, db.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment bundle failure: %w", err)
	}
	return count, nil
}

// FailBundle marks the bundle failed or dropped and releases its items.
func (s *Store) FailBundle(ctx context.Context, planID, state string, maxRepacks int) (db.FailureOutcome, error) {
	var outcome db.FailureOutcome
	if state != db.BundleStateFailed && state != db.BundleStateDropped {
		return outcome, fmt.Errorf("invalid failure state %q", state)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return outcome, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE bundle SET state = $2, updated_at = now() WHERE plan_id = $1`,
		planID, state,
	); err != nil {
		return outcome, fmt.Errorf("failed to mark bundle %s: %w", state, err)
	}

	outcome, err = releaseItemsTx(ctx, tx, planID, nil, maxRepacks)
	if err != nil {
		return outcome, err
	}
	return outcome, tx.Commit(ctx)
}

// ReleaseItems releases specific planned items of a plan for repack.
func (s *Store) ReleaseItems(ctx context.Context, planID string, itemIDs []arweave.TxID, maxRepacks int) (db.FailureOutcome, error) {
	var outcome db.FailureOutcome
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return outcome, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	outcome, err = releaseItemsTx(ctx, tx, planID, itemIDs, maxRepacks)
	if err != nil {
		return outcome, err
	}
	return outcome, tx.Commit(ctx)
}

// releaseItemsTx moves planned items back to new_data_item with
// retry_count+1, or to failed_data_item once retries are exhausted. A nil
// itemIDs releases the whole plan.
func releaseItemsTx(ctx context.Context, tx pgx.Tx, planID string, itemIDs []arweave.TxID, maxRepacks int) (db.FailureOutcome, error) {
	var outcome db.FailureOutcome

	filter := ""
	args := []any{planID, maxRepacks}
	if itemIDs != nil {
		ids := make([]string, len(itemIDs))
		for i, id := range itemIDs {
			ids[i] = id.String()
		}
		filter = " AND id = ANY($3)"
		args = append(args, ids)
	}

	// Exhausted items first, so the release below cannot double-handle
	// them.
	res, err := tx.Exec(ctx, `
		WITH exhausted AS (
			DELETE FROM planned_data_item
			WHERE plan_id = $1 AND retry_count + 1 >= $2`+filter+`
			RETURNING *
		)
		INSERT INTO failed_data_item
		  (id, owner_address, signature_type, byte_count, content_type,
		   priority_class, uploaded_at, retry_count, failed_reason, failed_at)
		SELECT id, owner_address, signature_type, byte_count, content_type,
		       priority_class, uploaded_at, retry_count + 1, '`+db.FailedReasonTooManyRetries+`', now()
		FROM exhausted`,
		args...)
	if err != nil {
		return outcome, fmt.Errorf("failed to fail exhausted items: %w", err)
	}
	outcome.FailedItems = int(res.RowsAffected())

	res, err = tx.Exec(ctx, `
		WITH released AS (
			DELETE FROM planned_data_item
			WHERE plan_id = $1 AND retry_count + 1 < $2`+filter+`
			RETURNING *
		)
		INSERT INTO new_data_item
		  (id, owner_address, signature_type, byte_count, payload_data_start,
		   content_type, deadline_height, priority_class, uploaded_at, retry_count)
		SELECT id, owner_address, signature_type, byte_count, payload_data_start,
		       content_type, deadline_height, priority_class, uploaded_at, retry_count + 1
		FROM released`,
		args...)
	if err != nil {
		return outcome, fmt.Errorf("failed to release items: %w", err)
	}
	outcome.ReleasedItems = int(res.RowsAffected())
	return outcome, nil
}

// PromoteBundle moves the bundle and the listed items to permanent.
// Idempotent: a bundle already permanent short-circuits.
func (s *Store) PromoteBundle(ctx context.Context, planID string, blockHeight int64, itemIDs []arweave.TxID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var state, bundleID string
	err = tx.QueryRow(ctx,
		`SELECT state, bundle_id FROM bundle WHERE plan_id = $1 FOR UPDATE`,
		planID,
	).Scan(&state, &bundleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock bundle: %w", err)
	}
	if state == db.BundleStatePermanent {
		return nil
	}

	ids := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		ids[i] = id.String()
	}
	if _, err := tx.Exec(ctx, `
		WITH confirmed AS (
			DELETE FROM planned_data_item
			WHERE plan_id = $1 AND id = ANY($2)
			RETURNING *
		)
		INSERT INTO permanent_data_item
		  (id, owner_address, signature_type, byte_count, payload_data_start,
		   content_type, deadline_height, priority_class, uploaded_at,
		   bundle_id, block_height, permanent_at)
		SELECT id, owner_address, signature_type, byte_count, payload_data_start,
		       content_type, deadline_height, priority_class, uploaded_at,
		       $3, $4, now()
		FROM confirmed`,
		planID, ids, bundleID, blockHeight,
	); err != nil {
		return fmt.Errorf("failed to promote items: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bundle SET state = $2, updated_at = now() WHERE plan_id = $1`,
		planID, db.BundleStatePermanent,
	); err != nil {
		return fmt.Errorf("failed to promote bundle: %w", err)
	}

	return tx.Commit(ctx)
}
