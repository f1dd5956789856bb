package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// InsertNewDataItem admits an item. The registry insert and the state-row
// insert share a transaction, so the registry primary key enforces global
// id uniqueness across every state.
func (s *Store) InsertNewDataItem(ctx context.Context, item db.NewDataItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO data_item_registry (id) VALUES ($1)`,
		item.ID.String(),
	); err != nil {
		if isUniqueViolation(err) {
			return db.ErrDuplicateItem
		}
		return fmt.Errorf("failed to register data item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO new_data_item
		  (id, owner_address, signature_type, byte_count, payload_data_start,
		   content_type, deadline_height, priority_class, uploaded_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		item.ID.String(), item.OwnerAddress, item.SignatureType, item.ByteCount,
		item.PayloadStart, item.ContentType, item.DeadlineHeight,
		item.PriorityClass, item.UploadedAt, item.RetryCount,
	); err != nil {
		return fmt.Errorf("failed to insert new data item: %w", err)
	}

	return tx.Commit(ctx)
}

// ItemStatus reports the item's state across all tables. Planned items take
// their public status from their bundle's state.
func (s *Store) ItemStatus(ctx context.Context, id arweave.TxID) (db.ItemStatusInfo, error) {
	idStr := id.String()

	var info db.ItemStatusInfo

	// Terminal states first: permanent carries the most useful answer.
	err := s.pool.QueryRow(ctx,
		`SELECT bundle_id, block_height FROM permanent_data_item WHERE id = $1`,
		idStr,
	).Scan(&info.BundleID, &info.BlockHeight)
	if err == nil {
		info.Status = db.ItemStatusPermanent
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return info, fmt.Errorf("status lookup failed: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM failed_data_item WHERE id = $1)`, idStr,
	).Scan(&exists); err != nil {
		return info, fmt.Errorf("status lookup failed: %w", err)
	}
	if exists {
		info.Status = db.ItemStatusFailed
		return info, nil
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM new_data_item WHERE id = $1)`, idStr,
	).Scan(&exists); err != nil {
		return info, fmt.Errorf("status lookup failed: %w", err)
	}
	if exists {
		info.Status = db.ItemStatusNew
		return info, nil
	}

	// Planned: surface the bundle's progress when one exists.
	var bundleState, bundleID *string
	err = s.pool.QueryRow(ctx, `
		SELECT b.state, b.bundle_id
		FROM planned_data_item p
		LEFT JOIN bundle b ON b.plan_id = p.plan_id
		WHERE p.id = $1`,
		idStr,
	).Scan(&bundleState, &bundleID)
	if errors.Is(err, pgx.ErrNoRows) {
		info.Status = db.ItemStatusNotFound
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("status lookup failed: %w", err)
	}

	info.Status = db.ItemStatusPlanned
	if bundleID != nil {
		info.BundleID = *bundleID
	}
	if bundleState != nil {
		switch *bundleState {
		case db.BundleStatePosted:
			info.Status = db.ItemStatusPosted
		case db.BundleStateSeeded:
			info.Status = db.ItemStatusSeeded
		}
	}
	return info, nil
}
