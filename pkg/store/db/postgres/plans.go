package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

const itemColumns = `id, owner_address, signature_type, byte_count,
	payload_data_start, content_type, deadline_height, priority_class,
	uploaded_at, retry_count`

func scanNewItem(row pgx.Row) (db.NewDataItem, error) {
	var item db.NewDataItem
	var idStr string
	err := row.Scan(&idStr, &item.OwnerAddress, &item.SignatureType,
		&item.ByteCount, &item.PayloadStart, &item.ContentType,
		&item.DeadlineHeight, &item.PriorityClass, &item.UploadedAt,
		&item.RetryCount)
	if err != nil {
		return item, err
	}
	item.ID, err = arweave.ParseTxID(idStr)
	return item, err
}

// AssemblePlan packs one plan for a priority class. Candidate rows are
// locked FOR UPDATE SKIP LOCKED, so concurrent planners (or a planner
// racing an admission retry) never select overlapping items.
func (s *Store) AssemblePlan(ctx context.Context, priorityClass string, policy db.PackPolicy, now time.Time) (*db.BundlePlan, []db.PlannedItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Over-select by a factor so a too-large head item cannot starve the
	// pack of smaller followers.
	limit := policy.MaxItemsPerBundle * 2
	rows, err := tx.Query(ctx, `
		SELECT `+itemColumns+`
		FROM new_data_item
		WHERE priority_class = $1
		ORDER BY uploaded_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		priorityClass, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select candidates: %w", err)
	}

	var candidates []db.NewDataItem
	for rows.Next() {
		item, err := scanNewItem(rows)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("candidate query failed: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	selected, full := db.PackItems(candidates, policy)
	if len(selected) == 0 {
		return nil, nil, nil
	}
	// A partial pack closes only once the oldest item has waited past
	// MaxPlanWait.
	if !full && now.Sub(selected[0].UploadedAt) < policy.MaxPlanWait {
		return nil, nil, nil
	}

	plan := db.BundlePlan{
		PlanID:        uuid.NewString(),
		PriorityClass: priorityClass,
		PlannedAt:     now,
		ItemCount:     len(selected),
	}
	for _, item := range selected {
		plan.ByteCount += item.ByteCount
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO bundle_plan (plan_id, priority_class, planned_at, byte_count, item_count)
		VALUES ($1, $2, $3, $4, $5)`,
		plan.PlanID, plan.PriorityClass, plan.PlannedAt, plan.ByteCount, plan.ItemCount,
	); err != nil {
		return nil, nil, fmt.Errorf("failed to insert plan: %w", err)
	}

	planned := make([]db.PlannedItem, 0, len(selected))
	for pos, item := range selected {
		if _, err := tx.Exec(ctx, `
			INSERT INTO planned_data_item
			  (`+itemColumns+`, plan_id, plan_position, planned_at)
			SELECT `+itemColumns+`, $2, $3, $4
			FROM new_data_item WHERE id = $1`,
			item.ID.String(), plan.PlanID, pos, now,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to move item to plan: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM new_data_item WHERE id = $1`, item.ID.String(),
		); err != nil {
			return nil, nil, fmt.Errorf("failed to remove planned item: %w", err)
		}
		planned = append(planned, db.PlannedItem{
			NewDataItem: item,
			PlanID:      plan.PlanID,
			PlannedAt:   now,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit plan: %w", err)
	}
	return &plan, planned, nil
}

// PlannedItems returns a plan's items in planner-selected order.
func (s *Store) PlannedItems(ctx context.Context, planID string) ([]db.PlannedItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`, plan_id, planned_at
		FROM planned_data_item
		WHERE plan_id = $1
		ORDER BY plan_position`,
		planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load planned items: %w", err)
	}
	defer rows.Close()

	var items []db.PlannedItem
	for rows.Next() {
		var item db.PlannedItem
		var idStr string
		err := rows.Scan(&idStr, &item.OwnerAddress, &item.SignatureType,
			&item.ByteCount, &item.PayloadStart, &item.ContentType,
			&item.DeadlineHeight, &item.PriorityClass, &item.UploadedAt,
			&item.RetryCount, &item.PlanID, &item.PlannedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan planned item: %w", err)
		}
		if item.ID, err = arweave.ParseTxID(idStr); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
