// Package db defines the relational store owning the data-item and bundle
// state machine. The postgres variant is production; the memory variant
// backs unit tests of the pipeline workers.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
)

// Sentinel errors shared by all variants.
var (
	// ErrDuplicateItem indicates the data item id already exists in some
	// state. Admission treats this as idempotent success.
	ErrDuplicateItem = errors.New("data item already exists")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrWrongState indicates a state transition was attempted from a
	// state the row is not in. Transitions are monotonic per plan.
	ErrWrongState = errors.New("row not in expected state")
)

// Item states. An id appears in at most one non-terminal state at a time;
// permanent and failed are terminal.
const (
	ItemStatusNew       = "new"
	ItemStatusPlanned   = "planned"
	ItemStatusPosted    = "posted"
	ItemStatusSeeded    = "seeded"
	ItemStatusPermanent = "permanent"
	ItemStatusFailed    = "failed"
	ItemStatusNotFound  = "not_found"
)

// Bundle states.
const (
	BundleStateNew       = "new"
	BundleStatePosted    = "posted"
	BundleStateSeeded    = "seeded"
	BundleStatePermanent = "permanent"
	BundleStateFailed    = "failed"
	BundleStateDropped   = "dropped"
)

// Failure reasons recorded on failed_data_item rows.
const (
	FailedReasonTooManyRetries = "too_many_retries"
	FailedReasonInvalid        = "invalid"
)

// NewDataItem is an admitted item awaiting planning.
type NewDataItem struct {
	ID             arweave.TxID
	OwnerAddress   string
	SignatureType  int
	ByteCount      int64
	PayloadStart   int64
	ContentType    string
	DeadlineHeight int64
	PriorityClass  string
	UploadedAt     time.Time
	RetryCount     int
}

// PlannedItem is a data item bound to a bundle plan.
type PlannedItem struct {
	NewDataItem
	PlanID    string
	PlannedAt time.Time
}

// BundlePlan groups items selected for one bundle.
type BundlePlan struct {
	PlanID        string
	PriorityClass string
	PlannedAt     time.Time
	ByteCount     int64
	ItemCount     int
}

// Bundle is the per-plan bundle row; created by the preparer in state new.
type Bundle struct {
	PlanID           string
	BundleID         arweave.TxID
	Reward           string
	HeaderByteCount  int64
	PayloadByteCount int64
	PriorityClass    string
	FailureCount     int
	State            string
	UpdatedAt        time.Time
	SeededAt         time.Time
}

// OffsetRecord locates a data item's bytes inside its root bundle for
// downstream retrieval. TTL-evicted.
type OffsetRecord struct {
	DataItemID         arweave.TxID
	RootBundleID       arweave.TxID
	StartOffset        int64
	RawContentLength   int64
	PayloadDataStart   int64
	PayloadContentType string

	// Set for nested items unbundled out of a BDI.
	ParentDataItemID  *arweave.TxID
	StartInParent     *int64

	ExpiresAt time.Time
}

// MultipartUpload tracks a chunked upload until the finalizer assembles it.
type MultipartUpload struct {
	UploadID        string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	UploaderAddress string
	ChunkSize       int64
	TotalChunks     int
	Finalized       bool
	DataItemID      *arweave.TxID // set once finalized
	FailedReason    string
}

// ItemStatusInfo is the answer to a status lookup across all state tables.
type ItemStatusInfo struct {
	Status      string
	BundleID    string
	BlockHeight int64
}

// PackPolicy bounds plan assembly.
type PackPolicy struct {
	MaxBundleBytes     int64
	MaxItemsPerBundle  int
	HeaderBytesPerItem int64
	MaxPlanWait        time.Duration
}

// FailureOutcome reports what a bundle failure did to its items.
type FailureOutcome struct {
	ReleasedItems int // returned to new_data_item for repack
	FailedItems   int // exhausted MaxRepacks, moved to failed_data_item
}

// Database is the relational-store contract. All state transitions are
// transactional at row granularity; implementations must enforce the unique
// constraint on the data item id across all states.
type Database interface {
	// InsertNewDataItem admits an item, or returns ErrDuplicateItem if the
	// id exists in any state.
	InsertNewDataItem(ctx context.Context, item NewDataItem) error

	// ItemStatus reports the item's current state across all tables.
	// Status is ItemStatusNotFound when the id is unknown.
	ItemStatus(ctx context.Context, id arweave.TxID) (ItemStatusInfo, error)

	// AssemblePlan selects new items of the priority class oldest-first,
	// packs them greedily under policy, and when the pack is full (or the
	// oldest candidate has waited past MaxPlanWait) moves the selected
	// rows to planned_data_item under a fresh plan. Returns nil when no
	// plan closed. Safe against concurrent planners via row locking.
	AssemblePlan(ctx context.Context, priorityClass string, policy PackPolicy, now time.Time) (*BundlePlan, []PlannedItem, error)

	// PlannedItems returns a plan's items in planner-selected order.
	PlannedItems(ctx context.Context, planID string) ([]PlannedItem, error)

	// InsertBundle records the prepared bundle in state new.
	InsertBundle(ctx context.Context, b Bundle) error

	// GetBundle loads the bundle row for a plan.
	GetBundle(ctx context.Context, planID string) (Bundle, error)

	// SetBundleID records the signed layer-one transaction id and its
	// reward on the bundle row. The preparer inserts with a deterministic
	// placeholder; the poster overwrites it once the transaction is
	// signed.
	SetBundleID(ctx context.Context, planID string, bundleID arweave.TxID, reward string) error

	// GetBundleByBundleID looks a bundle up by its current bundle id.
	// The cleanup job uses it to decide whether staged objects are
	// orphaned.
	GetBundleByBundleID(ctx context.Context, bundleID arweave.TxID) (Bundle, error)

	// AdvanceBundle moves a bundle from one state to the next. Returns
	// ErrWrongState unless the row is currently in from. Advancing to
	// seeded stamps SeededAt.
	AdvanceBundle(ctx context.Context, planID, from, to string) error

	// IncrementBundleFailure bumps the failure counter and returns the new
	// value. The bundle stays in its current state.
	IncrementBundleFailure(ctx context.Context, planID string) (int, error)

	// FailBundle moves the bundle to failed or dropped and releases its
	// planned items back to new_data_item with retry_count incremented;
	// items at or past maxRepacks move to failed_data_item instead. The
	// plan row is retained for audit.
	FailBundle(ctx context.Context, planID, state string, maxRepacks int) (FailureOutcome, error)

	// PromoteBundle moves the bundle to permanent and the given items to
	// permanent_data_item at the confirming block height. Items of the
	// plan not listed stay planned (the verifier releases or requeues them
	// separately). Idempotent: promoting a permanent bundle is a no-op.
	PromoteBundle(ctx context.Context, planID string, blockHeight int64, itemIDs []arweave.TxID) error

	// ReleaseItems moves specific planned items back to new_data_item for
	// repack (retry_count incremented, maxRepacks enforced).
	ReleaseItems(ctx context.Context, planID string, itemIDs []arweave.TxID, maxRepacks int) (FailureOutcome, error)

	// InsertOffsets batch-writes offset records, idempotent on
	// (data_item_id, root_bundle_id).
	InsertOffsets(ctx context.Context, records []OffsetRecord) error

	// GetOffset returns the newest unexpired offset record for an item.
	GetOffset(ctx context.Context, id arweave.TxID) (OffsetRecord, error)

	// DeleteExpiredOffsets evicts offset rows past their TTL.
	DeleteExpiredOffsets(ctx context.Context, now time.Time) (int, error)

	// Multipart uploads.
	InsertMultipartUpload(ctx context.Context, u MultipartUpload) error
	GetMultipartUpload(ctx context.Context, uploadID string) (MultipartUpload, error)
	FinalizeMultipartUpload(ctx context.Context, uploadID string, dataItemID arweave.TxID) error
	FailMultipartUpload(ctx context.Context, uploadID, reason string) error
	DeleteMultipartUpload(ctx context.Context, uploadID string) error
	ExpiredMultipartUploads(ctx context.Context, now time.Time) ([]MultipartUpload, error)

	// Healthy reports whether the store is reachable.
	Healthy(ctx context.Context) error

	// Close releases the connection pool.
	Close()
}

// PackItems greedily packs candidates (already oldest-first within a
// priority class) under the policy. Returns the selected prefix and whether
// the pack hit a hard limit (so the plan should close even if young).
// Shared by all Database variants so their packing agrees.
func PackItems(candidates []NewDataItem, policy PackPolicy) (selected []NewDataItem, full bool) {
	var bytes int64
	for _, item := range candidates {
		if len(selected) >= policy.MaxItemsPerBundle {
			return selected, true
		}
		headerOverhead := policy.HeaderBytesPerItem * int64(len(selected)+1)
		if bytes+item.ByteCount+headerOverhead > policy.MaxBundleBytes {
			// This item does not fit; the plan is as full as it gets.
			return selected, true
		}
		selected = append(selected, item)
		bytes += item.ByteCount
	}
	return selected, len(selected) >= policy.MaxItemsPerBundle
}
