// Package memory provides an in-memory db.Database used by unit tests and
// local development. It mirrors the Postgres variant's semantics, including
// the global id registry and the monotonic bundle state machine.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

// Store implements db.Database in memory.
type Store struct {
	mu sync.Mutex

	registry  map[arweave.TxID]struct{}
	newItems  map[arweave.TxID]db.NewDataItem
	planned   map[arweave.TxID]db.PlannedItem
	permanent map[arweave.TxID]permanentItem
	failed    map[arweave.TxID]failedItem

	plans     map[string]db.BundlePlan
	planItems map[string][]arweave.TxID // planner-selected order
	bundles   map[string]db.Bundle

	offsets   map[offsetKey]db.OffsetRecord
	multipart map[string]db.MultipartUpload
}

type permanentItem struct {
	db.NewDataItem
	BundleID    arweave.TxID
	BlockHeight int64
}

type failedItem struct {
	db.NewDataItem
	Reason string
}

type offsetKey struct {
	item arweave.TxID
	root arweave.TxID
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		registry:  make(map[arweave.TxID]struct{}),
		newItems:  make(map[arweave.TxID]db.NewDataItem),
		planned:   make(map[arweave.TxID]db.PlannedItem),
		permanent: make(map[arweave.TxID]permanentItem),
		failed:    make(map[arweave.TxID]failedItem),
		plans:     make(map[string]db.BundlePlan),
		planItems: make(map[string][]arweave.TxID),
		bundles:   make(map[string]db.Bundle),
		offsets:   make(map[offsetKey]db.OffsetRecord),
		multipart: make(map[string]db.MultipartUpload),
	}
}

func (s *Store) InsertNewDataItem(ctx context.Context, item db.NewDataItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry[item.ID]; ok {
		return db.ErrDuplicateItem
	}
	s.registry[item.ID] = struct{}{}
	s.newItems[item.ID] = item
	return nil
}

func (s *Store) ItemStatus(ctx context.Context, id arweave.TxID) (db.ItemStatusInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.permanent[id]; ok {
		return db.ItemStatusInfo{
			Status:      db.ItemStatusPermanent,
			BundleID:    p.BundleID.String(),
			BlockHeight: p.BlockHeight,
		}, nil
	}
	if _, ok := s.failed[id]; ok {
		return db.ItemStatusInfo{Status: db.ItemStatusFailed}, nil
	}
	if _, ok := s.newItems[id]; ok {
		return db.ItemStatusInfo{Status: db.ItemStatusNew}, nil
	}
	if p, ok := s.planned[id]; ok {
		info := db.ItemStatusInfo{Status: db.ItemStatusPlanned}
		if b, ok := s.bundles[p.PlanID]; ok {
			info.BundleID = b.BundleID.String()
			switch b.State {
			case db.BundleStatePosted:
				info.Status = db.ItemStatusPosted
			case db.BundleStateSeeded:
				info.Status = db.ItemStatusSeeded
			}
		}
		return info, nil
	}
	return db.ItemStatusInfo{Status: db.ItemStatusNotFound}, nil
}

func (s *Store) AssemblePlan(ctx context.Context, priorityClass string, policy db.PackPolicy, now time.Time) (*db.BundlePlan, []db.PlannedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []db.NewDataItem
	for _, item := range s.newItems {
		if item.PriorityClass == priorityClass {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UploadedAt.Before(candidates[j].UploadedAt)
	})
	if len(candidates) > policy.MaxItemsPerBundle*2 {
		candidates = candidates[:policy.MaxItemsPerBundle*2]
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	selected, full := db.PackItems(candidates, policy)
	if len(selected) == 0 {
		return nil, nil, nil
	}
	if !full && now.Sub(selected[0].UploadedAt) < policy.MaxPlanWait {
		return nil, nil, nil
	}

	plan := db.BundlePlan{
		PlanID:        uuid.NewString(),
		PriorityClass: priorityClass,
		PlannedAt:     now,
		ItemCount:     len(selected),
	}
	var planned []db.PlannedItem
	for _, item := range selected {
		plan.ByteCount += item.ByteCount
		delete(s.newItems, item.ID)
		p := db.PlannedItem{NewDataItem: item, PlanID: plan.PlanID, PlannedAt: now}
		s.planned[item.ID] = p
		s.planItems[plan.PlanID] = append(s.planItems[plan.PlanID], item.ID)
		planned = append(planned, p)
	}
	s.plans[plan.PlanID] = plan
	return &plan, planned, nil
}

func (s *Store) PlannedItems(ctx context.Context, planID string) ([]db.PlannedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []db.PlannedItem
	for _, id := range s.planItems[planID] {
		if p, ok := s.planned[id]; ok {
			items = append(items, p)
		}
	}
	return items, nil
}

func (s *Store) InsertBundle(ctx context.Context, b db.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[b.PlanID]; ok {
		return nil
	}
	b.State = db.BundleStateNew
	b.UpdatedAt = time.Now()
	s.bundles[b.PlanID] = b
	return nil
}

func (s *Store) GetBundle(ctx context.Context, planID string) (db.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[planID]
	if !ok {
		return db.Bundle{}, db.ErrNotFound
	}
	return b, nil
}

func (s *Store) SetBundleID(ctx context.Context, planID string, bundleID arweave.TxID, reward string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[planID]
	if !ok {
		return db.ErrNotFound
	}
	b.BundleID = bundleID
	b.Reward = reward
	b.UpdatedAt = time.Now()
	s.bundles[planID] = b
	return nil
}

func (s *Store) GetBundleByBundleID(ctx context.Context, bundleID arweave.TxID) (db.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bundles {
		if b.BundleID == bundleID {
			return b, nil
		}
	}
	return db.Bundle{}, db.ErrNotFound
}

func (s *Store) AdvanceBundle(ctx context.Context, planID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[planID]
	if !ok || b.State != from {
		return db.ErrWrongState
	}
	b.State = to
	b.UpdatedAt = time.Now()
	if to == db.BundleStateSeeded {
		b.SeededAt = b.UpdatedAt
	}
	s.bundles[planID] = b
	return nil
}

func (s *Store) IncrementBundleFailure(ctx context.Context, planID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[planID]
	if !ok {
		return 0, db.ErrNotFound
	}
	b.FailureCount++
	b.UpdatedAt = time.Now()
	s.bundles[planID] = b
	return b.FailureCount, nil
}

func (s *Store) FailBundle(ctx context.Context, planID, state string, maxRepacks int) (db.FailureOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bundles[planID]; ok {
		b.State = state
		b.UpdatedAt = time.Now()
		s.bundles[planID] = b
	}
	return s.releaseLocked(planID, nil, maxRepacks), nil
}

func (s *Store) ReleaseItems(ctx context.Context, planID string, itemIDs []arweave.TxID, maxRepacks int) (db.FailureOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(planID, itemIDs, maxRepacks), nil
}

func (s *Store) releaseLocked(planID string, itemIDs []arweave.TxID, maxRepacks int) db.FailureOutcome {
	var outcome db.FailureOutcome

	want := func(id arweave.TxID) bool {
		if itemIDs == nil {
			return true
		}
		for _, w := range itemIDs {
			if w == id {
				return true
			}
		}
		return false
	}

	for _, id := range s.planItems[planID] {
		p, ok := s.planned[id]
		if !ok || !want(id) {
			continue
		}
		delete(s.planned, id)
		item := p.NewDataItem
		item.RetryCount++
		if item.RetryCount >= maxRepacks {
			s.failed[id] = failedItem{NewDataItem: item, Reason: db.FailedReasonTooManyRetries}
			outcome.FailedItems++
		} else {
			s.newItems[id] = item
			outcome.ReleasedItems++
		}
	}
	return outcome
}

func (s *Store) PromoteBundle(ctx context.Context, planID string, blockHeight int64, itemIDs []arweave.TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bundles[planID]
	if !ok {
		return db.ErrNotFound
	}
	if b.State == db.BundleStatePermanent {
		return nil
	}

	for _, id := range itemIDs {
		p, ok := s.planned[id]
		if !ok || p.PlanID != planID {
			continue
		}
		delete(s.planned, id)
		s.permanent[id] = permanentItem{
			NewDataItem: p.NewDataItem,
			BundleID:    b.BundleID,
			BlockHeight: blockHeight,
		}
	}

	b.State = db.BundleStatePermanent
	b.UpdatedAt = time.Now()
	s.bundles[planID] = b
	return nil
}

func (s *Store) InsertOffsets(ctx context.Context, records []db.OffsetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.offsets[offsetKey{r.DataItemID, r.RootBundleID}] = r
	}
	return nil
}

func (s *Store) GetOffset(ctx context.Context, id arweave.TxID) (db.OffsetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best db.OffsetRecord
	found := false
	now := time.Now()
	for k, r := range s.offsets {
		if k.item != id || !r.ExpiresAt.After(now) {
			continue
		}
		if !found || r.ExpiresAt.After(best.ExpiresAt) {
			best = r
			found = true
		}
	}
	if !found {
		return best, db.ErrNotFound
	}
	return best, nil
}

func (s *Store) DeleteExpiredOffsets(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.offsets {
		if !r.ExpiresAt.After(now) {
			delete(s.offsets, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertMultipartUpload(ctx context.Context, u db.MultipartUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multipart[u.UploadID] = u
	return nil
}

func (s *Store) GetMultipartUpload(ctx context.Context, uploadID string) (db.MultipartUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.multipart[uploadID]
	if !ok {
		return u, db.ErrNotFound
	}
	return u, nil
}

func (s *Store) FinalizeMultipartUpload(ctx context.Context, uploadID string, dataItemID arweave.TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.multipart[uploadID]
	if !ok {
		return db.ErrNotFound
	}
	u.Finalized = true
	u.DataItemID = &dataItemID
	s.multipart[uploadID] = u
	return nil
}

func (s *Store) FailMultipartUpload(ctx context.Context, uploadID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.multipart[uploadID]; ok {
		u.FailedReason = reason
		s.multipart[uploadID] = u
	}
	return nil
}

func (s *Store) DeleteMultipartUpload(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.multipart, uploadID)
	return nil
}

func (s *Store) ExpiredMultipartUploads(ctx context.Context, now time.Time) ([]db.MultipartUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.MultipartUpload
	for _, u := range s.multipart {
		if !u.Finalized && !u.ExpiresAt.After(now) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) Healthy(ctx context.Context) error { return nil }

func (s *Store) Close() {}
