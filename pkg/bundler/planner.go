package bundler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

// Planner groups admitted items into bundle plans. It runs on a timer, one
// pass per priority class, and closes a plan when it is full or its oldest
// item has waited past MaxPlanWait. Within one process a per-class mutex
// keeps passes serial; across instances the database's row locking inside
// AssemblePlan prevents two planners from selecting the same items.
type Planner struct {
	cfg     config.BundlingConfig
	db      db.Database
	queue   queue.Queue
	metrics *metrics.Metrics

	mu      sync.Mutex
	classes map[string]*sync.Mutex

	now func() time.Time
}

// NewPlanner creates a planner.
func NewPlanner(cfg config.BundlingConfig, database db.Database, q queue.Queue, m *metrics.Metrics) *Planner {
	return &Planner{
		cfg:     cfg,
		db:      database,
		queue:   q,
		metrics: m,
		classes: make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

func (p *Planner) classLock(class string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.classes[class]
	if !ok {
		l = &sync.Mutex{}
		p.classes[class] = l
	}
	return l
}

// Run executes planning passes on the configured interval until ctx ends.
func (p *Planner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PlanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes one planning pass over every priority class.
func (p *Planner) RunOnce(ctx context.Context) {
	for _, class := range p.cfg.PriorityClasses {
		if err := p.planClass(ctx, class); err != nil {
			logger.Warn("planning pass failed",
				logger.KeyPriority, class, "error", err)
		}
	}
}

// planClass drains one priority class, closing plans until no more can
// close this pass.
func (p *Planner) planClass(ctx context.Context, class string) error {
	lock := p.classLock(class)
	lock.Lock()
	defer lock.Unlock()

	policy := db.PackPolicy{
		MaxBundleBytes:     p.cfg.MaxBundleBytes,
		MaxItemsPerBundle:  p.cfg.MaxItemsPerBundle,
		HeaderBytesPerItem: headerBytesPerItem,
		MaxPlanWait:        p.cfg.MaxPlanWait,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		plan, items, err := p.db.AssemblePlan(ctx, class, policy, p.now())
		if err != nil {
			return err
		}
		if plan == nil {
			return nil
		}

		p.metrics.PlanCreated()
		logger.Info("bundle plan closed",
			logger.KeyPlanID, plan.PlanID,
			logger.KeyPriority, class,
			"items", len(items),
			logger.KeyByteCount, plan.ByteCount)

		payload, _ := json.Marshal(queue.PlanJob{PlanID: plan.PlanID})
		if err := p.queue.Enqueue(ctx, queue.JobPrepareBundle, payload, queue.Options{}); err != nil {
			// The plan row exists; the reconciler-free fallback is the
			// next pass of the preparer sweep via re-enqueue here.
			return err
		}
	}
}
