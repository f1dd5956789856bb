// Package bundler wires the ingestion and bundling pipeline together: the
// component construction from configuration, the worker pools consuming the
// job queue, and the periodic planner and cleanup loops.
package bundler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/credit"
	"github.com/vilenarios/ar-io-bundler/pkg/gateway"
	"github.com/vilenarios/ar-io-bundler/pkg/ingress"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/optical"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	queuememory "github.com/vilenarios/ar-io-bundler/pkg/queue/memory"
	queueredis "github.com/vilenarios/ar-io-bundler/pkg/queue/redis"
	"github.com/vilenarios/ar-io-bundler/pkg/receipt"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	dbmemory "github.com/vilenarios/ar-io-bundler/pkg/store/db/memory"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db/postgres"
	"github.com/vilenarios/ar-io-bundler/pkg/store/kv"
	kvmemory "github.com/vilenarios/ar-io-bundler/pkg/store/kv/memory"
	kvredis "github.com/vilenarios/ar-io-bundler/pkg/store/kv/redis"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
	objectfs "github.com/vilenarios/ar-io-bundler/pkg/store/object/fs"
	objects3 "github.com/vilenarios/ar-io-bundler/pkg/store/object/s3"
)

// Core holds every component of the bundler service. Components are
// interfaces; the concrete variants are selected from configuration at
// construction and never change afterwards.
type Core struct {
	Cfg *config.Config

	DB      db.Database
	Objects object.Store
	KV      kv.Store
	Queue   queue.Queue
	Gateway gateway.Client
	Credit  credit.Service
	Optical optical.Poster

	Wallet   *arweave.Wallet
	Receipts *receipt.Signer
	Metrics  *metrics.Metrics

	Admitter *ingress.Admitter
	Server   *ingress.Server

	planner   *Planner
	preparer  *Preparer
	poster    *Poster
	verifier  *Verifier
	indexer   *Indexer
	optworker *OpticalWorker
	unbundler *Unbundler
	finalizer *Finalizer
	cleaner   *Cleaner

	closers []func()
}

// New constructs a Core from configuration. version is advertised on the
// info endpoint.
func New(ctx context.Context, cfg *config.Config, version string) (*Core, error) {
	c := &Core{Cfg: cfg, Metrics: metrics.New()}

	wallet, err := arweave.LoadWallet(cfg.Wallet.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load service wallet: %w", err)
	}
	c.Wallet = wallet
	c.Receipts = receipt.NewSigner(wallet)

	if err := c.buildStores(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Gateway = gateway.New(cfg.Gateway)
	c.Credit = credit.New(cfg.Credit)
	c.Optical = optical.New(cfg.Optical)

	c.Admitter = ingress.NewAdmitter(cfg.Bundling, ingress.AdmitterDeps{
		DB:       c.DB,
		Objects:  c.Objects,
		KV:       c.KV,
		Credit:   c.Credit,
		Queue:    c.Queue,
		Gateway:  c.Gateway,
		Receipts: c.Receipts,
		Metrics:  c.Metrics,
	})

	var raw *ingress.RawSigner
	if cfg.RawUpload.Enabled {
		raw, err = ingress.NewRawSigner(cfg.RawUpload)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	handlers := &ingress.Handlers{
		Admitter:      c.Admitter,
		Raw:           raw,
		DB:            c.DB,
		Objects:       c.Objects,
		KV:            c.KV,
		Queue:         c.Queue,
		ServerCfg:     cfg.Server,
		BundlingCfg:   cfg.Bundling,
		Version:       version,
		WalletAddress: wallet.Address(),
		GatewayURL:    cfg.Gateway.URL,
	}
	c.Server = ingress.NewServer(cfg.Server, handlers, c.Metrics, cfg.Metrics.Enabled)

	c.indexer = NewIndexer(c.DB, c.Metrics)
	c.planner = NewPlanner(cfg.Bundling, c.DB, c.Queue, c.Metrics)
	c.preparer = NewPreparer(cfg.Bundling, c.DB, c.Objects, c.Queue, c.Metrics)
	c.poster = NewPoster(cfg.Bundling, cfg.Workers, c.DB, c.Objects, c.Gateway, wallet, c.Queue, c.indexer, c.Metrics)
	c.verifier = NewVerifier(cfg.Bundling, c.DB, c.Gateway, c.Queue, c.Metrics)
	c.optworker = NewOpticalWorker(c.Objects, c.Optical, c.Metrics)
	c.unbundler = NewUnbundler(cfg.Bundling, c.Objects, c.Queue, c.indexer)
	c.finalizer = NewFinalizer(c.DB, c.Objects, c.Admitter)
	c.cleaner = NewCleaner(cfg.Workers, c.DB, c.Objects)

	return c, nil
}

// buildStores selects and connects the store variants.
func (c *Core) buildStores(ctx context.Context) error {
	cfg := c.Cfg

	switch cfg.Database.Driver {
	case "postgres":
		store, err := postgres.New(ctx, cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}
		c.DB = store
		c.closers = append(c.closers, store.Close)
	case "memory":
		c.DB = dbmemory.New()
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	switch cfg.ObjectStore.Driver {
	case "s3":
		store, err := objects3.New(ctx, cfg.ObjectStore.S3)
		if err != nil {
			return fmt.Errorf("failed to connect object store: %w", err)
		}
		c.Objects = store
	case "fs":
		store, err := objectfs.New(objectfs.Config{BasePath: cfg.ObjectStore.FS.Root})
		if err != nil {
			return fmt.Errorf("failed to open filesystem object store: %w", err)
		}
		c.Objects = store
	default:
		return fmt.Errorf("unknown object store driver %q", cfg.ObjectStore.Driver)
	}

	switch cfg.Redis.Driver {
	case "redis":
		store, err := kvredis.New(ctx, cfg.Redis.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		c.KV = store
		c.Queue = queueredis.New(store.Client())
		c.closers = append(c.closers, func() { _ = store.Close() })
	case "memory":
		c.KV = kvmemory.New()
		c.Queue = queuememory.New()
	default:
		return fmt.Errorf("unknown redis driver %q", cfg.Redis.Driver)
	}

	return nil
}

// Run starts the HTTP server, every worker pool, and the periodic loops,
// blocking until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	workers := c.Cfg.Workers
	g, ctx := errgroup.WithContext(ctx)

	consume := func(name string, concurrency int, h queue.Handler) {
		g.Go(func() error {
			return c.Queue.Consume(ctx, name, concurrency, h)
		})
	}
	consume(queue.JobPrepareBundle, workers.Preparers, c.preparer.HandlePrepare)
	consume(queue.JobPostBundle, workers.Posters, c.poster.HandlePost)
	consume(queue.JobSeedBundle, workers.Posters, c.poster.HandleSeed)
	consume(queue.JobVerifyBundle, workers.Verifiers, c.verifier.HandleVerify)
	consume(queue.JobOpticalPost, workers.OpticalPosters, c.optworker.HandleItem)
	consume(queue.JobUnbundleBDI, workers.Unbundlers, c.unbundler.HandleUnbundle)
	consume(queue.JobFinalizeMultipart, workers.MultipartFinalizers, c.finalizer.HandleFinalize)

	g.Go(func() error { return c.indexer.Run(ctx, workers.OffsetIndexers) })
	g.Go(func() error { return c.planner.Run(ctx) })
	g.Go(func() error { return c.cleaner.Run(ctx) })
	g.Go(func() error { return c.Server.Start(ctx) })

	logger.Info("bundler core running",
		"addr", c.Cfg.Server.Addr(),
		logger.KeyGateway, c.Cfg.Gateway.URL,
		"wallet", c.Wallet.Address())
	return g.Wait()
}

// Close releases store connections.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
