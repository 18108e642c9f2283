// Package core wires the whole orchestration engine together: Store, Bus,
// Scheduler, Dispatcher, Tailer factory, Reconciler, Retention Manager, and
// the apiserver control surface, per the explicit-DI design note in spec
// §9. Nothing here does real work itself; it only constructs and starts the
// components defined elsewhere.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/folio-org/folio-core/internal/apiserver"
	"github.com/folio-org/folio-core/internal/bus"
	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/dispatcher"
	"github.com/folio-org/folio-core/internal/ingestion"
	"github.com/folio-org/folio-core/internal/reconciler"
	"github.com/folio-org/folio-core/internal/retention"
	"github.com/folio-org/folio-core/internal/retention/archive"
	"github.com/folio-org/folio-core/internal/scheduler"
	"github.com/folio-org/folio-core/internal/store"
)

// Core owns every long-running component and drives their lifecycles
// together.
type Core struct {
	cfg   config.Config
	store *store.Store
	bus   *bus.Bus
	clock clock.Clock

	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler
	retention  *retention.Manager
	api        *apiserver.Server
}

// New constructs every component from an already-connected Store. archiver
// may be nil to skip cold-storage mirroring.
func New(cfg config.Config, st *store.Store, archiver *archive.Client) (*Core, error) {
	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	b := bus.New(nil)

	disp := dispatcher.New(st, b, clk, cfg.Dispatcher,
		func(taskID uuid.UUID, outputPath string) dispatcher.Tailer {
			return ingestion.New(st, b, clk, cfg.Tailer, taskID, outputPath)
		}, nil)

	sched := scheduler.New(st, disp, b, clk, tz, cfg.Scheduler)
	recon := reconciler.New(st, b, clk, cfg.Reconciler, cfg.Tailer, disp)

	var archiverIface retention.Archiver
	if archiver != nil {
		archiverIface = archiver
	}
	ret := retention.New(st, disp, archiverIface, clk, cfg.Retention)

	api := apiserver.New(st, disp, b, cfg.Server)

	return &Core{
		cfg:        cfg,
		store:      st,
		bus:        b,
		clock:      clk,
		scheduler:  sched,
		dispatcher: disp,
		reconciler: recon,
		retention:  ret,
		api:        api,
	}, nil
}

// Run starts every long-running component and blocks until ctx is
// cancelled, then waits for each to unwind before returning.
func (c *Core) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 5)

	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.Error("core: component stopped with error", "component", name, "error", err)
				errCh <- err
			}
		}()
	}

	start("dispatcher", c.dispatcher.Run)
	start("scheduler", c.scheduler.Run)
	start("reconciler", c.reconciler.Run)
	start("retention", c.retention.Run)
	start("apiserver", c.api.ListenAndServe)

	<-ctx.Done()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// ReconcileOnce runs a single reconciler sweep, backing the `reconcile-once`
// CLI verb (spec §6).
func (c *Core) ReconcileOnce(ctx context.Context) error {
	return c.reconciler.SweepOnce(ctx)
}

// Store exposes the underlying Store for callers (e.g. the CLI) that need
// direct access outside of the component lifecycles above.
func (c *Core) Store() *store.Store { return c.store }
