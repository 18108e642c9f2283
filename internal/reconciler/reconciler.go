// Package reconciler implements the periodic repair sweep from spec §4.7:
// stuck-task detection, underreported-success recovery, result-count drift
// correction, and duplicate-fingerprint cleanup. It is grounded on the
// fixed-interval failed-task recovery loop this codebase's lineage ran as a
// standalone daemon, generalized here to the four defect classes the Go
// core can detect on its own Store.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/ingestion"
	"github.com/folio-org/folio-core/internal/store"
)

// Store is the subset of internal/store the Reconciler needs. It also
// satisfies internal/ingestion.Store so a one-shot Drain can reuse it
// directly for the underreported-success repair.
type Store interface {
	ListTasksInWindow(ctx context.Context, since time.Time) ([]store.Task, error)
	GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error)
	RepairTaskToFinished(ctx context.Context, id uuid.UUID, itemsCount int) (bool, error)
	MarkTaskStuckFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error)
	CountResultsForTask(ctx context.Context, taskID uuid.UUID) (int, error)
	UpdateTaskItemsCount(ctx context.Context, id uuid.UUID, itemsCount int) error
	DuplicateFingerprintGroups(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error)
	DeleteResults(ctx context.Context, ids []uuid.UUID) error
	ListFingerprintsForTask(ctx context.Context, taskID uuid.UUID) (map[string]bool, error)
	InsertResultBatch(ctx context.Context, results []store.Result) error
	AppendEvent(ctx context.Context, ev store.Event) error
}

// Bus is the subset of internal/bus the Reconciler publishes to.
type Bus interface {
	Publish(ev store.Event)
}

// ActiveChecker reports whether the Dispatcher still has a live process for
// a task id; satisfied by *dispatcher.Dispatcher without an import cycle.
type ActiveChecker interface {
	IsActive(taskID uuid.UUID) bool
}

// Reconciler runs the sweep described in spec §4.7 on a fixed interval.
type Reconciler struct {
	store     Store
	bus       Bus
	clock     clock.Clock
	cfg       config.ReconcilerConfig
	tailerCfg config.TailerConfig
	active    ActiveChecker
}

// New constructs a Reconciler.
func New(st Store, b Bus, clk clock.Clock, cfg config.ReconcilerConfig, tailerCfg config.TailerConfig, active ActiveChecker) *Reconciler {
	return &Reconciler{store: st, bus: b, clock: clk, cfg: cfg, tailerCfg: tailerCfg, active: active}
}

// Run sweeps every cfg.Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	for {
		if err := r.SweepOnce(ctx); err != nil {
			slog.Error("reconciler: sweep failed", "error", err)
		}
		if err := r.clock.SleepUntil(ctx, r.clock.Now().Add(interval)); err != nil {
			return err
		}
	}
}

// SweepOnce runs one full pass over the sliding window of tasks, backing
// the `reconcile-once` CLI verb (spec §6).
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	window := r.cfg.Window
	if window <= 0 {
		window = 6 * time.Hour
	}
	now := r.clock.Now()
	tasks, err := r.store.ListTasksInWindow(ctx, now.Add(-window))
	if err != nil {
		return fmt.Errorf("reconciler.SweepOnce: %w", err)
	}

	for _, task := range tasks {
		switch task.Status {
		case store.TaskRunning:
			r.checkStuck(ctx, task, now)
		case store.TaskFailed:
			if task.ItemsCount == 0 {
				r.repairUnderreported(ctx, task)
			}
		}
		r.fixCountDrift(ctx, task)
		r.cleanupDuplicates(ctx, task)
	}
	return nil
}

// checkStuck implements spec §4.7's stuck-detection rule: Running, no live
// process in the Dispatcher's table, started long enough ago.
func (r *Reconciler) checkStuck(ctx context.Context, task store.Task, now time.Time) {
	stuckTimeout := r.cfg.StuckTimeout
	if stuckTimeout <= 0 {
		stuckTimeout = 30 * time.Minute
	}
	if task.StartedAt == nil || now.Sub(*task.StartedAt) < stuckTimeout {
		return
	}
	if r.active != nil && r.active.IsActive(task.ID) {
		return
	}
	ok, err := r.store.MarkTaskStuckFailed(ctx, task.ID, now)
	if err != nil {
		slog.Error("reconciler: mark stuck failed failed", "task_id", task.ID, "error", err)
		return
	}
	if ok {
		r.emitRepaired(ctx, task.ID, "stuck_no_heartbeat")
	}
}

// repairUnderreported implements spec §4.7's underreported-success rule: a
// Failed task with items_count=0 whose output file actually holds at least
// one parseable record is repaired to Finished via a one-shot drain.
func (r *Reconciler) repairUnderreported(ctx context.Context, task store.Task) {
	project, err := r.store.GetProject(ctx, task.ProjectID)
	if err != nil || project == nil {
		return
	}
	outputPath := filepath.Join(project.Path, fmt.Sprintf("results_%s.jsonl", task.ID))
	if _, err := os.Stat(outputPath); err != nil {
		return
	}

	n, err := ingestion.Drain(ctx, r.store, r.bus, r.clock, r.tailerCfg, task.ID, outputPath)
	if err != nil {
		slog.Error("reconciler: drain failed", "task_id", task.ID, "error", err)
		return
	}
	if n == 0 {
		return
	}

	itemsCount, err := r.store.CountResultsForTask(ctx, task.ID)
	if err != nil {
		slog.Error("reconciler: count results failed", "task_id", task.ID, "error", err)
		return
	}
	ok, err := r.store.RepairTaskToFinished(ctx, task.ID, itemsCount)
	if err != nil {
		slog.Error("reconciler: repair to finished failed", "task_id", task.ID, "error", err)
		return
	}
	if ok {
		r.emitRepaired(ctx, task.ID, "underreported_success")
	}
}

// fixCountDrift implements spec §4.7's count-drift rule for terminal tasks.
func (r *Reconciler) fixCountDrift(ctx context.Context, task store.Task) {
	if task.Status != store.TaskFinished && task.Status != store.TaskFailed && task.Status != store.TaskCancelled {
		return
	}
	actual, err := r.store.CountResultsForTask(ctx, task.ID)
	if err != nil {
		slog.Error("reconciler: count drift check failed", "task_id", task.ID, "error", err)
		return
	}
	if actual == task.ItemsCount {
		return
	}
	if err := r.store.UpdateTaskItemsCount(ctx, task.ID, actual); err != nil {
		slog.Error("reconciler: count drift fix failed", "task_id", task.ID, "error", err)
		return
	}
	r.emitRepaired(ctx, task.ID, "count_drift")
}

// cleanupDuplicates implements spec §4.7's duplicate-sentinel rule: keep
// one row of each (task_id, fingerprint) group (the one with the lowest id,
// see store.DuplicateFingerprintGroups), delete the rest.
func (r *Reconciler) cleanupDuplicates(ctx context.Context, task store.Task) {
	ids, err := r.store.DuplicateFingerprintGroups(ctx, task.ID)
	if err != nil {
		slog.Error("reconciler: duplicate scan failed", "task_id", task.ID, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := r.store.DeleteResults(ctx, ids); err != nil {
		slog.Error("reconciler: duplicate cleanup failed", "task_id", task.ID, "error", err)
		return
	}
	r.emitRepaired(ctx, task.ID, "duplicate_sentinel")
}

// emitRepaired publishes task_repaired on the Bus and records it in the
// durable event log, per spec §4.7: "All repairs emit task_repaired events
// for observability."
func (r *Reconciler) emitRepaired(ctx context.Context, taskID uuid.UUID, reason string) {
	now := r.clock.Now()
	ev := store.Event{
		TaskID:     taskID,
		Kind:       store.EventTaskRepaired,
		Instant:    now,
		Attributes: map[string]string{"reason": reason},
	}
	r.bus.Publish(ev)
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		slog.Error("reconciler: append event failed", "task_id", taskID, "error", err)
	}
}
