// Package scheduler turns declarative Schedule rows into timely
// TaskRequests (spec §4.3). It reloads active schedules on a fixed
// interval, computes each one's next firing with the dedicated cron
// evaluator in internal/cronexpr, and, at firing time, runs the
// conflict-gate/reserve/submit protocol that keeps at-most-once semantics
// even with two Scheduler instances racing the same Store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/coreerr"
	"github.com/folio-org/folio-core/internal/cronexpr"
	"github.com/folio-org/folio-core/internal/store"
)

// Dispatcher is the subset of the worker pool's API the Scheduler needs: it
// submits TaskRequests and may reject them under backpressure.
type Dispatcher interface {
	Submit(ctx context.Context, req TaskRequest) error
}

// TaskRequest is handed from Scheduler (or an ad-hoc caller) to Dispatcher.
type TaskRequest struct {
	TaskID           uuid.UUID
	ProjectID        uuid.UUID
	SpiderID         uuid.UUID
	ScheduleID       *uuid.UUID
	OwnerID          uuid.UUID
	SettingsOverride map[string]string
}

// Bus is the subset of internal/bus the Scheduler publishes to.
type Bus interface {
	Publish(ev store.Event)
}

// ScheduleStore is the subset of internal/store the Scheduler needs. It is
// satisfied by *store.Store; tests supply an in-memory fake.
type ScheduleStore interface {
	ListActiveSchedules(ctx context.Context) ([]store.Schedule, error)
	HasRecentTaskForSchedule(ctx context.Context, scheduleID uuid.UUID, since time.Time) (bool, error)
	ReserveScheduleFiring(ctx context.Context, scheduleID uuid.UUID, expectedLastRun *time.Time, newLastRun, newNextRun time.Time) (bool, error)
}

// Scheduler owns the refresh/tick loop described in spec §4.3.
type Scheduler struct {
	store      ScheduleStore
	dispatcher Dispatcher
	bus        Bus
	clock      clock.Clock
	tz         *time.Location
	cfg        config.SchedulerConfig

	mu        sync.Mutex
	schedules []store.Schedule
}

// New constructs a Scheduler. tz is the configured display/cron-evaluation
// timezone (spec §4.1, default Asia/Tokyo).
func New(st ScheduleStore, dispatcher Dispatcher, bus Bus, clk clock.Clock, tz *time.Location, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		bus:        bus,
		clock:      clk,
		tz:         tz,
		cfg:        cfg,
	}
}

// Run drives refresh() on cfg.RefreshInterval and tick() on every whole
// second, until ctx is cancelled. Callers that want finer control over the
// tick cadence (tests, mainly) should call Refresh/Tick directly instead.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}

	refreshInterval := s.cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}

	nextRefresh := s.clock.Now().Add(refreshInterval)
	nextTick := s.clock.Now().Add(time.Second)

	for {
		wake := nextRefresh
		if nextTick.Before(wake) {
			wake = nextTick
		}
		if err := s.clock.SleepUntil(ctx, wake); err != nil {
			return err
		}
		now := s.clock.Now()

		if !now.Before(nextTick) {
			s.Tick(ctx)
			nextTick = now.Add(time.Second)
		}
		if !now.Before(nextRefresh) {
			if err := s.Refresh(ctx); err != nil {
				slog.Error("scheduler: refresh failed", "error", err)
			}
			nextRefresh = now.Add(refreshInterval)
		}
	}
}

// Refresh reloads active schedules from Store (spec §4.3 refresh()).
func (s *Scheduler) Refresh(ctx context.Context) error {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("scheduler.Refresh: %w", err)
	}
	s.mu.Lock()
	s.schedules = schedules
	s.mu.Unlock()
	return nil
}

// ComputeNext evaluates a 5-field cron expression in the Scheduler's
// configured timezone (spec §4.3 compute_next()).
func (s *Scheduler) ComputeNext(cronExpr string, after time.Time) (time.Time, error) {
	expr, err := cronexpr.Parse(cronExpr)
	if err != nil {
		return time.Time{}, coreerr.ConfigError("scheduler.ComputeNext", err)
	}
	return expr.Next(after, s.tz), nil
}

// Tick attempts to fire every active schedule whose next_run has arrived
// (spec §4.3 tick()). Each firing runs the conflict-gate/reserve/submit
// protocol independently; one schedule's failure never aborts the others'.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]store.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		if sch.NextRun != nil && !sch.NextRun.After(now) {
			due = append(due, sch)
		}
	}
	s.mu.Unlock()

	for _, sch := range due {
		s.fire(ctx, sch, now)
	}
}

// fire runs the four-step firing protocol from spec §4.3.
func (s *Scheduler) fire(ctx context.Context, sch store.Schedule, now time.Time) {
	conflictWindow := s.cfg.ConflictWindow
	if conflictWindow <= 0 {
		conflictWindow = 5 * time.Minute
	}

	// Step 1: conflict gate.
	conflicted, err := s.store.HasRecentTaskForSchedule(ctx, sch.ID, now.Add(-conflictWindow))
	if err != nil {
		slog.Error("scheduler: conflict gate query failed", "schedule_id", sch.ID, "error", err)
		return
	}
	if conflicted {
		slog.Info("scheduler: skipping firing, conflicting task in flight", "schedule_id", sch.ID)
		return
	}

	// Step 2: reserve (atomic CAS on last_run).
	next, err := s.ComputeNext(sch.CronExpression, now)
	if err != nil {
		slog.Error("scheduler: compute_next failed", "schedule_id", sch.ID, "error", err)
		return
	}
	reserved, err := s.store.ReserveScheduleFiring(ctx, sch.ID, sch.LastRun, now, next)
	if err != nil {
		slog.Error("scheduler: reserve failed", "schedule_id", sch.ID, "error", err)
		return
	}
	if !reserved {
		// Lost the race to another Scheduler instance; that's the
		// at-most-once guarantee working as intended.
		return
	}

	// Step 3: submit.
	taskID := uuid.New()
	req := TaskRequest{
		TaskID:           taskID,
		ProjectID:        sch.ProjectID,
		SpiderID:         sch.SpiderID,
		ScheduleID:       &sch.ID,
		OwnerID:          sch.OwnerID,
		SettingsOverride: nil,
	}
	if err := s.dispatcher.Submit(ctx, req); err != nil {
		// Step 4: do not roll back next_run; surface an error event.
		slog.Error("scheduler: dispatcher rejected submission", "schedule_id", sch.ID, "task_id", taskID, "error", err)
		s.bus.Publish(store.Event{
			TaskID:  taskID,
			Kind:    store.EventScheduleFired,
			Instant: now,
			Attributes: map[string]string{
				"schedule_id": sch.ID.String(),
				"error":       err.Error(),
			},
		})
		return
	}

	s.bus.Publish(store.Event{
		TaskID:  taskID,
		Kind:    store.EventScheduleFired,
		Instant: now,
		Attributes: map[string]string{
			"schedule_id": sch.ID.String(),
		},
	})
}
