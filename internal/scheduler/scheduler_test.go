package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/store"
)

// fakeStore is an in-memory ScheduleStore used to exercise the firing
// protocol without a database.
type fakeStore struct {
	mu          sync.Mutex
	schedules   map[uuid.UUID]*store.Schedule
	recentTasks map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schedules:   make(map[uuid.UUID]*store.Schedule),
		recentTasks: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) ListActiveSchedules(ctx context.Context) ([]store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Schedule
	for _, sch := range f.schedules {
		if sch.Active {
			out = append(out, *sch)
		}
	}
	return out, nil
}

func (f *fakeStore) HasRecentTaskForSchedule(ctx context.Context, scheduleID uuid.UUID, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recentTasks[scheduleID], nil
}

func (f *fakeStore) ReserveScheduleFiring(ctx context.Context, scheduleID uuid.UUID, expectedLastRun *time.Time, newLastRun, newNextRun time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sch, ok := f.schedules[scheduleID]
	if !ok {
		return false, nil
	}
	if !sameInstant(sch.LastRun, expectedLastRun) {
		return false, nil
	}
	sch.LastRun = &newLastRun
	sch.NextRun = &newNextRun
	return true, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	accepted []TaskRequest
	reject   bool
}

func (f *fakeDispatcher) Submit(ctx context.Context, req TaskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errBackpressure
	}
	f.accepted = append(f.accepted, req)
	return nil
}

var errBackpressure = fmtErrorf("backpressure")

func fmtErrorf(s string) error { return &simpleErr{s} }

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }

type fakeBus struct {
	mu     sync.Mutex
	events []store.Event
}

func (f *fakeBus) Publish(ev store.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func newTestSchedule(cronExpr string) *store.Schedule {
	return &store.Schedule{
		ID:             uuid.New(),
		ProjectID:      uuid.New(),
		SpiderID:       uuid.New(),
		OwnerID:        uuid.New(),
		Name:           "test",
		CronExpression: cronExpr,
		Active:         true,
	}
}

func TestTickFiresOnceWhenDue(t *testing.T) {
	fs := newFakeStore()
	sch := newTestSchedule("*/5 * * * *")
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	sch.NextRun = &due
	fs.schedules[sch.ID] = sch

	disp := &fakeDispatcher{}
	b := &fakeBus{}
	sim := clock.NewSim(now)
	s := New(fs, disp, b, sim, time.UTC, config.SchedulerConfig{ConflictWindow: 5 * time.Minute})

	require.NoError(t, s.Refresh(context.Background()))
	s.Tick(context.Background())

	require.Len(t, disp.accepted, 1)
	require.Equal(t, sch.ID, *disp.accepted[0].ScheduleID)
}

func TestTickSkipsWhenConflicted(t *testing.T) {
	fs := newFakeStore()
	sch := newTestSchedule("*/5 * * * *")
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	sch.NextRun = &due
	fs.schedules[sch.ID] = sch
	fs.recentTasks[sch.ID] = true

	disp := &fakeDispatcher{}
	b := &fakeBus{}
	sim := clock.NewSim(now)
	s := New(fs, disp, b, sim, time.UTC, config.SchedulerConfig{ConflictWindow: 5 * time.Minute})

	require.NoError(t, s.Refresh(context.Background()))
	s.Tick(context.Background())

	require.Empty(t, disp.accepted)
}

func TestConcurrentTicksFireExactlyOnce(t *testing.T) {
	fs := newFakeStore()
	sch := newTestSchedule("*/5 * * * *")
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	sch.NextRun = &due
	fs.schedules[sch.ID] = sch

	disp := &fakeDispatcher{}
	b := &fakeBus{}
	sim := clock.NewSim(now)

	s1 := New(fs, disp, b, sim, time.UTC, config.SchedulerConfig{ConflictWindow: 5 * time.Minute})
	s2 := New(fs, disp, b, sim, time.UTC, config.SchedulerConfig{ConflictWindow: 5 * time.Minute})

	require.NoError(t, s1.Refresh(context.Background()))
	require.NoError(t, s2.Refresh(context.Background()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s1.Tick(context.Background()) }()
	go func() { defer wg.Done(); s2.Tick(context.Background()) }()
	wg.Wait()

	require.Len(t, disp.accepted, 1)
}

func TestSubmissionFailureDoesNotRollBackNextRun(t *testing.T) {
	fs := newFakeStore()
	sch := newTestSchedule("*/5 * * * *")
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	sch.NextRun = &due
	fs.schedules[sch.ID] = sch

	disp := &fakeDispatcher{reject: true}
	b := &fakeBus{}
	sim := clock.NewSim(now)
	s := New(fs, disp, b, sim, time.UTC, config.SchedulerConfig{ConflictWindow: 5 * time.Minute})

	require.NoError(t, s.Refresh(context.Background()))
	s.Tick(context.Background())

	require.Empty(t, disp.accepted)
	fs.mu.Lock()
	nextRun := fs.schedules[sch.ID].NextRun
	fs.mu.Unlock()
	require.NotNil(t, nextRun)
	require.True(t, nextRun.After(now))
}
