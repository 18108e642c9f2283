package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/store"
)

type fakeStore struct {
	mu           sync.Mutex
	tasks        []store.Task
	projects     map[uuid.UUID]*store.Project
	resultCounts map[uuid.UUID]int
	fingerprints map[uuid.UUID]map[string]bool
	inserted     map[uuid.UUID][]store.Result
	repaired     map[uuid.UUID]bool
	stuckFailed  map[uuid.UUID]bool
	itemsCounts  map[uuid.UUID]int
	dupGroups    map[uuid.UUID][]uuid.UUID
	deletedIDs   []uuid.UUID
	events       []store.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects:     make(map[uuid.UUID]*store.Project),
		resultCounts: make(map[uuid.UUID]int),
		fingerprints: make(map[uuid.UUID]map[string]bool),
		inserted:     make(map[uuid.UUID][]store.Result),
		repaired:     make(map[uuid.UUID]bool),
		stuckFailed:  make(map[uuid.UUID]bool),
		itemsCounts:  make(map[uuid.UUID]int),
		dupGroups:    make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeStore) ListTasksInWindow(ctx context.Context, since time.Time) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Task{}, f.tasks...), nil
}

func (f *fakeStore) GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projects[id], nil
}

func (f *fakeStore) RepairTaskToFinished(ctx context.Context, id uuid.UUID, itemsCount int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repaired[id] = true
	f.itemsCounts[id] = itemsCount
	return true, nil
}

func (f *fakeStore) MarkTaskStuckFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuckFailed[id] = true
	return true, nil
}

func (f *fakeStore) CountResultsForTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resultCounts[taskID], nil
}

func (f *fakeStore) UpdateTaskItemsCount(ctx context.Context, id uuid.UUID, itemsCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemsCounts[id] = itemsCount
	return nil
}

func (f *fakeStore) DuplicateFingerprintGroups(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dupGroups[taskID], nil
}

func (f *fakeStore) DeleteResults(ctx context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIDs = append(f.deletedIDs, ids...)
	return nil
}

func (f *fakeStore) ListFingerprintsForTask(ctx context.Context, taskID uuid.UUID) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for k, v := range f.fingerprints[taskID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) InsertResultBatch(ctx context.Context, results []store.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range results {
		f.inserted[r.TaskID] = append(f.inserted[r.TaskID], r)
		f.resultCounts[r.TaskID]++
	}
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, ev store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []store.Event
}

func (f *fakeBus) Publish(ev store.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeActive struct {
	activeIDs map[uuid.UUID]bool
}

func (f fakeActive) IsActive(taskID uuid.UUID) bool { return f.activeIDs[taskID] }

func TestSweepMarksStuckTaskFailed(t *testing.T) {
	st := newFakeStore()
	b := &fakeBus{}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	sim := clock.NewSim(now)

	startedAt := now.Add(-time.Hour)
	taskID := uuid.New()
	st.tasks = []store.Task{{ID: taskID, Status: store.TaskRunning, StartedAt: &startedAt}}

	r := New(st, b, sim, config.ReconcilerConfig{Window: 6 * time.Hour, StuckTimeout: 30 * time.Minute}, config.TailerConfig{}, fakeActive{})
	require.NoError(t, r.SweepOnce(context.Background()))

	require.True(t, st.stuckFailed[taskID])
}

func TestSweepSkipsStuckTaskWithLiveProcess(t *testing.T) {
	st := newFakeStore()
	b := &fakeBus{}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	sim := clock.NewSim(now)

	startedAt := now.Add(-time.Hour)
	taskID := uuid.New()
	st.tasks = []store.Task{{ID: taskID, Status: store.TaskRunning, StartedAt: &startedAt}}

	active := fakeActive{activeIDs: map[uuid.UUID]bool{taskID: true}}
	r := New(st, b, sim, config.ReconcilerConfig{Window: 6 * time.Hour, StuckTimeout: 30 * time.Minute}, config.TailerConfig{}, active)
	require.NoError(t, r.SweepOnce(context.Background()))

	require.False(t, st.stuckFailed[taskID])
}

func TestSweepRepairsUnderreportedSuccess(t *testing.T) {
	st := newFakeStore()
	b := &fakeBus{}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	sim := clock.NewSim(now)

	dir := t.TempDir()
	projectID := uuid.New()
	st.projects[projectID] = &store.Project{ID: projectID, Path: dir}

	taskID := uuid.New()
	outputPath := filepath.Join(dir, "results_"+taskID.String()+".jsonl")
	require.NoError(t, os.WriteFile(outputPath, []byte(`{"url":"https://a.example"}`+"\n"), 0o644))

	st.tasks = []store.Task{{ID: taskID, ProjectID: projectID, Status: store.TaskFailed, ItemsCount: 0}}

	r := New(st, b, sim, config.ReconcilerConfig{Window: 6 * time.Hour}, config.TailerConfig{}, fakeActive{})
	require.NoError(t, r.SweepOnce(context.Background()))

	require.True(t, st.repaired[taskID])
	require.Equal(t, 1, st.itemsCounts[taskID])
}

func TestSweepLeavesConfirmedFailureAlone(t *testing.T) {
	st := newFakeStore()
	b := &fakeBus{}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	sim := clock.NewSim(now)

	dir := t.TempDir()
	projectID := uuid.New()
	st.projects[projectID] = &store.Project{ID: projectID, Path: dir}

	taskID := uuid.New()
	// No output file was ever created: a confirmed failure.
	st.tasks = []store.Task{{ID: taskID, ProjectID: projectID, Status: store.TaskFailed, ItemsCount: 0}}

	r := New(st, b, sim, config.ReconcilerConfig{Window: 6 * time.Hour}, config.TailerConfig{}, fakeActive{})
	require.NoError(t, r.SweepOnce(context.Background()))

	require.False(t, st.repaired[taskID])
}

func TestSweepFixesCountDrift(t *testing.T) {
	st := newFakeStore()
	b := &fakeBus{}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	sim := clock.NewSim(now)

	taskID := uuid.New()
	st.tasks = []store.Task{{ID: taskID, Status: store.TaskFinished, ItemsCount: 3}}
	st.resultCounts[taskID] = 5

	r := New(st, b, sim, config.ReconcilerConfig{Window: 6 * time.Hour}, config.TailerConfig{}, fakeActive{})
	require.NoError(t, r.SweepOnce(context.Background()))

	require.Equal(t, 5, st.itemsCounts[taskID])
}

func TestSweepDeletesDuplicateFingerprintRows(t *testing.T) {
	st := newFakeStore()
	b := &fakeBus{}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	sim := clock.NewSim(now)

	taskID := uuid.New()
	dupID := uuid.New()
	st.tasks = []store.Task{{ID: taskID, Status: store.TaskFinished}}
	st.dupGroups[taskID] = []uuid.UUID{dupID}

	r := New(st, b, sim, config.ReconcilerConfig{Window: 6 * time.Hour}, config.TailerConfig{}, fakeActive{})
	require.NoError(t, r.SweepOnce(context.Background()))

	require.Contains(t, st.deletedIDs, dupID)
}
