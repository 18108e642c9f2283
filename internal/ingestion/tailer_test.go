package ingestion

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
	mu          sync.Mutex
	inserted    []store.Result
	fingerprint map[uuid.UUID]map[string]bool
	itemsCount  map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fingerprint: make(map[uuid.UUID]map[string]bool),
		itemsCount:  make(map[uuid.UUID]int),
	}
}

func (f *fakeStore) ListFingerprintsForTask(ctx context.Context, taskID uuid.UUID) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for k, v := range f.fingerprint[taskID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) InsertResultBatch(ctx context.Context, results []store.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, results...)
	for _, r := range results {
		if f.fingerprint[r.TaskID] == nil {
			f.fingerprint[r.TaskID] = make(map[string]bool)
		}
		f.fingerprint[r.TaskID][r.Fingerprint] = true
	}
	return nil
}

func (f *fakeStore) UpdateTaskItemsCount(ctx context.Context, id uuid.UUID, itemsCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemsCount[id] = itemsCount
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

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestTailerIngestsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results_task.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	st := newFakeStore()
	b := &fakeBus{}
	taskID := uuid.New()
	cfg := config.TailerConfig{
		FileAppearTimeout: time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchMax:          200,
		BatchInterval:     20 * time.Millisecond,
	}
	tailer := New(st, b, clock.New(), cfg, taskID, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"url":"https://a.example/1","title":"one"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.inserted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTailerDedupsRepeatedFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results_task.jsonl")
	line := `{"url":"https://a.example/1","title":"one"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line+line), 0o644))

	st := newFakeStore()
	b := &fakeBus{}
	taskID := uuid.New()
	cfg := config.TailerConfig{
		FileAppearTimeout: time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchMax:          200,
		BatchInterval:     20 * time.Millisecond,
	}
	tailer := New(st, b, clock.New(), cfg, taskID, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.inserted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.inserted, 1)
}

func TestTailerRehydratesDedupSetFromStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results_task.jsonl")
	line := `{"url":"https://a.example/1","title":"one"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

	st := newFakeStore()
	taskID := uuid.New()
	existingFP := store.Fingerprint(func() store.Value {
		var v store.Value
		_ = v.UnmarshalJSON([]byte(`{"url":"https://a.example/1","title":"one"}`))
		return v
	}())
	st.fingerprint[taskID] = map[string]bool{existingFP: true}

	b := &fakeBus{}
	cfg := config.TailerConfig{
		FileAppearTimeout: time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchMax:          200,
		BatchInterval:     20 * time.Millisecond,
	}
	tailer := New(st, b, clock.New(), cfg, taskID, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Empty(t, st.inserted)
}

func TestDrainIngestsWholeFileOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results_task.jsonl")
	line1 := `{"url":"https://a.example/1"}` + "\n"
	line2 := `{"url":"https://a.example/2"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line1+line2), 0o644))

	st := newFakeStore()
	b := &fakeBus{}
	taskID := uuid.New()
	cfg := config.TailerConfig{}

	n, err := Drain(context.Background(), st, b, clock.New(), cfg, taskID, path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
