package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/store"
)

type fakeStore struct {
	tasks []store.Task
}

func (f *fakeStore) ListTasksWithOutputFiles(ctx context.Context) ([]store.Task, error) {
	return f.tasks, nil
}

type fakeActive struct {
	paths map[string]bool
}

func (f fakeActive) ActiveOutputPaths() map[string]bool { return f.paths }

func writeTestFile(t *testing.T, dir string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, "results.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSweepLeavesFileUntouchedUnderLimit(t *testing.T) {
	dir := t.TempDir()
	lines := []string{`{"crawl_start_datetime":"2026-07-30T01:00:00Z","url":"a"}`}
	path := writeTestFile(t, dir, lines)

	taskID := uuid.New()
	st := &fakeStore{tasks: []store.Task{{ID: taskID, OutputFile: path}}}
	m := New(st, fakeActive{}, nil, clock.NewSim(time.Now()), config.RetentionConfig{MaxJSONLLines: 500})

	require.NoError(t, m.SweepOnce(context.Background()))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "{\"crawl_start_datetime\":\"2026-07-30T01:00:00Z\",\"url\":\"a\"}\n", string(contents))
}

func TestSweepTrimsOverLimitFileAndWritesBackup(t *testing.T) {
	dir := t.TempDir()
	// Three distinct single-line sessions, over a limit of 2.
	lines := []string{
		`{"crawl_start_datetime":"2026-07-30T01:00:00Z","url":"a"}`,
		`{"crawl_start_datetime":"2026-07-30T02:00:00Z","url":"b"}`,
		`{"crawl_start_datetime":"2026-07-30T03:00:00Z","url":"c"}`,
	}
	path := writeTestFile(t, dir, lines)

	taskID := uuid.New()
	st := &fakeStore{tasks: []store.Task{{ID: taskID, OutputFile: path}}}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	m := New(st, fakeActive{}, nil, clock.NewSim(now), config.RetentionConfig{MaxJSONLLines: 2, KeepSessions: 1})

	require.NoError(t, m.SweepOnce(context.Background()))

	trimmed, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, lines[2]+"\n", string(trimmed))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sawBackup bool
	for _, e := range entries {
		if e.Name() != "results.jsonl" {
			sawBackup = true
		}
	}
	require.True(t, sawBackup, "expected a .backup_ sibling file")
}

func TestSweepSkipsFileUnderActiveTailing(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		`{"crawl_start_datetime":"2026-07-30T01:00:00Z","url":"a"}`,
		`{"crawl_start_datetime":"2026-07-30T02:00:00Z","url":"b"}`,
		`{"crawl_start_datetime":"2026-07-30T03:00:00Z","url":"c"}`,
	}
	path := writeTestFile(t, dir, lines)

	taskID := uuid.New()
	st := &fakeStore{tasks: []store.Task{{ID: taskID, OutputFile: path}}}
	m := New(st, fakeActive{paths: map[string]bool{path: true}}, nil, clock.NewSim(time.Now()), config.RetentionConfig{MaxJSONLLines: 2, KeepSessions: 1})

	require.NoError(t, m.SweepOnce(context.Background()))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, len(splitNonEmpty(string(contents))))
}

func TestExpireBackupsDeletesOldOnes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"crawl_start_datetime":"2026-07-30T01:00:00Z"}`+"\n"), 0o644))

	oldInstant := "2026-01-01T00:00:00Z"
	oldBackup := path + backupPrefix + oldInstant
	require.NoError(t, os.WriteFile(oldBackup, []byte("old"), 0o644))

	taskID := uuid.New()
	st := &fakeStore{tasks: []store.Task{{ID: taskID, OutputFile: path}}}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	m := New(st, fakeActive{}, nil, clock.NewSim(now), config.RetentionConfig{MaxBackupAge: 30 * 24 * time.Hour, MaxJSONLLines: 500})

	require.NoError(t, m.SweepOnce(context.Background()))

	_, err := os.Stat(oldBackup)
	require.True(t, os.IsNotExist(err))
}

func splitNonEmpty(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
