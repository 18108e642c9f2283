// Package ingestion implements the Tailer described in spec §4.5: it turns
// a live, append-only JSONL file into Result rows in near-real-time. The
// read loop (fsnotify primary, poll-ticker fallback, offset + partial-line
// tracking) is grounded on the file-tailing ingester used elsewhere in this
// codebase's lineage; this version is narrowed to a single file per task
// id and adds fingerprint-based deduplication and batched Store flushes.
package ingestion

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/coreerr"
	"github.com/folio-org/folio-core/internal/store"
)

// Store is the subset of internal/store the Tailer needs.
type Store interface {
	ListFingerprintsForTask(ctx context.Context, taskID uuid.UUID) (map[string]bool, error)
	InsertResultBatch(ctx context.Context, results []store.Result) error
	UpdateTaskItemsCount(ctx context.Context, id uuid.UUID, itemsCount int) error
}

// Bus is the subset of internal/bus the Tailer publishes to.
type Bus interface {
	Publish(ev store.Event)
}

// Tailer converts one task's JSONL output file into Result rows. Exactly
// one Tailer may run per task id (enforced by the Dispatcher's active-task
// map, not by this type).
type Tailer struct {
	store  Store
	bus    Bus
	clock  clock.Clock
	cfg    config.TailerConfig
	taskID uuid.UUID
	path   string

	seen          map[string]bool
	pending       []store.Result
	itemsCount    int
	parseErrCount int

	file    *os.File
	offset  int64
	lineBuf []byte
}

// New constructs a Tailer bound to a single task and its output file.
func New(st Store, b Bus, clk clock.Clock, cfg config.TailerConfig, taskID uuid.UUID, path string) *Tailer {
	return &Tailer{
		store:  st,
		bus:    b,
		clock:  clk,
		cfg:    cfg,
		taskID: taskID,
		path:   path,
	}
}

// ParseErrorCount returns the number of malformed JSONL lines skipped so
// far. The Dispatcher reads this once Run returns to fold IngestParseErrors
// into the task's error_count (spec §7).
func (t *Tailer) ParseErrorCount() int { return t.parseErrCount }

// Run rehydrates the dedup set, waits for the output file to appear, then
// tails it until ctx is cancelled, at which point it performs one last
// drain read, flushes whatever remains, and returns. This is the
// Dispatcher's per-task Tailer lifecycle (spec §4.5 steps 1-7).
func (t *Tailer) Run(ctx context.Context) error {
	if err := t.rehydrate(ctx); err != nil {
		return err
	}

	if err := t.awaitFile(ctx); err != nil {
		return err
	}
	defer func() {
		if t.file != nil {
			_ = t.file.Close()
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("tailer: fsnotify unavailable, falling back to polling only", "task_id", t.taskID, "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			slog.Warn("tailer: failed to watch directory", "task_id", t.taskID, "error", err)
		}
	}

	pollInterval := t.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	batchInterval := t.cfg.BatchInterval
	if batchInterval <= 0 {
		batchInterval = time.Second
	}
	flushTicker := time.NewTicker(batchInterval)
	defer flushTicker.Stop()

	var watcherEvents chan fsnotify.Event
	var watcherErrors chan error
	if watcher != nil {
		watcherEvents = watcher.Events
		watcherErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			t.readNewLines(ctx)
			t.flush(ctx)
			return nil

		case ev, ok := <-watcherEvents:
			if !ok {
				watcherEvents = nil
				continue
			}
			if ev.Name == t.path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				t.readNewLines(ctx)
				t.maybeFlush(ctx)
			}

		case err, ok := <-watcherErrors:
			if !ok {
				watcherErrors = nil
				continue
			}
			slog.Warn("tailer: fsnotify error", "task_id", t.taskID, "error", err)

		case <-ticker.C:
			t.readNewLines(ctx)
			t.maybeFlush(ctx)

		case <-flushTicker.C:
			if len(t.pending) > 0 {
				t.flush(ctx)
			}
		}
	}
}

// Drain performs a single one-shot read of the entire output file from
// offset zero, used by the Reconciler's underreported-success repair (spec
// §4.7): open, read to EOF, parse and dedup every line, flush once, return
// the number of newly ingested results.
func Drain(ctx context.Context, st Store, b Bus, clk clock.Clock, cfg config.TailerConfig, taskID uuid.UUID, path string) (int, error) {
	t := New(st, b, clk, cfg, taskID, path)
	if err := t.rehydrate(ctx); err != nil {
		return 0, err
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	t.file = f
	defer f.Close()

	t.readNewLines(ctx)
	t.flush(ctx)
	return t.itemsCount, nil
}

func (t *Tailer) rehydrate(ctx context.Context) error {
	seen, err := t.store.ListFingerprintsForTask(ctx, t.taskID)
	if err != nil {
		return err
	}
	if seen == nil {
		seen = make(map[string]bool)
	}
	t.seen = seen
	return nil
}

// awaitFile waits up to file_appear_timeout for the output file to exist,
// then opens it from offset zero. A task whose subprocess never creates the
// file is a legitimate outcome (spec §4.4's "zero results" tie-break), not
// an error here — the caller's ctx deadline (or cancellation) ends the wait.
func (t *Tailer) awaitFile(ctx context.Context) error {
	timeout := t.cfg.FileAppearTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := t.clock.Now().Add(timeout)

	for {
		f, err := os.Open(filepath.Clean(t.path))
		if err == nil {
			t.file = f
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if !t.clock.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// readNewLines reads from the current offset to EOF, parsing complete
// lines and deferring any trailing partial line to the next wakeup.
func (t *Tailer) readNewLines(ctx context.Context) {
	if t.file == nil {
		return
	}
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		// Truncation: the file was rotated out from under us (retention).
		// Restart from the beginning; duplicates are filtered by fingerprint.
		t.offset = 0
		t.lineBuf = nil
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return
		}
	}
	if info.Size() == t.offset {
		return
	}
	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	scanner := bufio.NewScanner(t.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	// Only newline-terminated lines are tokens; a trailing partial line is
	// left unconsumed and re-read from t.offset on the next wakeup.
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		for i, c := range data {
			if c == '\n' {
				return i + 1, data[:i], nil
			}
		}
		return 0, nil, nil
	})
	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(t.lineBuf) > 0 {
			line = append(t.lineBuf, line...)
			t.lineBuf = nil
		}
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		t.handleLine(ctx, raw)
	}
	t.offset += consumed
}

func (t *Tailer) updateOffset(info os.FileInfo, scanErr error) {
	newOffset, err := t.file.Seek(0, io.SeekCurrent)
	if err != nil || scanErr != nil {
		return
	}
	if newOffset < info.Size() {
		remaining := make([]byte, info.Size()-newOffset)
		n, _ := t.file.ReadAt(remaining, newOffset)
		if n > 0 {
			t.lineBuf = append(t.lineBuf, remaining[:n]...)
		}
	}
	t.offset = newOffset
}

func (t *Tailer) handleLine(ctx context.Context, raw []byte) {
	var v store.Value
	if err := v.UnmarshalJSON(raw); err != nil {
		slog.Warn("tailer: malformed line, skipping", "task_id", t.taskID, "error", coreerr.IngestParseError("tailer.handleLine", err))
		t.parseErrCount++
		return
	}

	fp := store.Fingerprint(v)
	if t.seen[fp] {
		return
	}
	t.seen[fp] = true

	res := store.Result{
		TaskID:      t.taskID,
		Payload:     v,
		Fingerprint: fp,
	}
	if u, ok := v.URL(); ok && u != "" {
		res.URL = u
	}
	if crawlStart, ok := v.CrawlStartDatetime(); ok {
		if ts, ok := parseInstant(crawlStart); ok {
			res.CrawlStartAt = &ts
		}
	}
	if acquired, ok := v.ItemAcquiredDatetime(); ok {
		if ts, ok := parseInstant(acquired); ok {
			res.ItemAcquiredAt = &ts
		}
	}

	t.pending = append(t.pending, res)

	batchMax := t.cfg.BatchMax
	if batchMax <= 0 {
		batchMax = 200
	}
	if len(t.pending) >= batchMax {
		t.flush(ctx)
	}
}

func parseInstant(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (t *Tailer) maybeFlush(ctx context.Context) {
	batchMax := t.cfg.BatchMax
	if batchMax <= 0 {
		batchMax = 200
	}
	if len(t.pending) >= batchMax {
		t.flush(ctx)
	}
}

// flush writes the pending batch to Store, updates items_count, and emits
// a task_progress event (spec §4.5 step 6-7). A flush error leaves the
// batch in place to be retried on the next trigger.
func (t *Tailer) flush(ctx context.Context) {
	if len(t.pending) == 0 {
		return
	}
	batch := t.pending
	if err := t.store.InsertResultBatch(ctx, batch); err != nil {
		slog.Error("tailer: flush failed, will retry", "task_id", t.taskID, "error", err, "batch_size", len(batch))
		return
	}
	t.pending = nil
	t.itemsCount += len(batch)

	if err := t.store.UpdateTaskItemsCount(ctx, t.taskID, t.itemsCount); err != nil {
		slog.Error("tailer: items_count update failed", "task_id", t.taskID, "error", err)
	}

	t.bus.Publish(store.Event{
		TaskID:  t.taskID,
		Kind:    store.EventTaskProgress,
		Instant: t.clock.Now(),
		Attributes: map[string]string{
			"items_count": strconv.Itoa(t.itemsCount),
		},
	})
}
