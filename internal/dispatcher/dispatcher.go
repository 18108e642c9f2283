// Package dispatcher implements the bounded worker pool described in spec
// §4.4: it accepts TaskRequests from the Scheduler (or any ad-hoc caller),
// spawns the scraper subprocess, supervises its lifecycle, and wires up a
// Tailer for the duration of the run. Concurrency is bounded by a weighted
// semaphore rather than a fixed-size goroutine pool, so per-project limits
// can be layered on top of the global one without a second pool.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/coreerr"
	"github.com/folio-org/folio-core/internal/scheduler"
	"github.com/folio-org/folio-core/internal/store"
)

// Store is the subset of internal/store the Dispatcher needs.
type Store interface {
	CreateTask(ctx context.Context, t *store.Task) error
	GetSpider(ctx context.Context, id uuid.UUID) (*store.Spider, error)
	GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error)
	MarkTaskRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	UpdateTaskOutputFile(ctx context.Context, id uuid.UUID, outputFile string) error
	FinishTask(ctx context.Context, id uuid.UUID, status store.TaskStatus, finishedAt time.Time, itemsCount, requestsCount, errorCount int, errorMessage string) error
	CancelTask(ctx context.Context, id uuid.UUID, finishedAt time.Time, itemsCount int) error
	CountResultsForTask(ctx context.Context, taskID uuid.UUID) (int, error)
}

// Bus is the subset of internal/bus the Dispatcher publishes to.
type Bus interface {
	Publish(ev store.Event)
}

// Tailer is the subset of internal/ingestion's Tailer the Dispatcher drives.
// Run blocks until ctx is cancelled, at which point it performs a final
// drain-to-EOF read before returning (spec §4.5 step 6 / §4.4 step 8).
// ParseErrorCount reports how many malformed lines it skipped, once Run has
// returned.
type Tailer interface {
	Run(ctx context.Context) error
	ParseErrorCount() int
}

// TailerFactory constructs the Tailer bound to one task's output file.
// internal/ingestion.New satisfies this shape.
type TailerFactory func(taskID uuid.UUID, outputPath string) Tailer

// CommandFactory builds the unstarted *exec.Cmd for a spider run. The
// default shells out to `scrapy crawl <spider-name>`; tests substitute a
// factory that runs a fixed shell script instead.
type CommandFactory func(ctx context.Context, spider *store.Spider, project *store.Project) *exec.Cmd

func defaultCommandFactory(ctx context.Context, spider *store.Spider, project *store.Project) *exec.Cmd {
	return exec.CommandContext(ctx, "scrapy", "crawl", spider.Name)
}

// runningTask is Dispatcher's active-task map entry (spec §5: single-writer,
// many-reader). cancel lets an external Cancel call request early
// termination distinct from the task_timeout deadline.
type runningTask struct {
	cancel     context.CancelFunc
	projectID  uuid.UUID
	outputPath string
	startedAt  time.Time
}

// Dispatcher owns the accept protocol, the bounded worker pool, and the
// active-task map consulted by the Reconciler and Retention Manager.
type Dispatcher struct {
	store      Store
	bus        Bus
	clock      clock.Clock
	cfg        config.DispatcherConfig
	newTailer  TailerFactory
	newCommand CommandFactory

	sem        *semaphore.Weighted
	projectMu  sync.Mutex
	projectSem map[uuid.UUID]*semaphore.Weighted

	queue chan scheduler.TaskRequest

	mu     sync.Mutex
	active map[uuid.UUID]*runningTask

	wg sync.WaitGroup
}

// New constructs a Dispatcher. newTailer must not be nil; newCommand may be
// nil to use the default `scrapy crawl` factory.
func New(st Store, b Bus, clk clock.Clock, cfg config.DispatcherConfig, newTailer TailerFactory, newCommand CommandFactory) *Dispatcher {
	if newCommand == nil {
		newCommand = defaultCommandFactory
	}
	maxConcurrent := cfg.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	return &Dispatcher{
		store:      st,
		bus:        b,
		clock:      clk,
		cfg:        cfg,
		newTailer:  newTailer,
		newCommand: newCommand,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		projectSem: make(map[uuid.UUID]*semaphore.Weighted),
		queue:      make(chan scheduler.TaskRequest, queueCapacity),
		active:     make(map[uuid.UUID]*runningTask),
	}
}

// Submit implements the Accept protocol (spec §4.4 steps 1-2): reject under
// Backpressure if the queue is full, otherwise persist a Pending Task row
// and enqueue. It satisfies scheduler.Dispatcher.
func (d *Dispatcher) Submit(ctx context.Context, req scheduler.TaskRequest) error {
	select {
	case d.queue <- req:
	default:
		return coreerr.Backpressure("dispatcher.Submit", fmt.Errorf("queue at capacity (%d)", cap(d.queue)))
	}

	task := &store.Task{
		ID:               req.TaskID,
		ProjectID:        req.ProjectID,
		SpiderID:         req.SpiderID,
		ScheduleID:       req.ScheduleID,
		OwnerID:          req.OwnerID,
		SettingsOverride: req.SettingsOverride,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		// Drain the slot we just queued so the count stays accurate; the
		// task will never be picked up since it was never persisted.
		select {
		case <-d.queue:
		default:
		}
		return fmt.Errorf("dispatcher.Submit: %w", err)
	}
	return nil
}

// Run drives the worker pool until ctx is cancelled, then waits for
// in-flight runs to finish unwinding before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case req := <-d.queue:
			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.wg.Wait()
				return ctx.Err()
			}
			projSem := d.projectSemaphore(req.ProjectID)
			if projSem != nil {
				if err := projSem.Acquire(ctx, 1); err != nil {
					d.sem.Release(1)
					d.wg.Wait()
					return ctx.Err()
				}
			}
			d.wg.Add(1)
			go func(r scheduler.TaskRequest) {
				defer d.wg.Done()
				defer d.sem.Release(1)
				if projSem != nil {
					defer projSem.Release(1)
				}
				d.runTask(r)
			}(req)
		}
	}
}

func (d *Dispatcher) projectSemaphore(projectID uuid.UUID) *semaphore.Weighted {
	if d.cfg.PerProjectLimit <= 0 {
		return nil
	}
	d.projectMu.Lock()
	defer d.projectMu.Unlock()
	s, ok := d.projectSem[projectID]
	if !ok {
		s = semaphore.NewWeighted(int64(d.cfg.PerProjectLimit))
		d.projectSem[projectID] = s
	}
	return s
}

// Cancel requests early termination of a running task (SIGTERM, then
// SIGKILL after hard_kill_grace_period). It is a no-op if the task is not
// currently active.
func (d *Dispatcher) Cancel(taskID uuid.UUID) bool {
	d.mu.Lock()
	rt, ok := d.active[taskID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	rt.cancel()
	return true
}

// IsActive reports whether the Dispatcher currently has a live process for
// taskID — used by the Reconciler's stuck-detection check.
func (d *Dispatcher) IsActive(taskID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[taskID]
	return ok
}

// ActiveOutputPaths returns the output file path of every currently-running
// task, used by the Retention Manager to skip files under active tailing.
func (d *Dispatcher) ActiveOutputPaths() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, len(d.active))
	for _, rt := range d.active {
		out[rt.outputPath] = true
	}
	return out
}

func (d *Dispatcher) runTask(req scheduler.TaskRequest) {
	ctx := context.Background()

	spider, err := d.store.GetSpider(ctx, req.SpiderID)
	if err != nil {
		d.failBeforeStart(ctx, req, fmt.Errorf("resolve spider: %w", err))
		return
	}
	project, err := d.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		d.failBeforeStart(ctx, req, fmt.Errorf("resolve project: %w", err))
		return
	}

	outputPath := filepath.Join(project.Path, fmt.Sprintf("results_%s.jsonl", req.TaskID))
	if err := d.store.UpdateTaskOutputFile(ctx, req.TaskID, outputPath); err != nil {
		slog.Error("dispatcher: record output file failed", "task_id", req.TaskID, "error", err)
	}
	crawlStart := d.clock.Now()

	cmd := d.newCommand(context.Background(), spider, project)
	cmd.Dir = project.Path
	cmd.Env = append(os.Environ(),
		"TASK_ID="+req.TaskID.String(),
		"OUTPUT_FILE="+outputPath,
		"CRAWL_START="+crawlStart.Format(time.RFC3339),
	)
	if project.PersistResults {
		cmd.Env = append(cmd.Env, "DATABASE_URL="+os.Getenv("SCRAPY_UI_DB_URL"))
	}
	if pipelineJSON, err := pipelineConfigJSON(project, outputPath); err == nil {
		cmd.Env = append(cmd.Env, "PIPELINE_CONFIG="+pipelineJSON)
	}

	var stdoutSeen countingWriter
	stderrRing := newRingBuffer(ringSize(d.cfg.StderrRingBytes))
	cmd.Stdout = &stdoutSeen
	cmd.Stderr = stderrRing

	spawnTimeout := d.cfg.SpawnTimeout
	if spawnTimeout <= 0 {
		spawnTimeout = 10 * time.Second
	}

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- cmd.Start() }()
	select {
	case err := <-startErrCh:
		if err != nil {
			d.failBeforeStart(ctx, req, coreerr.SpawnError("dispatcher.runTask", err))
			return
		}
	case <-time.After(spawnTimeout):
		d.failBeforeStart(ctx, req, coreerr.SpawnError("dispatcher.runTask", fmt.Errorf("spawn did not complete within %s", spawnTimeout)))
		return
	}

	taskTimeout := d.cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = time.Hour
	}
	taskCtx, explicitCancel := context.WithCancel(context.Background())
	deadlineCtx, cancelDeadline := context.WithDeadline(taskCtx, d.clock.Now().Add(taskTimeout))
	defer cancelDeadline()
	defer explicitCancel()

	d.mu.Lock()
	d.active[req.TaskID] = &runningTask{
		cancel:     explicitCancel,
		projectID:  req.ProjectID,
		outputPath: outputPath,
		startedAt:  crawlStart,
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, req.TaskID)
		d.mu.Unlock()
	}()

	if err := d.store.MarkTaskRunning(ctx, req.TaskID, crawlStart); err != nil {
		slog.Error("dispatcher: mark running failed", "task_id", req.TaskID, "error", err)
	}
	d.bus.Publish(store.Event{TaskID: req.TaskID, Kind: store.EventTaskStarted, Instant: crawlStart})

	tailerCtx, tailerCancel := context.WithCancel(context.Background())
	tailer := d.newTailer(req.TaskID, outputPath)
	tailerDone := make(chan error, 1)
	go func() { tailerDone <- tailer.Run(tailerCtx) }()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	var cancelled, timedOut bool

	select {
	case waitErr = <-waitCh:
	case <-deadlineCtx.Done():
		if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
			timedOut = true
		} else {
			cancelled = true
		}
		hardKillGrace := d.cfg.HardKillGrace
		if hardKillGrace <= 0 {
			hardKillGrace = 10 * time.Second
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(hardKillGrace):
			_ = cmd.Process.Kill()
			waitErr = <-waitCh
		}
	}

	// Signal the Tailer to drain and stop; await completion (spec §4.4 step 8).
	tailerCancel()
	<-tailerDone
	errorCount := tailer.ParseErrorCount()

	finishedAt := d.clock.Now()
	itemsCount, err := d.store.CountResultsForTask(ctx, req.TaskID)
	if err != nil {
		slog.Error("dispatcher: count results failed", "task_id", req.TaskID, "error", err)
	}

	_, statErr := os.Stat(outputPath)
	fileExists := statErr == nil

	status, errMsg := classifyOutcome(classifyInput{
		cancelled:     cancelled,
		timedOut:      timedOut,
		waitErr:       waitErr,
		fileExists:    fileExists,
		stdoutWritten: stdoutSeen.wrote,
		stderrTail:    stderrRing.String(),
	})

	if status == store.TaskCancelled {
		if err := d.store.CancelTask(ctx, req.TaskID, finishedAt, itemsCount); err != nil {
			slog.Error("dispatcher: cancel task failed", "task_id", req.TaskID, "error", err)
		}
	} else if err := d.store.FinishTask(ctx, req.TaskID, status, finishedAt, itemsCount, 0, errorCount, errMsg); err != nil {
		slog.Error("dispatcher: finish task failed", "task_id", req.TaskID, "error", err)
	}

	kind := store.EventTaskFinished
	if status == store.TaskFailed {
		kind = store.EventTaskFailed
	}
	d.bus.Publish(store.Event{
		TaskID:  req.TaskID,
		Kind:    kind,
		Instant: finishedAt,
		Attributes: map[string]string{
			"items_count": fmt.Sprintf("%d", itemsCount),
			"status":      string(status),
		},
	})
}

// failBeforeStart persists a Failed task for requests that never made it to
// a running subprocess (resolve failure or spawn failure), so the timeline
// never loses a requested run (spec §4.4 tie-break).
func (d *Dispatcher) failBeforeStart(ctx context.Context, req scheduler.TaskRequest, cause error) {
	slog.Error("dispatcher: task failed before start", "task_id", req.TaskID, "error", cause)
	now := d.clock.Now()
	if err := d.store.FinishTask(ctx, req.TaskID, store.TaskFailed, now, 0, 0, 1, cause.Error()); err != nil {
		slog.Error("dispatcher: finish failed task failed", "task_id", req.TaskID, "error", err)
	}
	d.bus.Publish(store.Event{
		TaskID:     req.TaskID,
		Kind:       store.EventTaskFailed,
		Instant:    now,
		Attributes: map[string]string{"error": cause.Error()},
	})
}

type classifyInput struct {
	cancelled     bool
	timedOut      bool
	waitErr       error
	fileExists    bool
	stdoutWritten bool
	stderrTail    string
}

// classifyOutcome applies spec §4.2's terminal-state table plus §4.4's
// tie-break policies: the Dispatcher never trusts the exit code alone.
func classifyOutcome(in classifyInput) (store.TaskStatus, string) {
	if in.cancelled {
		return store.TaskCancelled, ""
	}
	if !in.fileExists && in.stdoutWritten {
		return store.TaskFailed, "subprocess wrote to stdout but never created the output file"
	}
	if in.timedOut {
		msg := "task_timeout exceeded"
		if in.stderrTail != "" {
			msg = msg + ": " + in.stderrTail
		}
		return store.TaskFailed, msg
	}
	if in.waitErr != nil {
		msg := in.waitErr.Error()
		if in.stderrTail != "" {
			msg = msg + ": " + in.stderrTail
		}
		return store.TaskFailed, msg
	}
	return store.TaskFinished, ""
}

// pipelineConfigJSON materialises the effective pipeline configuration for
// the subprocess (spec §6 "pipeline config contract"): file-only unless the
// Project opts into database persistence.
func pipelineConfigJSON(project *store.Project, outputPath string) (string, error) {
	cfg := struct {
		FileOutput  string `json:"file_output"`
		DatabasePipe bool  `json:"database_pipeline"`
	}{
		FileOutput:   outputPath,
		DatabasePipe: project.PersistResults,
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// countingWriter records only whether any bytes were ever written, which is
// all the Dispatcher's stdout tie-break policy needs.
type countingWriter struct {
	wrote bool
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.wrote = true
	}
	return len(p), nil
}

func ringSize(configured int) int {
	if configured <= 0 {
		return 16 * 1024
	}
	return configured
}

// ringBuffer keeps the last N bytes written to it, for surfacing a tail of
// stderr in a Task's error_message on failure.
type ringBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if over := r.buf.Len() - r.max; over > 0 {
		r.buf.Next(over)
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}
