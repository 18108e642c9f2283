// Package retention implements the Retention Manager from spec §4.8: a
// periodic sweep that trims over-grown task output files down to their most
// recent crawl sessions, keeps a timestamped backup of the untrimmed file, and
// expires old backups. It is grounded on this codebase's lineage's
// standalone JSONL housekeeping tool, generalized from a one-off CLI into a
// sweep the core runs on its own schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/folio-org/folio-core/internal/clock"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/retention/jsonl"
	"github.com/folio-org/folio-core/internal/store"
)

// Store is the subset of internal/store the Retention Manager needs.
type Store interface {
	ListTasksWithOutputFiles(ctx context.Context) ([]store.Task, error)
}

// ActiveChecker reports which output paths the Dispatcher currently has a
// live Tailer on, so the sweep never touches a file mid-write.
type ActiveChecker interface {
	ActiveOutputPaths() map[string]bool
}

// Archiver optionally mirrors a backup to cold storage. internal/retention
// /archive.Client satisfies this.
type Archiver interface {
	Configured() bool
	StoreBackup(ctx context.Context, taskID uuid.UUID, backupInstant time.Time, contents []byte) error
}

const backupPrefix = ".backup_"

// Manager runs the trimming sweep on a cron schedule, or on a fixed
// interval when the schedule does not parse.
type Manager struct {
	store    Store
	active   ActiveChecker
	archiver Archiver
	clock    clock.Clock
	cfg      config.RetentionConfig
}

// New constructs a Manager. archiver may be nil to skip cold-storage mirroring.
func New(st Store, active ActiveChecker, archiver Archiver, clk clock.Clock, cfg config.RetentionConfig) *Manager {
	return &Manager{store: st, active: active, archiver: archiver, clock: clk, cfg: cfg}
}

// Run sweeps on cfg.Schedule (a standard 5-field cron expression, parsed by
// robfig/cron's standard parser) until ctx is cancelled. A Schedule that
// fails to parse falls back to the fixed cfg.Interval.
func (m *Manager) Run(ctx context.Context) error {
	schedule, err := parseSchedule(m.cfg.Schedule)
	if err != nil {
		slog.Warn("retention: invalid schedule, falling back to fixed interval", "schedule", m.cfg.Schedule, "error", err)
	}
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	for {
		if err := m.SweepOnce(ctx); err != nil {
			slog.Error("retention: sweep failed", "error", err)
		}
		now := m.clock.Now()
		next := now.Add(interval)
		if schedule != nil {
			next = schedule.Next(now)
		}
		if err := m.clock.SleepUntil(ctx, next); err != nil {
			return err
		}
	}
}

func parseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	return cron.ParseStandard(expr)
}

// SweepOnce runs one full pass: trim over-grown files, then expire stale
// backups. It is exported so a one-shot CLI invocation can drive it.
func (m *Manager) SweepOnce(ctx context.Context) error {
	tasks, err := m.store.ListTasksWithOutputFiles(ctx)
	if err != nil {
		return fmt.Errorf("retention.SweepOnce: list tasks: %w", err)
	}

	active := map[string]bool{}
	if m.active != nil {
		active = m.active.ActiveOutputPaths()
	}

	for _, task := range tasks {
		if task.OutputFile == "" || active[task.OutputFile] {
			continue
		}
		if err := m.trimIfOverLimit(ctx, task); err != nil {
			slog.Error("retention: trim failed", "task_id", task.ID, "path", task.OutputFile, "error", err)
		}
		if err := m.expireBackups(ctx, task.ID, task.OutputFile); err != nil {
			slog.Error("retention: backup expiry failed", "task_id", task.ID, "path", task.OutputFile, "error", err)
		}
	}
	return nil
}

// trimIfOverLimit implements spec §4.8's core rule: once a file exceeds
// max_jsonl_lines, back it up in full, then rewrite it with only the most
// recent keep_sessions sessions.
func (m *Manager) trimIfOverLimit(ctx context.Context, task store.Task) error {
	maxLines := m.cfg.MaxJSONLLines
	if maxLines <= 0 {
		maxLines = 500
	}

	lines, err := jsonl.ReadLines(task.OutputFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lines: %w", err)
	}
	if len(lines) <= maxLines {
		return nil
	}

	raw, err := os.ReadFile(task.OutputFile)
	if err != nil {
		return fmt.Errorf("read original for backup: %w", err)
	}
	backupInstant := m.clock.Now().UTC()
	backupPath := task.OutputFile + backupPrefix + backupInstant.Format(time.RFC3339)
	if err := os.WriteFile(backupPath, raw, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	if m.archiver != nil && m.archiver.Configured() {
		if err := m.archiver.StoreBackup(ctx, task.ID, backupInstant, raw); err != nil {
			slog.Error("retention: cold-storage mirror failed", "task_id", task.ID, "error", err)
		}
	}

	keepSessions := m.cfg.KeepSessions
	if keepSessions <= 0 {
		keepSessions = 1
	}
	sessions := jsonl.Split(lines)
	kept := jsonl.KeepMostRecent(sessions, keepSessions)

	tmpPath := task.OutputFile + ".tmp"
	if err := writeLines(tmpPath, kept); err != nil {
		return fmt.Errorf("write trimmed temp file: %w", err)
	}
	if err := os.Rename(tmpPath, task.OutputFile); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	slog.Info("retention: trimmed output file", "task_id", task.ID, "path", task.OutputFile,
		"lines_before", len(lines), "lines_after", len(kept), "backup", backupPath)
	return nil
}

// expireBackups deletes `.backup_<iso-instant>` siblings of path older than
// max_backup_age (spec §4.8, default 30 days).
func (m *Manager) expireBackups(ctx context.Context, taskID uuid.UUID, path string) error {
	maxAge := m.cfg.MaxBackupAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	now := m.clock.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		idx := strings.Index(name, backupPrefix)
		if idx < 0 || name[:idx] != base {
			continue
		}
		instantStr := name[idx+len(backupPrefix):]
		instant, err := time.Parse(time.RFC3339, instantStr)
		if err != nil {
			continue
		}
		if now.Sub(instant) <= maxAge {
			continue
		}
		full := filepath.Join(dir, name)
		if err := os.Remove(full); err != nil {
			slog.Error("retention: backup expiry delete failed", "path", full, "error", err)
			continue
		}
		slog.Info("retention: expired backup", "task_id", taskID, "path", full, "age", now.Sub(instant))
	}
	return nil
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line); err != nil {
			return err
		}
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}
