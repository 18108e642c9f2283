package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, project_id, spider_id, schedule_id, owner_id, status, started_at, finished_at,
	items_count, requests_count, error_count, error_message, settings_override, output_file`

func scanTask(row scannable) (*Task, error) {
	var t Task
	var overrideRaw []byte
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.SpiderID, &t.ScheduleID, &t.OwnerID, &t.Status,
		&t.StartedAt, &t.FinishedAt, &t.ItemsCount, &t.RequestsCount, &t.ErrorCount,
		&t.ErrorMessage, &overrideRaw, &t.OutputFile,
	); err != nil {
		return nil, err
	}
	if len(overrideRaw) > 0 {
		if err := json.Unmarshal(overrideRaw, &t.SettingsOverride); err != nil {
			return nil, fmt.Errorf("task settings_override decode: %w", err)
		}
	}
	return &t, nil
}

// CreateTask persists a new Task row in Pending status. This is the
// Dispatcher's accept-protocol step 2 (spec §4.4).
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = TaskPending
	overrideJSON, err := json.Marshal(t.SettingsOverride)
	if err != nil {
		return fmt.Errorf("task settings_override encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, project_id, spider_id, schedule_id, owner_id, status, output_file, settings_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.ProjectID, t.SpiderID, t.ScheduleID, t.OwnerID, t.Status, t.OutputFile, overrideJSON)
	return classify("store.CreateTask", err)
}

// GetTask returns a single task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, classify("store.GetTask", err)
	}
	return t, nil
}

// MarkTaskRunning transitions Pending → Running on successful subprocess
// spawn (spec §4.2). Only applies if the task is currently Pending.
func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`, TaskRunning, startedAt, id, TaskPending)
	if err != nil {
		return classify("store.MarkTaskRunning", err)
	}
	if tag.RowsAffected() == 0 {
		return classify("store.MarkTaskRunning", fmt.Errorf("task %s not in pending state", id))
	}
	return nil
}

// FinishTask transitions a task to a terminal state (Finished, Failed, or
// Cancelled) with final statistics. Terminal states are sticky: once a task
// is terminal this is a no-op (affected rows = 0), which callers should
// treat as success rather than error since the intent was already achieved.
func (s *Store) FinishTask(ctx context.Context, id uuid.UUID, status TaskStatus, finishedAt time.Time, itemsCount, requestsCount, errorCount int, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, finished_at = $2, items_count = $3, requests_count = $4,
		    error_count = $5, error_message = $6
		WHERE id = $7
		  AND status NOT IN ($8, $9, $10)
	`, status, finishedAt, itemsCount, requestsCount, errorCount, errorMessage, id,
		TaskFinished, TaskFailed, TaskCancelled)
	return classify("store.FinishTask", err)
}

// RepairTaskToFinished is the Reconciler's narrow repair path (spec §4.7):
// Failed → Finished, and ONLY in that direction, when underreported results
// are discovered. It refuses to touch any task not currently Failed.
func (s *Store) RepairTaskToFinished(ctx context.Context, id uuid.UUID, itemsCount int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, items_count = $2, error_message = ''
		WHERE id = $3 AND status = $4
	`, TaskFinished, itemsCount, id, TaskFailed)
	if err != nil {
		return false, classify("store.RepairTaskToFinished", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkTaskStuckFailed transitions a Running task with no heartbeat to
// Failed (spec §4.7 stuck detection).
func (s *Store) MarkTaskStuckFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, finished_at = $2, error_message = 'no heartbeat'
		WHERE id = $3 AND status = $4
	`, TaskFailed, finishedAt, id, TaskRunning)
	if err != nil {
		return false, classify("store.MarkTaskStuckFailed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateTaskOutputFile records the resolved output file path once the
// Dispatcher has computed it (project path is not known at Submit time).
func (s *Store) UpdateTaskOutputFile(ctx context.Context, id uuid.UUID, outputFile string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET output_file = $1 WHERE id = $2`, outputFile, id)
	return classify("store.UpdateTaskOutputFile", err)
}

// UpdateTaskItemsCount overwrites items_count, used both by the Tailer
// after each flush and by the Reconciler's count-drift repair.
func (s *Store) UpdateTaskItemsCount(ctx context.Context, id uuid.UUID, itemsCount int) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET items_count = $1 WHERE id = $2`, itemsCount, id)
	return classify("store.UpdateTaskItemsCount", err)
}

// CancelTask marks a Running task Cancelled; it is a no-op if the task has
// already reached a terminal state.
func (s *Store) CancelTask(ctx context.Context, id uuid.UUID, finishedAt time.Time, itemsCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, finished_at = $2, items_count = $3
		WHERE id = $4 AND status IN ($5, $6)
	`, TaskCancelled, finishedAt, itemsCount, id, TaskPending, TaskRunning)
	return classify("store.CancelTask", err)
}

// ListTasksInWindow returns tasks whose started_at falls within the
// Reconciler's sliding window, plus every task that has never started,
// whatever its age.
func (s *Store) ListTasksInWindow(ctx context.Context, since time.Time) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE started_at IS NULL OR started_at >= $1
		ORDER BY started_at NULLS LAST
	`, since)
	if err != nil {
		return nil, classify("store.ListTasksInWindow", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify("store.ListTasksInWindow", err)
		}
		out = append(out, *t)
	}
	return out, classify("store.ListTasksInWindow", rows.Err())
}

// ListTasksWithOutputFiles returns every task that has an output file on
// disk, regardless of status or age, for the Retention Manager's periodic
// sweep (spec §4.8) — which must consider finished tasks' files too, not
// just the recent window the Reconciler cares about.
func (s *Store) ListTasksWithOutputFiles(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE output_file <> ''
	`)
	if err != nil {
		return nil, classify("store.ListTasksWithOutputFiles", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify("store.ListTasksWithOutputFiles", err)
		}
		out = append(out, *t)
	}
	return out, classify("store.ListTasksWithOutputFiles", rows.Err())
}

// CountResultsForTask returns the authoritative Result-row count for a task,
// used by the Reconciler's count-drift repair and by FinishTask callers.
func (s *Store) CountResultsForTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM results WHERE task_id = $1`, taskID).Scan(&n)
	if err != nil {
		return 0, classify("store.CountResultsForTask", err)
	}
	return n, nil
}
