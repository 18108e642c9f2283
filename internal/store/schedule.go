package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const scheduleColumns = `id, project_id, spider_id, owner_id, name, cron_expression, active, last_run, next_run`

func scanSchedule(row scannable) (*Schedule, error) {
	var sch Schedule
	if err := row.Scan(
		&sch.ID, &sch.ProjectID, &sch.SpiderID, &sch.OwnerID, &sch.Name,
		&sch.CronExpression, &sch.Active, &sch.LastRun, &sch.NextRun,
	); err != nil {
		return nil, err
	}
	return &sch, nil
}

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sch *Schedule) error {
	if sch.ID == uuid.Nil {
		sch.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, project_id, spider_id, owner_id, name, cron_expression, active, last_run, next_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sch.ID, sch.ProjectID, sch.SpiderID, sch.OwnerID, sch.Name, sch.CronExpression, sch.Active, sch.LastRun, sch.NextRun)
	return classify("store.CreateSchedule", err)
}

// ListActiveSchedules returns every schedule with active = true. Called by
// the Scheduler's refresh() on its sync interval.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE active = true`)
	if err != nil {
		return nil, classify("store.ListActiveSchedules", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, classify("store.ListActiveSchedules", err)
		}
		out = append(out, *sch)
	}
	return out, classify("store.ListActiveSchedules", rows.Err())
}

// HasRecentTaskForSchedule implements the Scheduler's conflict gate (spec
// §4.3 step 1): true if any task for this schedule is Pending or Running
// and either started within the conflict window or has not started yet.
func (s *Store) HasRecentTaskForSchedule(ctx context.Context, scheduleID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM tasks
			WHERE schedule_id = $1
			  AND status IN ('pending', 'running')
			  AND (started_at IS NULL OR started_at >= $2)
		)
	`, scheduleID, since).Scan(&exists)
	if err != nil {
		return false, classify("store.HasRecentTaskForSchedule", err)
	}
	return exists, nil
}

// ReserveScheduleFiring is the Scheduler's atomic "reserve" step (spec §4.3
// step 2): it updates last_run/next_run only if the row's current last_run
// still matches expectedLastRun, which is the compare-and-set serialisation
// point across concurrent Scheduler instances. Returns false if the row was
// already claimed by another instance (affected-row count zero).
func (s *Store) ReserveScheduleFiring(ctx context.Context, scheduleID uuid.UUID, expectedLastRun *time.Time, newLastRun, newNextRun time.Time) (bool, error) {
	var tag interface {
		RowsAffected() int64
	}
	var err error
	if expectedLastRun == nil {
		t, execErr := s.pool.Exec(ctx, `
			UPDATE schedules SET last_run = $1, next_run = $2
			WHERE id = $3 AND last_run IS NULL
		`, newLastRun, newNextRun, scheduleID)
		tag, err = t, execErr
	} else {
		t, execErr := s.pool.Exec(ctx, `
			UPDATE schedules SET last_run = $1, next_run = $2
			WHERE id = $3 AND last_run = $4
		`, newLastRun, newNextRun, scheduleID, *expectedLastRun)
		tag, err = t, execErr
	}
	if err != nil {
		return false, classify("store.ReserveScheduleFiring", err)
	}
	return tag.RowsAffected() > 0, nil
}
