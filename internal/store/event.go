package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// AppendEvent writes an Event to the append-only log table. This is
// separate from the Bus: the log table is the durable audit/replay trail,
// while the Bus is the live pub/sub fan-out. The Reconciler records its
// repair events in both; other components publish only to the Bus.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	attrsJSON, err := json.Marshal(ev.Attributes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, task_id, kind, instant, attributes)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), ev.TaskID, ev.Kind, ev.Instant, attrsJSON)
	return classify("store.AppendEvent", err)
}

// ListEventsForTask returns the durable event log for one task, ordered by
// event instant. The control-surface API does not call it.
func (s *Store) ListEventsForTask(ctx context.Context, taskID uuid.UUID) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, kind, instant, attributes FROM events
		WHERE task_id = $1 ORDER BY instant
	`, taskID)
	if err != nil {
		return nil, classify("store.ListEventsForTask", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var attrsRaw []byte
		if err := rows.Scan(&ev.TaskID, &ev.Kind, &ev.Instant, &attrsRaw); err != nil {
			return nil, classify("store.ListEventsForTask", err)
		}
		if len(attrsRaw) > 0 {
			if err := json.Unmarshal(attrsRaw, &ev.Attributes); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, classify("store.ListEventsForTask", rows.Err())
}
