package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

func scanResult(row scannable) (*Result, error) {
	var r Result
	var payloadRaw []byte
	if err := row.Scan(&r.ID, &r.TaskID, &payloadRaw, &r.URL, &r.CrawlStartAt, &r.ItemAcquiredAt, &r.Fingerprint); err != nil {
		return nil, err
	}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &r.Payload); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

const resultColumns = `id, task_id, payload, url, crawl_start_at, item_acquired_at, fingerprint`

// InsertResultBatch writes a batch of Results inside one transaction, one
// INSERT per row. Storage-side uniqueness is deliberately not enforced
// (spec §3: dedup is the Tailer's responsibility; duplicates across tasks
// are expected) — this is a plain batched insert, not an upsert.
func (s *Store) InsertResultBatch(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("store.InsertResultBatch", err)
	}
	defer tx.Rollback(ctx)

	for i := range results {
		r := &results[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		payloadJSON, err := json.Marshal(r.Payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO results (id, task_id, payload, url, crawl_start_at, item_acquired_at, fingerprint)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.ID, r.TaskID, payloadJSON, r.URL, r.CrawlStartAt, r.ItemAcquiredAt, r.Fingerprint)
		if err != nil {
			return classify("store.InsertResultBatch", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("store.InsertResultBatch", err)
	}
	return nil
}

// ListFingerprintsForTask returns every fingerprint already stored for a
// task. Used by the Tailer on cold start to repopulate its in-memory dedup
// set (spec §4.5 crash recovery).
func (s *Store) ListFingerprintsForTask(ctx context.Context, taskID uuid.UUID) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT fingerprint FROM results WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, classify("store.ListFingerprintsForTask", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, classify("store.ListFingerprintsForTask", err)
		}
		set[fp] = true
	}
	return set, classify("store.ListFingerprintsForTask", rows.Err())
}

// ListResultsForTask returns every result for a task, ordered by result id.
// Ids are random UUIDs, so this order does not follow insertion order.
func (s *Store) ListResultsForTask(ctx context.Context, taskID uuid.UUID) ([]Result, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+resultColumns+` FROM results WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, classify("store.ListResultsForTask", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, classify("store.ListResultsForTask", err)
		}
		out = append(out, *r)
	}
	return out, classify("store.ListResultsForTask", rows.Err())
}

// DuplicateFingerprintGroups returns, for a task, every fingerprint that has
// more than one row and the ids of all but the row with the lowest id — the
// Reconciler's duplicate-sentinel repair target set. Ids are random UUIDs and
// results carry no insertion timestamp, so the row kept is not necessarily
// the oldest.
func (s *Store) DuplicateFingerprintGroups(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM (
			SELECT id, row_number() OVER (PARTITION BY fingerprint ORDER BY id) AS rn
			FROM results WHERE task_id = $1
		) ranked WHERE rn > 1
	`, taskID)
	if err != nil {
		return nil, classify("store.DuplicateFingerprintGroups", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, classify("store.DuplicateFingerprintGroups", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("store.DuplicateFingerprintGroups", rows.Err())
}

// DeleteResults removes the given result rows, used by the Reconciler's
// duplicate-sentinel repair.
func (s *Store) DeleteResults(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM results WHERE id = ANY($1)`, ids)
	return classify("store.DeleteResults", err)
}
