package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const spiderColumns = `id, project_id, name, source, settings, framework`

func scanSpider(row scannable) (*Spider, error) {
	var sp Spider
	var settingsRaw []byte
	if err := row.Scan(&sp.ID, &sp.ProjectID, &sp.Name, &sp.Source, &settingsRaw, &sp.Framework); err != nil {
		return nil, err
	}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &sp.Settings); err != nil {
			return nil, fmt.Errorf("spider settings decode: %w", err)
		}
	}
	return &sp, nil
}

// CreateSpider inserts a new spider.
func (s *Store) CreateSpider(ctx context.Context, sp *Spider) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	settingsJSON, err := json.Marshal(sp.Settings)
	if err != nil {
		return fmt.Errorf("spider settings encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO spiders (id, project_id, name, source, settings, framework)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sp.ID, sp.ProjectID, sp.Name, sp.Source, settingsJSON, sp.Framework)
	return classify("store.CreateSpider", err)
}

// GetSpider returns a single spider by id.
func (s *Store) GetSpider(ctx context.Context, id uuid.UUID) (*Spider, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+spiderColumns+` FROM spiders WHERE id = $1`, id)
	sp, err := scanSpider(row)
	if err != nil {
		return nil, classify("store.GetSpider", err)
	}
	return sp, nil
}

// ListSpidersByProject lists every spider belonging to a project.
func (s *Store) ListSpidersByProject(ctx context.Context, projectID uuid.UUID) ([]Spider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+spiderColumns+` FROM spiders WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, classify("store.ListSpidersByProject", err)
	}
	defer rows.Close()

	var out []Spider
	for rows.Next() {
		sp, err := scanSpider(rows)
		if err != nil {
			return nil, classify("store.ListSpidersByProject", err)
		}
		out = append(out, *sp)
	}
	return out, classify("store.ListSpidersByProject", rows.Err())
}
