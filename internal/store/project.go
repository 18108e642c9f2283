package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// scannable matches both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanProject(row scannable) (*Project, error) {
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.OwnerID, &p.PersistResults, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const projectColumns = `id, name, path, owner_id, persist_results, created_at, updated_at`

// CreateProject inserts a new project. ID is generated if left as uuid.Nil.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, path, owner_id, persist_results)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, p.ID, p.Name, p.Path, p.OwnerID, p.PersistResults).Scan(&p.CreatedAt, &p.UpdatedAt)
	return classify("store.CreateProject", err)
}

// GetProject returns a single project by id.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, classify("store.GetProject", err)
	}
	return p, nil
}

// DeleteProject removes a project. The caller (external API, out of scope
// here) is responsible for enforcing the "no active schedules, no running
// tasks" lifecycle invariant before calling this.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return classify("store.DeleteProject", err)
	}
	if tag.RowsAffected() == 0 {
		return classify("store.DeleteProject", fmt.Errorf("project not found: %s", id))
	}
	return nil
}
