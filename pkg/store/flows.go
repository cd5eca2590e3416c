package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
)

// FlowRow is the persisted wire form of a flow definition; pkg/flowcat
// owns parsing definition_json into its typed node graph.
type FlowRow struct {
	ID             string
	Name           string
	Version        int
	IsPublished    bool
	DefinitionJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *Store) SaveFlow(f *FlowRow) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO flow_definitions(id, name, version, is_published, definition_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, version = excluded.version,
			is_published = excluded.is_published, definition_json = excluded.definition_json, updated_at = excluded.updated_at`,
		f.ID, f.Name, f.Version, f.IsPublished, f.DefinitionJSON, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "save flow", err)
	}
	return nil
}

func (s *Store) GetFlow(id string) (*FlowRow, error) {
	var f FlowRow
	row := s.db.QueryRow(`SELECT id, name, version, is_published, definition_json, created_at, updated_at
		FROM flow_definitions WHERE id = ?`, id)
	if err := row.Scan(&f.ID, &f.Name, &f.Version, &f.IsPublished, &f.DefinitionJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("flow %q not found", id))
		}
		return nil, errs.Wrap(errs.KindInternal, "get flow", err)
	}
	return &f, nil
}

func (s *Store) ListPublishedFlows() ([]*FlowRow, error) {
	rows, err := s.db.Query(`SELECT id, name, version, is_published, definition_json, created_at, updated_at
		FROM flow_definitions WHERE is_published = 1`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list published flows", err)
	}
	defer rows.Close()

	var out []*FlowRow
	for rows.Next() {
		var f FlowRow
		if err := rows.Scan(&f.ID, &f.Name, &f.Version, &f.IsPublished, &f.DefinitionJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan flow", err)
		}
		out = append(out, &f)
	}
	return out, nil
}
