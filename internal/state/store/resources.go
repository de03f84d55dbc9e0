package store

import (
	"context"
	"fmt"
	"time"

	"github.com/opentalon/toolbroker/internal/workflow"
)

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ResourceStore is the database-backed workflow.ResourceStore.
type ResourceStore struct {
	db *DB
}

func NewResourceStore(db *DB) *ResourceStore {
	return &ResourceStore{db: db}
}

// Track inserts r. Tracking the same id twice is an error.
func (s *ResourceStore) Track(ctx context.Context, r workflow.Resource) error {
	_, err := s.db.SQLDB().ExecContext(ctx, s.db.rebind(
		`INSERT INTO resources (id, kind, server, ref, run_id, workflow, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Kind, r.Server, r.Ref, r.RunID, r.Workflow, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("track resource %s: %w", r.Ref, err)
	}
	return nil
}

// List returns tracked resources oldest first.
func (s *ResourceStore) List(ctx context.Context) ([]workflow.Resource, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT id, kind, server, ref, run_id, workflow, created_at FROM resources ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []workflow.Resource
	for rows.Next() {
		var r workflow.Resource
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Kind, &r.Server, &r.Ref, &r.RunID, &r.Workflow, &createdAt); err != nil {
			return nil, fmt.Errorf("list resources: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Forget removes the resource with id. Unknown ids are ignored.
func (s *ResourceStore) Forget(ctx context.Context, id string) error {
	if _, err := s.db.SQLDB().ExecContext(ctx, s.db.rebind(`DELETE FROM resources WHERE id = ?`), id); err != nil {
		return fmt.Errorf("forget resource %s: %w", id, err)
	}
	return nil
}
