package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opentalon/toolbroker/internal/workflow"
)

// RunStore is the database-backed workflow.RunStore.
type RunStore struct {
	db *DB
}

func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) RecordRun(ctx context.Context, run workflow.Run) error {
	steps := run.Steps
	if steps == nil {
		steps = []string{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	_, err = s.db.SQLDB().ExecContext(ctx, s.db.rebind(
		`INSERT INTO workflow_runs (id, workflow, status, steps, error, actor, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Workflow, string(run.Status), string(stepsJSON), run.Error, run.Actor,
		formatTime(run.StartedAt), formatTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, most recently started first.
func (s *RunStore) RecentRuns(ctx context.Context, limit int) ([]workflow.Run, error) {
	if limit <= 0 {
		return []workflow.Run{}, nil
	}
	rows, err := s.db.SQLDB().QueryContext(ctx, s.db.rebind(
		`SELECT id, workflow, status, steps, error, actor, started_at, finished_at FROM workflow_runs ORDER BY started_at DESC, id DESC LIMIT ?`),
		limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []workflow.Run{}
	for rows.Next() {
		var run workflow.Run
		var status, stepsJSON, startedAt, finishedAt string
		if err := rows.Scan(&run.ID, &run.Workflow, &status, &stepsJSON, &run.Error, &run.Actor, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("recent runs: %w", err)
		}
		run.Status = workflow.Status(status)
		_ = json.Unmarshal([]byte(stepsJSON), &run.Steps)
		run.StartedAt = parseTime(startedAt)
		run.FinishedAt = parseTime(finishedAt)
		out = append(out, run)
	}
	return out, rows.Err()
}
