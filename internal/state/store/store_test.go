package store

import (
	"context"
	"testing"
	"time"

	"github.com/opentalon/toolbroker/internal/toolclient"
	"github.com/opentalon/toolbroker/internal/workflow"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAndMigrations(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db, err := Open(ctx, Options{Driver: DriverSQLite, DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var v int
	if err := db.SQLDB().QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if v != 1 {
		t.Errorf("schema_version = %d, want 1", v)
	}
	_ = db.Close()

	// Re-open: idempotent
	db2, err := Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	defer db2.Close()
	var rows int
	if err := db2.SQLDB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
		t.Fatalf("count schema_version: %v", err)
	}
	if rows != 1 {
		t.Errorf("schema_version rows = %d, want 1", rows)
	}
}

func TestOpenRejectsBadOptions(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		opts Options
	}{
		{"sqlite without dir", Options{Driver: DriverSQLite}},
		{"postgres without dsn", Options{Driver: DriverPostgres}},
		{"unknown driver", Options{Driver: "mysql", DataDir: t.TempDir()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if db, err := Open(ctx, tc.opts); err == nil {
				_ = db.Close()
				t.Fatal("expected error")
			}
		})
	}
}

func TestRebindDollar(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SELECT 1", "SELECT 1"},
		{"DELETE FROM resources WHERE id = ?", "DELETE FROM resources WHERE id = $1"},
		{"VALUES (?, ?, ?)", "VALUES ($1, $2, $3)"},
	}
	for _, tc := range cases {
		if got := rebindDollar(tc.in); got != tc.want {
			t.Errorf("rebindDollar(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResourceStoreTrackListForget(t *testing.T) {
	s := NewResourceStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, ref := range []string{"c1", "c2", "c3"} {
		r := workflow.Resource{
			ID:        "r" + ref,
			Kind:      workflow.KindContainer,
			Server:    "docker_mcp",
			Ref:       ref,
			RunID:     "run-1",
			Workflow:  workflow.SetupTestEnvironment,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.Track(ctx, r); err != nil {
			t.Fatalf("Track %s: %v", ref, err)
		}
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, ref := range []string{"c1", "c2", "c3"} {
		if got[i].Ref != ref {
			t.Errorf("got[%d].Ref = %q, want %q", i, got[i].Ref, ref)
		}
	}
	if !got[1].CreatedAt.Equal(base.Add(time.Millisecond)) {
		t.Errorf("CreatedAt = %v", got[1].CreatedAt)
	}
	if got[0].Kind != workflow.KindContainer || got[0].Server != "docker_mcp" || got[0].RunID != "run-1" {
		t.Errorf("unexpected resource %+v", got[0])
	}

	if err := s.Forget(ctx, "rc2"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := s.Forget(ctx, "missing"); err != nil {
		t.Fatalf("Forget unknown: %v", err)
	}
	got, _ = s.List(ctx)
	if len(got) != 2 || got[0].Ref != "c1" || got[1].Ref != "c3" {
		t.Errorf("after Forget = %+v", got)
	}

	if err := s.Track(ctx, workflow.Resource{ID: "rc1", Kind: workflow.KindContainer, Ref: "c1", CreatedAt: base}); err == nil {
		t.Error("duplicate Track should fail")
	}
}

func TestRunStoreRecentRuns(t *testing.T) {
	s := NewRunStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		run := workflow.Run{
			ID:         id,
			Workflow:   workflow.DeployApplication,
			Status:     workflow.StatusSuccess,
			Steps:      []string{"deploy", "verify"},
			Actor:      "alice",
			StartedAt:  base.Add(time.Duration(i) * time.Second),
			FinishedAt: base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
		}
		if id == "c" {
			run.Status = workflow.StatusPartialFailure
			run.Error = "verify: container is exited"
			run.Steps = nil
		}
		if err := s.RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun %s: %v", id, err)
		}
	}

	runs, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("RecentRuns(2) = %+v", runs)
	}
	if runs[0].Status != workflow.StatusPartialFailure || runs[0].Error == "" {
		t.Errorf("run c = %+v", runs[0])
	}
	if len(runs[0].Steps) != 0 {
		t.Errorf("run c steps = %v, want empty", runs[0].Steps)
	}
	if len(runs[1].Steps) != 2 || runs[1].Steps[1] != "verify" || runs[1].Actor != "alice" {
		t.Errorf("run b = %+v", runs[1])
	}
	if got := runs[1].FinishedAt.Sub(runs[1].StartedAt); got != 500*time.Millisecond {
		t.Errorf("duration = %v", got)
	}

	none, err := s.RecentRuns(ctx, 0)
	if err != nil || len(none) != 0 {
		t.Errorf("RecentRuns(0) = %v, %v", none, err)
	}
}

func TestOrchestratorWithDatabaseStores(t *testing.T) {
	db := openTestDB(t)
	resources := NewResourceStore(db)
	runs := NewRunStore(db)
	ctx := context.Background()

	o := workflow.New(stubCaller{}, workflow.WithResourceStore(resources), workflow.WithRunStore(runs))
	res := o.SetupTestEnvironment(ctx)
	if !res.OK() {
		t.Fatalf("setup: %v", res.Err)
	}
	tracked, err := resources.List(ctx)
	if err != nil || len(tracked) != 2 {
		t.Fatalf("tracked = %v, %v", tracked, err)
	}

	res = o.CleanupEnvironment(ctx)
	if !res.OK() {
		t.Fatalf("cleanup: %v", res.Err)
	}
	tracked, _ = resources.List(ctx)
	if len(tracked) != 0 {
		t.Errorf("tracked after cleanup = %v", tracked)
	}
	recent, _ := runs.RecentRuns(ctx, 10)
	if len(recent) != 2 {
		t.Errorf("recorded runs = %d, want 2", len(recent))
	}
}

type stubCaller struct{}

func (stubCaller) CallTool(_ context.Context, _, tool string, args map[string]any) (*toolclient.ToolResult, error) {
	switch tool {
	case "create_container":
		return &toolclient.ToolResult{Value: map[string]any{"id": "id-" + args["name"].(string)}}, nil
	default:
		return &toolclient.ToolResult{Value: map[string]any{}}, nil
	}
}
