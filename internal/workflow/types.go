package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opentalon/toolbroker/internal/toolclient"
)

type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
)

// Step is one tool invocation in a workflow. Args builds the call arguments
// from the results of the steps that already completed.
type Step struct {
	Name   string
	Server string
	Tool   string
	Args   func(Results) (map[string]any, error)

	// Creates names the kind of resource the step provisions. The resource
	// id is read from the step's result and tracked for cleanup.
	Creates string
	// Check, if set, validates a successful result. A non-nil error fails
	// the step.
	Check func(*toolclient.ToolResult) error
}

// Results holds the results of completed steps keyed by step name.
type Results map[string]*toolclient.ToolResult

// ID extracts the identifier a step's result reports.
func (r Results) ID(step string) (string, error) {
	res, ok := r[step]
	if !ok || res == nil {
		return "", fmt.Errorf("no result for step %q", step)
	}
	id, ok := resultID(res)
	if !ok {
		return "", fmt.Errorf("step %q result has no id", step)
	}
	return id, nil
}

// StepOutcome is the record of one completed or attempted step.
type StepOutcome struct {
	Name     string                 `json:"name"`
	Server   string                 `json:"server"`
	Tool     string                 `json:"tool"`
	Result   *toolclient.ToolResult `json:"-"`
	Value    any                    `json:"value,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Result is the outcome of a workflow run. For a stopped run, Steps holds
// only the steps that completed and Err is a *PartialFailure.
type Result struct {
	RunID    string        `json:"run_id"`
	Workflow string        `json:"workflow"`
	Status   Status        `json:"status"`
	Steps    []StepOutcome `json:"steps"`
	Err      error         `json:"-"`
	// Errors lists every failure of a best-effort run, one per step.
	Errors []error `json:"-"`
}

// OK reports whether the run succeeded.
func (r *Result) OK() bool { return r.Status == StatusSuccess }

// Results returns the completed step results keyed by step name.
func (r *Result) Results() Results {
	out := make(Results, len(r.Steps))
	for _, s := range r.Steps {
		if s.Result != nil {
			out[s.Name] = s.Result
		}
	}
	return out
}

// PartialFailure reports a workflow that stopped at a failing step. Side
// effects of the steps that completed are left in place.
type PartialFailure struct {
	Workflow  string
	Step      string
	Completed int
	Err       error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("workflow %s stopped at step %q after %d completed step(s): %v", e.Workflow, e.Step, e.Completed, e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// ErrInvalidSpec is returned for a DeploySpec that cannot be deployed.
var ErrInvalidSpec = errors.New("invalid deploy spec")

// Resource is a side effect left by a completed step that cleanup removes.
type Resource struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Server    string    `json:"server"`
	Ref       string    `json:"ref"`
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	CreatedAt time.Time `json:"created_at"`
}

const KindContainer = "container"

// ResourceStore is the ledger of resources awaiting cleanup.
type ResourceStore interface {
	Track(ctx context.Context, r Resource) error
	List(ctx context.Context) ([]Resource, error)
	Forget(ctx context.Context, id string) error
}

// Run is the persisted summary of one workflow run.
type Run struct {
	ID         string
	Workflow   string
	Status     Status
	Steps      []string
	Error      string
	Actor      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunStore records workflow runs.
type RunStore interface {
	RecordRun(ctx context.Context, run Run) error
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
}

// Caller invokes a tool on a named server. *toolclient.Client satisfies it.
type Caller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*toolclient.ToolResult, error)
}

// RunObserver receives workflow events, typically for metrics.
type RunObserver interface {
	WorkflowFinished(workflow string, status Status, elapsed time.Duration)
	StepFinished(workflow, step string, ok bool)
}

var idFields = []string{"id", "container_id", "containerId", "ID"}

// resultID finds the identifier in a tool result: an id field of an object
// value, a bare string value, or the text of a non-JSON reply.
func resultID(res *toolclient.ToolResult) (string, bool) {
	switch v := res.Value.(type) {
	case string:
		return v, v != ""
	case map[string]any:
		for _, f := range idFields {
			switch id := v[f].(type) {
			case string:
				if id != "" {
					return id, true
				}
			case json.Number:
				return id.String(), true
			}
		}
		if s, ok := v["result"].(string); ok && len(v) == 1 {
			s = strings.TrimSpace(s)
			return s, s != ""
		}
	}
	return "", false
}
