package broker

import (
	"errors"

	"github.com/opentalon/toolbroker/internal/intent"
	"github.com/opentalon/toolbroker/internal/workflow"
)

// Response is the uniform result of every broker operation. It marshals as
// {"success": bool, ...details, "error": "..."}; error is omitted on success.
type Response struct {
	Success bool `json:"success"`

	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Result any    `json:"result,omitempty"`

	Intent  *intent.Intent `json:"intent,omitempty"`
	Message string         `json:"message,omitempty"`
	Calls   []CallResult   `json:"calls,omitempty"`

	Tools map[string][]ToolInfo `json:"tools,omitempty"`
	Stale []string              `json:"stale,omitempty"`

	Workflow *WorkflowReport `json:"workflow,omitempty"`

	Error string `json:"error,omitempty"`
}

// CallResult is one tool call made on behalf of an intent.
type CallResult struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type WorkflowReport struct {
	RunID  string          `json:"run_id"`
	Name   string          `json:"name"`
	Status workflow.Status `json:"status"`
	Steps  []StepReport    `json:"steps"`
	// FailedStep names the step that stopped the run.
	FailedStep string   `json:"failed_step,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

type StepReport struct {
	Name       string `json:"name"`
	Server     string `json:"server"`
	Tool       string `json:"tool"`
	Result     any    `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func workflowResponse(res *workflow.Result) Response {
	report := &WorkflowReport{
		RunID:  res.RunID,
		Name:   res.Workflow,
		Status: res.Status,
		Steps:  make([]StepReport, 0, len(res.Steps)),
	}
	for _, s := range res.Steps {
		report.Steps = append(report.Steps, StepReport{
			Name:       s.Name,
			Server:     s.Server,
			Tool:       s.Tool,
			Result:     s.Value,
			DurationMS: s.Duration.Milliseconds(),
		})
	}
	for _, err := range res.Errors {
		report.Errors = append(report.Errors, err.Error())
	}
	resp := Response{Success: res.OK(), Workflow: report}
	if res.Err != nil {
		resp.Error = res.Err.Error()
		var pf *workflow.PartialFailure
		if errors.As(res.Err, &pf) {
			report.FailedStep = pf.Step
		}
	}
	return resp
}
