// Package workflow runs ordered multi-step tool workflows: provisioning a
// test environment, deploying an application and tearing resources down.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentalon/toolbroker/internal/actor"
	"github.com/opentalon/toolbroker/internal/toolclient"
)

const tracerName = "github.com/opentalon/toolbroker/internal/workflow"

// Orchestrator runs workflows through a Caller. Runs execute their steps
// strictly in order; separate runs may proceed concurrently.
type Orchestrator struct {
	caller    Caller
	resources ResourceStore
	runs      RunStore
	observer  RunObserver
	tracer    trace.Tracer
	logger    *slog.Logger
	settings  Settings
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithResourceStore(s ResourceStore) Option {
	return func(o *Orchestrator) { o.resources = s }
}

func WithRunStore(s RunStore) Option {
	return func(o *Orchestrator) { o.runs = s }
}

func WithObserver(obs RunObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithSettings(s Settings) Option {
	return func(o *Orchestrator) { o.settings = s.withDefaults() }
}

// New creates an Orchestrator. Without stores, resources and runs are kept
// in memory.
func New(caller Caller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		caller:   caller,
		settings: Settings{}.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resources == nil {
		o.resources = NewMemoryResourceStore()
	}
	if o.runs == nil {
		o.runs = NewMemoryRunStore()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "workflow")
	return o
}

// Resources returns the resources currently tracked for cleanup.
func (o *Orchestrator) Resources(ctx context.Context) ([]Resource, error) {
	return o.resources.List(ctx)
}

// Runs returns up to limit recorded runs, newest first.
func (o *Orchestrator) Runs(ctx context.Context, limit int) ([]Run, error) {
	return o.runs.RecentRuns(ctx, limit)
}

// Run executes steps in order and stops at the first failure. The returned
// Result is never nil.
func (o *Orchestrator) Run(ctx context.Context, name string, steps []Step) *Result {
	res := o.start(ctx, name)
	ctx, span := o.tracer.Start(ctx, "workflow "+name, trace.WithAttributes(
		attribute.String("workflow.name", name),
		attribute.String("workflow.run_id", res.RunID),
		attribute.Int("workflow.steps", len(steps)),
	))
	defer span.End()
	started := o.now()

	results := make(Results, len(steps))
	for _, step := range steps {
		outcome, err := o.runStep(ctx, res, step, results)
		if err != nil {
			res.Status = StatusPartialFailure
			res.Err = &PartialFailure{Workflow: name, Step: step.Name, Completed: len(res.Steps), Err: err}
			res.Errors = []error{err}
			break
		}
		results[step.Name] = outcome.Result
		res.Steps = append(res.Steps, outcome)
	}

	o.finish(ctx, span, res, started)
	return res
}

func (o *Orchestrator) start(ctx context.Context, name string) *Result {
	res := &Result{
		RunID:    uuid.NewString(),
		Workflow: name,
		Status:   StatusSuccess,
		Steps:    []StepOutcome{},
	}
	o.logger.Info("workflow started", "workflow", name, "run_id", res.RunID, "actor", actor.Actor(ctx))
	return res
}

func (o *Orchestrator) runStep(ctx context.Context, res *Result, step Step, results Results) (StepOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "step "+step.Name, trace.WithAttributes(
		attribute.String("workflow.step", step.Name),
		attribute.String("tool.server", step.Server),
		attribute.String("tool.name", step.Tool),
	))
	defer span.End()

	outcome := StepOutcome{Name: step.Name, Server: step.Server, Tool: step.Tool}
	started := o.now()
	result, err := o.invoke(ctx, step, results)
	outcome.Duration = o.now().Sub(started)

	if o.observer != nil {
		o.observer.StepFinished(res.Workflow, step.Name, err == nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("step failed", "workflow", res.Workflow, "run_id", res.RunID, "step", step.Name, "error", err)
		return outcome, err
	}
	span.SetStatus(codes.Ok, "")

	outcome.Result = result
	outcome.Value = result.Value
	if step.Creates != "" {
		o.track(ctx, res, step, result)
	}
	o.logger.Debug("step completed", "workflow", res.Workflow, "run_id", res.RunID, "step", step.Name, "elapsed", outcome.Duration)
	return outcome, nil
}

func (o *Orchestrator) invoke(ctx context.Context, step Step, results Results) (*toolclient.ToolResult, error) {
	var args map[string]any
	if step.Args != nil {
		var err error
		if args, err = step.Args(results); err != nil {
			return nil, fmt.Errorf("build arguments: %w", err)
		}
	}
	result, err := o.caller.CallTool(ctx, step.Server, step.Tool, args)
	if err != nil {
		return nil, err
	}
	if step.Check != nil {
		if err := step.Check(result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// track records the resource a step created. A result without an id is
// logged: the resource then has to be removed by hand.
func (o *Orchestrator) track(ctx context.Context, res *Result, step Step, result *toolclient.ToolResult) {
	ref, ok := resultID(result)
	if !ok {
		o.logger.Warn("step created a resource without reporting its id", "workflow", res.Workflow, "step", step.Name)
		return
	}
	r := Resource{
		ID:        uuid.NewString(),
		Kind:      step.Creates,
		Server:    step.Server,
		Ref:       ref,
		RunID:     res.RunID,
		Workflow:  res.Workflow,
		CreatedAt: o.now(),
	}
	if err := o.resources.Track(ctx, r); err != nil {
		o.logger.Error("tracking resource failed", "workflow", res.Workflow, "ref", ref, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, res *Result, started time.Time) {
	finished := o.now()
	elapsed := finished.Sub(started)

	span.SetAttributes(attribute.String("workflow.status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if o.observer != nil {
		o.observer.WorkflowFinished(res.Workflow, res.Status, elapsed)
	}

	run := Run{
		ID:         res.RunID,
		Workflow:   res.Workflow,
		Status:     res.Status,
		Steps:      make([]string, 0, len(res.Steps)),
		Actor:      actor.Actor(ctx),
		StartedAt:  started,
		FinishedAt: finished,
	}
	for _, s := range res.Steps {
		run.Steps = append(run.Steps, s.Name)
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	// Recording is best-effort and outlives a cancelled request.
	if err := o.runs.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error("recording run failed", "workflow", res.Workflow, "run_id", res.RunID, "error", err)
	}

	o.logger.Info("workflow finished", "workflow", res.Workflow, "run_id", res.RunID, "status", res.Status, "steps", len(res.Steps), "elapsed", elapsed)
}

// cleanup removes every tracked resource, continuing past failures.
func (o *Orchestrator) cleanup(ctx context.Context, name string) *Result {
	res := o.start(ctx, name)
	ctx, span := o.tracer.Start(ctx, "workflow "+name, trace.WithAttributes(
		attribute.String("workflow.name", name),
		attribute.String("workflow.run_id", res.RunID),
	))
	defer span.End()
	started := o.now()

	resources, err := o.resources.List(ctx)
	if err != nil {
		res.Status = StatusPartialFailure
		res.Err = fmt.Errorf("list tracked resources: %w", err)
		res.Errors = []error{res.Err}
		o.finish(ctx, span, res, started)
		return res
	}
	span.SetAttributes(attribute.Int("workflow.steps", len(resources)))

	for _, r := range resources {
		step, err := o.removalStep(r)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		outcome, err := o.runStep(ctx, res, step, nil)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("remove %s %s: %w", r.Kind, r.Ref, err))
			continue
		}
		res.Steps = append(res.Steps, outcome)
		if err := o.resources.Forget(ctx, r.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("forget %s %s: %w", r.Kind, r.Ref, err))
		}
	}
	if len(res.Errors) > 0 {
		res.Status = StatusPartialFailure
		res.Err = errors.Join(res.Errors...)
	}

	o.finish(ctx, span, res, started)
	return res
}

func (o *Orchestrator) removalStep(r Resource) (Step, error) {
	if r.Kind != KindContainer {
		return Step{}, fmt.Errorf("remove %s %s: no removal tool for this kind", r.Kind, r.Ref)
	}
	return Step{
		Name:   "remove " + r.Ref,
		Server: r.Server,
		Tool:   "remove_container",
		Args: func(Results) (map[string]any, error) {
			return map[string]any{"id": r.Ref, "force": true}, nil
		},
	}, nil
}
