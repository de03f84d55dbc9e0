// Package janitor removes tracked workflow resources on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opentalon/toolbroker/internal/actor"
	"github.com/opentalon/toolbroker/internal/workflow"
)

// Cleaner runs the cleanup workflow.
type Cleaner interface {
	CleanupEnvironment(ctx context.Context) *workflow.Result
}

// Actor is the requester recorded on scheduled runs.
const Actor = "janitor"

var parser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule accepts five-field cron expressions and descriptors such as
// "@hourly" or "@every 30m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	s, err := parser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return s, nil
}

// Janitor runs Cleaner on a schedule. Overlapping runs are skipped.
type Janitor struct {
	cleaner Cleaner
	cron    *cron.Cron
	entry   cron.EntryID
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last *workflow.Result
	runs int
}

func New(cleaner Cleaner, schedule string, logger *slog.Logger) (*Janitor, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		cleaner: cleaner,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With("component", "janitor"),
		ctx:     ctx,
		cancel:  cancel,
	}
	j.entry = j.cron.Schedule(sched, cron.FuncJob(func() { j.RunOnce(j.ctx) }))
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started", "next", j.Next())
}

// Stop halts the schedule, cancels a run in progress and waits for it.
func (j *Janitor) Stop() {
	done := j.cron.Stop()
	j.cancel()
	<-done.Done()
}

// Next is the time of the next scheduled run, zero before Start.
func (j *Janitor) Next() time.Time {
	return j.cron.Entry(j.entry).Next
}

// RunOnce runs the cleanup now.
func (j *Janitor) RunOnce(ctx context.Context) *workflow.Result {
	if actor.Actor(ctx) == "" {
		ctx = actor.WithActor(ctx, Actor)
	}
	res := j.cleaner.CleanupEnvironment(ctx)

	j.mu.Lock()
	j.last = res
	j.runs++
	j.mu.Unlock()

	if res.OK() {
		j.logger.Info("cleanup finished", "removed", len(res.Steps))
	} else {
		j.logger.Warn("cleanup incomplete", "removed", len(res.Steps), "errors", len(res.Errors), "error", res.Err)
	}
	return res
}

// Last returns the most recent result and the number of runs so far.
func (j *Janitor) Last() (*workflow.Result, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, j.runs
}
