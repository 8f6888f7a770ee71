// Package coordinator orchestrates runs: trigger resolution,
// concurrency acquisition, matrix expansion, parallel instance
// dispatch, status aggregation and artifact handoff.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/lei/flowci/internal/artifact"
	"github.com/lei/flowci/internal/cierr"
	"github.com/lei/flowci/internal/concurrency"
	"github.com/lei/flowci/internal/executor"
	"github.com/lei/flowci/internal/matrix"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/runner"
	"github.com/lei/flowci/internal/store"
	"github.com/lei/flowci/internal/trigger"
	"github.com/lei/flowci/internal/workflow"
	"github.com/lei/flowci/pkg/logger"
)

// Limiter is an optional external capacity constraint on instance
// parallelism. Nil means unbounded.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Config wires the coordinator's collaborators
type Config struct {
	Log       *logger.Logger
	Runner    runner.CommandRunner
	Publisher artifact.Publisher
	Store     *store.Store
	Limiter   Limiter
}

// Coordinator owns workflow registration and run execution
type Coordinator struct {
	log       *logger.Logger
	governor  *concurrency.Governor
	runner    runner.CommandRunner
	publisher artifact.Publisher
	store     *store.Store
	limiter   Limiter

	// baseCtx bounds run lifetimes; runs must outlive the request
	// contexts that submit their events
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.RWMutex
	workflows []*registered
	runs      map[string]*runState

	wg sync.WaitGroup
}

type registered struct {
	def     *workflow.Definition
	matcher *trigger.Matcher
}

type runState struct {
	run       *models.Run
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func (s *runState) markCancelled() {
	s.cancelled.Store(true)
	s.cancel()
}

// New creates a coordinator
func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = &artifact.Memory{}
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:        log,
		governor:   concurrency.NewGovernor(),
		runner:     cfg.Runner,
		publisher:  pub,
		store:      cfg.Store,
		limiter:    cfg.Limiter,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Register adds a workflow definition. Trigger compilation errors are
// configuration errors surfaced here, before any run can start.
func (c *Coordinator) Register(def *workflow.Definition) error {
	m, err := trigger.Compile(def)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.workflows {
		if reg.def.Name == def.Name {
			return cierr.Configf("workflow %q already registered", def.Name)
		}
	}
	c.workflows = append(c.workflows, &registered{def: def, matcher: m})
	c.log.Info("workflow registered", "workflow", def.Name)
	return nil
}

// Workflows returns registered definitions in registration order
func (c *Coordinator) Workflows() []*workflow.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]*workflow.Definition, len(c.workflows))
	for i, reg := range c.workflows {
		defs[i] = reg.def
	}
	return defs
}

// OnEvent evaluates the event against every registered workflow and
// starts one run per match. Runs execute asynchronously, bounded by the
// coordinator's lifetime rather than the caller's context. A trigger
// mismatch is a no-op outcome, not an error.
func (c *Coordinator) OnEvent(ev models.Event) []*models.Run {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	c.mu.RLock()
	regs := append([]*registered(nil), c.workflows...)
	c.mu.RUnlock()

	var runs []*models.Run
	for _, reg := range regs {
		if !reg.matcher.Matches(ev) {
			c.log.Debug("trigger mismatch", "workflow", reg.def.Name, "kind", ev.Kind, "ref", ev.Ref)
			continue
		}
		runs = append(runs, c.startRun(reg, ev))
	}
	return runs
}

// startRun creates the run, takes its concurrency slot (cancelling the
// superseded run), and dispatches execution
func (c *Coordinator) startRun(reg *registered, ev models.Event) *models.Run {
	run := &models.Run{
		RunID:          uuid.NewString(),
		Workflow:       reg.def.Name,
		Event:          ev,
		ConcurrencyKey: reg.def.GroupKey(ev),
		Status:         models.StatusPending,
		CreatedAt:      time.Now(),
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	state := &runState{run: run, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.runs == nil {
		c.runs = make(map[string]*runState)
	}
	c.runs[run.RunID] = state
	c.mu.Unlock()

	if c.store != nil {
		c.store.PutLive(run)
	}

	if cc := reg.def.Concurrency; cc != nil && cc.CancelInProgress {
		decision := c.governor.Acquire(run.ConcurrencyKey, run.RunID, state.markCancelled)
		if decision.CancelledPrevious {
			c.log.Info("superseded previous run",
				"workflow", reg.def.Name,
				"group", run.ConcurrencyKey,
				"previous_run_id", decision.PreviousRunID,
				"run_id", run.RunID)
		}
	}

	c.log.Info("run started",
		"workflow", reg.def.Name,
		"run_id", run.RunID,
		"kind", ev.Kind,
		"ref", ev.Ref)

	c.wg.Add(1)
	go c.execute(runCtx, reg, state)
	return run
}

// execute drives a run to a terminal state
func (c *Coordinator) execute(ctx context.Context, reg *registered, state *runState) {
	defer c.wg.Done()
	run := state.run

	defer func() {
		if r := recover(); r != nil {
			err := cierr.Internalf("panic: %v", r)
			c.log.Error("run aborted by internal fault", "run_id", run.RunID, "error", err)
			run.Update(func() {
				run.Status = models.StatusErrored
				run.Error = err.Error()
				now := time.Now()
				run.FinishedAt = &now
			})
		}
		c.finish(reg, state)
	}()

	instances, err := c.expand(reg.def)
	if err != nil {
		c.log.Error("expansion failed", "run_id", run.RunID, "error", err)
		run.Update(func() {
			run.Status = models.StatusErrored
			run.Error = err.Error()
			now := time.Now()
			run.FinishedAt = &now
		})
		return
	}

	run.Update(func() {
		run.Instances = instances
		run.Status = models.StatusRunning
		now := time.Now()
		run.StartedAt = &now
	})

	exec := executor.New(c.runner, c.log.With("run_id", run.RunID), run.Update)

	// One goroutine per instance; instances are independent unless a
	// job's fail-fast policy cancels its siblings.
	var wg sync.WaitGroup
	byJob := groupByJob(instances)
	for jobName, insts := range byJob {
		job := reg.def.Jobs.Get(jobName)
		jobCtx, jobCancel := context.WithCancel(ctx)
		defer jobCancel()

		for _, inst := range insts {
			wg.Add(1)
			go func(inst *models.JobInstance) {
				defer wg.Done()
				c.runInstance(jobCtx, exec, run, job, inst, jobCancel)
			}(inst)
		}
	}
	wg.Wait()

	status := models.StatusSucceeded
	run.View(func() {
		for _, inst := range run.Instances {
			if inst.Status == models.StatusFailed || inst.Status == models.StatusErrored {
				status = models.StatusFailed
				break
			}
		}
	})
	if state.cancelled.Load() || ctx.Err() != nil {
		status = models.StatusCancelled
	}

	run.Update(func() {
		run.Status = status
		now := time.Now()
		run.FinishedAt = &now
	})
	c.log.Info("run finished", "run_id", run.RunID, "status", status)
}

func (c *Coordinator) expand(def *workflow.Definition) ([]*models.JobInstance, error) {
	var instances []*models.JobInstance
	for i := range def.Jobs {
		insts, err := matrix.Expand(&def.Jobs[i])
		if err != nil {
			return nil, err
		}
		instances = append(instances, insts...)
	}
	return instances, nil
}

func (c *Coordinator) runInstance(ctx context.Context, exec *executor.Executor, run *models.Run, job *workflow.Job, inst *models.JobInstance, failFastCancel context.CancelFunc) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			instCancelled(inst, exec)
			return
		}
		defer c.limiter.Release()
	}

	instCtx := ctx
	if job != nil && job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		instCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	status := exec.Execute(instCtx, inst)
	if status != models.StatusCancelled {
		c.publishInstance(run, inst)
	}
	if status == models.StatusFailed && job != nil && job.FailFast() {
		c.log.Info("fail-fast: cancelling sibling instances", "job", job.Name, "instance", inst.Name)
		failFastCancel()
	}
}

// instCancelled marks an instance that never got to run
func instCancelled(inst *models.JobInstance, exec *executor.Executor) {
	// Execute with an already-cancelled context records every step as
	// cancelled and the instance as cancelled.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	exec.Execute(cancelled, inst)
}

// publishInstance hands a finished instance's artifacts to the
// publisher as soon as that instance goes terminal, without waiting for
// sibling instances to join. Cancelled instances never publish.
// Publish failures are reported on the run but never change the
// producing instance's status; publication is best-effort even when the
// run context is gone.
func (c *Coordinator) publishInstance(run *models.Run, inst *models.JobInstance) {
	var toPublish []*models.Artifact
	run.View(func() {
		toPublish = append(toPublish, inst.Artifacts...)
	})
	if len(toPublish) == 0 {
		return
	}

	var errs error
	for _, a := range toPublish {
		if err := c.publisher.Publish(context.Background(), run.RunID, a); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: %v", cierr.ErrPublish, a.Name, err))
		}
	}
	if errs == nil {
		return
	}

	c.log.Warn("artifact publication failed", "run_id", run.RunID, "instance", inst.Name, "error", errs)
	run.Update(func() {
		for _, err := range multierr.Errors(errs) {
			run.PublishErrors = append(run.PublishErrors, err.Error())
		}
	})
}

// finish releases the concurrency slot, archives the run and signals
// waiters
func (c *Coordinator) finish(reg *registered, state *runState) {
	run := state.run
	if cc := reg.def.Concurrency; cc != nil && cc.CancelInProgress {
		c.governor.Release(run.ConcurrencyKey, run.RunID)
	}
	if c.store != nil {
		if err := c.store.Archive(run); err != nil {
			c.log.Error("archive run failed", "run_id", run.RunID, "error", err)
		}
	}

	c.mu.Lock()
	delete(c.runs, run.RunID)
	c.mu.Unlock()
	close(state.done)
}

// Cancel cancels a live run. Cancellation is cooperative; the currently
// running step of each instance is allowed to finish.
func (c *Coordinator) Cancel(runID string) error {
	c.mu.RLock()
	state, ok := c.runs[runID]
	c.mu.RUnlock()
	if !ok {
		return cierr.ErrRunNotFound
	}
	state.markCancelled()
	return nil
}

// Wait blocks until the run reaches a terminal state. Unknown run IDs
// return immediately: the run already finished.
func (c *Coordinator) Wait(runID string) {
	c.mu.RLock()
	state, ok := c.runs[runID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	<-state.done
}

// Drain waits for all in-flight runs to finish
func (c *Coordinator) Drain() {
	c.wg.Wait()
}

// Shutdown cancels all in-flight runs and waits for them to settle
func (c *Coordinator) Shutdown() {
	c.baseCancel()
	c.wg.Wait()
}

func groupByJob(instances []*models.JobInstance) map[string][]*models.JobInstance {
	byJob := make(map[string][]*models.JobInstance)
	for _, inst := range instances {
		byJob[inst.Job] = append(byJob[inst.Job], inst)
	}
	return byJob
}
