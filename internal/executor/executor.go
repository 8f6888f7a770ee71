// Package executor runs a job instance's steps strictly in declared
// order on one logical worker. Cancellation is cooperative: it is
// checked at step boundaries only, and a running step is allowed to
// finish unless the external runner honors context interruption.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/runner"
	"github.com/lei/flowci/pkg/logger"
)

// Executor executes job instances through an external command runner
type Executor struct {
	runner runner.CommandRunner
	log    *logger.Logger

	// sync serializes mutations of the instance so concurrent readers
	// (the reporting API) see consistent state
	sync func(func())
}

// New creates an executor. sync may be nil when no reader observes the
// instance while it runs.
func New(r runner.CommandRunner, log *logger.Logger, sync func(func())) *Executor {
	if sync == nil {
		sync = func(f func()) { f() }
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{runner: r, log: log, sync: sync}
}

// Execute runs the instance to a terminal state and returns its status.
// Step output is always captured to the step record, even on failure.
func (e *Executor) Execute(ctx context.Context, inst *models.JobInstance) models.RunStatus {
	log := e.log.With("instance", inst.Name)

	e.sync(func() {
		now := time.Now()
		inst.Status = models.StatusRunning
		inst.StartedAt = &now
	})

	failed := false
	cancelled := false

	for _, step := range inst.Steps {
		if ctx.Err() != nil {
			cancelled = true
		}
		if cancelled {
			e.sync(func() { step.Status = models.StepCancelled })
			continue
		}
		if !e.shouldRun(step, failed) {
			log.Debug("step skipped by condition", "step", step.Name)
			e.sync(func() { step.Status = models.StepSkipped })
			continue
		}

		outcome := e.runStep(ctx, inst, step)
		switch outcome {
		case models.StepCancelled:
			cancelled = true
		case models.StepFailed:
			if !step.ContinueOnError {
				failed = true
			}
		}
	}

	status := models.StatusSucceeded
	if failed {
		status = models.StatusFailed
	}
	if cancelled {
		status = models.StatusCancelled
	}

	e.sync(func() {
		now := time.Now()
		inst.Status = status
		inst.FinishedAt = &now
	})
	log.Info("instance finished", "status", status)
	return status
}

func (e *Executor) shouldRun(step *models.Step, priorFailed bool) bool {
	switch step.Condition {
	case models.ConditionPriorSuccess:
		return !priorFailed
	case models.ConditionCustom:
		if step.Predicate != nil {
			return step.Predicate(models.StepState{PriorFailed: priorFailed})
		}
		return !priorFailed
	default:
		// always-if-not-cancelled: cancellation was checked at the
		// step boundary above
		return true
	}
}

// runStep invokes the external runner for one step and records the
// terminal step status
func (e *Executor) runStep(ctx context.Context, inst *models.JobInstance, step *models.Step) models.StepStatus {
	log := e.log.With("instance", inst.Name, "step", step.Name)

	e.sync(func() { step.Status = models.StepRunning })

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	result := &models.StepResult{StartedAt: time.Now()}
	res, err := e.runner.Run(stepCtx, runner.Command{
		Script: step.Run,
		Uses:   step.Uses,
		With:   step.With,
		Shell:  step.Shell,
		Env:    step.Env,
	})
	result.FinishedAt = time.Now()

	var status models.StepStatus
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		result.Error = err.Error()
		status = models.StepCancelled
		log.Info("step cancelled")

	case err != nil && errors.Is(err, context.DeadlineExceeded):
		result.ExitCode = -1
		result.Error = "step timed out: " + err.Error()
		status = models.StepFailed
		log.Warn("step timed out", "timeout", step.Timeout)

	case err != nil:
		// infrastructure fault in the external runner
		result.ExitCode = -1
		result.Error = err.Error()
		status = models.StepFailed
		log.Error("step runner error", "error", err)

	default:
		result.ExitCode = res.ExitCode
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
		if res.ExitCode == 0 {
			status = models.StepSucceeded
		} else {
			status = models.StepFailed
			log.Info("step failed", "exit_code", res.ExitCode)
		}
		if len(res.Artifacts) > 0 {
			e.sync(func() {
				for _, a := range res.Artifacts {
					a.ProducedBy = inst.InstanceID
					a.Size = len(a.Payload)
					inst.Artifacts = append(inst.Artifacts, a)
				}
			})
		}
	}

	e.sync(func() {
		step.Result = result
		step.Status = status
	})
	return status
}
