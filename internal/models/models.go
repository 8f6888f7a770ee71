package models

import (
	"strings"
	"sync"
	"time"
)

// EventKind identifies the class of incoming event
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventSchedule    EventKind = "schedule"
)

// Event is one activation request delivered by the hosting platform
type Event struct {
	Kind       EventKind `json:"kind"`
	Repository string    `json:"repository"`
	Ref        string    `json:"ref"`                // full ref, e.g. "refs/heads/main"
	HeadRef    string    `json:"head_ref,omitempty"` // PR source branch, empty for non-PR events
	Timestamp  time.Time `json:"timestamp"`
}

// Branch returns the short branch name for the event's ref
func (e Event) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// RunStatus represents the state of a run or job instance
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusErrored   RunStatus = "errored"
)

// Terminal reports whether the status is a final state
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusErrored:
		return true
	}
	return false
}

// StepStatus represents the state of a single step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Condition is the run-condition policy of a step
type Condition string

const (
	// ConditionAlways runs the step unless the instance was cancelled.
	// This is the engine default.
	ConditionAlways Condition = "always-if-not-cancelled"
	// ConditionPriorSuccess runs the step only if no prior step failed
	ConditionPriorSuccess Condition = "only-if-prior-success"
	// ConditionCustom defers to the step's Predicate
	ConditionCustom Condition = "custom"
)

// StepState is the view of instance progress a custom predicate sees.
// Predicates are never consulted once the instance is cancelled:
// cancellation short-circuits every remaining step.
type StepState struct {
	PriorFailed bool
}

// Step is one concrete, fully-bound step of a job instance.
// It is created at expansion time and executed at most once.
type Step struct {
	Name            string            `json:"name"`
	Run             string            `json:"run,omitempty"`
	Uses            string            `json:"uses,omitempty"`
	With            map[string]string `json:"with,omitempty"`
	Shell           string            `json:"shell,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Condition       Condition         `json:"condition"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`

	// Predicate backs ConditionCustom; only settable programmatically
	Predicate func(StepState) bool `json:"-"`

	Status StepStatus  `json:"status"`
	Result *StepResult `json:"result,omitempty"`
}

// StepResult is the recorded outcome of an executed step
type StepResult struct {
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Error      string    `json:"error,omitempty"` // infrastructure error, distinct from a non-zero exit
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// JobInstance is one concrete unit of sequential steps produced by
// matrix expansion, or exactly one per job when no matrix is declared
type JobInstance struct {
	InstanceID string            `json:"instance_id"`
	Job        string            `json:"job"`  // template job name
	Name       string            `json:"name"` // display name including binding values
	RunsOn     string            `json:"runs_on"`
	Bindings   map[string]string `json:"bindings,omitempty"`
	Steps      []*Step           `json:"steps"`
	Status     RunStatus         `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Artifacts  []*Artifact       `json:"artifacts,omitempty"`
}

// Artifact is a named byte payload produced by a job instance
type Artifact struct {
	Name          string `json:"name"`
	Payload       []byte `json:"-"`
	Size          int    `json:"size"`
	RetentionDays int    `json:"retention_days,omitempty"`
	ProducedBy    string `json:"produced_by"` // instance id
}

// Run is one activation of a workflow for one event
type Run struct {
	RunID          string         `json:"run_id"`
	Workflow       string         `json:"workflow"`
	Event          Event          `json:"event"`
	ConcurrencyKey string         `json:"concurrency_key,omitempty"`
	Status         RunStatus      `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Instances      []*JobInstance `json:"instances"`
	Error          string         `json:"error,omitempty"`          // internal scheduling fault, if any
	PublishErrors  []string       `json:"publish_errors,omitempty"` // artifact publication failures

	mu sync.RWMutex
}

// Update runs f while holding the run's write lock. All mutations after
// a run becomes visible to readers must go through Update.
func (r *Run) Update(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f()
}

// View runs f while holding the run's read lock
func (r *Run) View(f func()) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f()
}

// Snapshot returns a deep copy safe to serialize without holding the lock
func (r *Run) Snapshot() *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := &Run{
		RunID:          r.RunID,
		Workflow:       r.Workflow,
		Event:          r.Event,
		ConcurrencyKey: r.ConcurrencyKey,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		StartedAt:      copyTime(r.StartedAt),
		FinishedAt:     copyTime(r.FinishedAt),
		Error:          r.Error,
		PublishErrors:  append([]string(nil), r.PublishErrors...),
	}
	cp.Instances = make([]*JobInstance, len(r.Instances))
	for i, inst := range r.Instances {
		cp.Instances[i] = inst.copy()
	}
	return cp
}

func (j *JobInstance) copy() *JobInstance {
	cp := &JobInstance{
		InstanceID: j.InstanceID,
		Job:        j.Job,
		Name:       j.Name,
		RunsOn:     j.RunsOn,
		Status:     j.Status,
		StartedAt:  copyTime(j.StartedAt),
		FinishedAt: copyTime(j.FinishedAt),
	}
	if j.Bindings != nil {
		cp.Bindings = make(map[string]string, len(j.Bindings))
		for k, v := range j.Bindings {
			cp.Bindings[k] = v
		}
	}
	cp.Steps = make([]*Step, len(j.Steps))
	for i, s := range j.Steps {
		sc := *s
		if s.Result != nil {
			rc := *s.Result
			sc.Result = &rc
		}
		cp.Steps[i] = &sc
	}
	cp.Artifacts = append([]*Artifact(nil), j.Artifacts...)
	return cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
