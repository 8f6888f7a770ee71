package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/lei/flowci/internal/cierr"
	"github.com/lei/flowci/internal/coordinator"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/store"
	"github.com/lei/flowci/internal/workflow"
	"github.com/lei/flowci/pkg/logger"
)

var (
	// ErrRunNotFound indicates the requested run doesn't exist
	ErrRunNotFound = cierr.ErrRunNotFound
	// ErrWorkflowNotFound indicates the requested workflow isn't registered
	ErrWorkflowNotFound = cierr.ErrWorkflowNotFound
	// ErrInvalidEvent indicates a malformed ingestion request
	ErrInvalidEvent = errors.New("invalid event")
)

// defaultStreamInterval is how often a live event stream re-snapshots
// its run
const defaultStreamInterval = 500 * time.Millisecond

// Service coordinates business logic between the API and engine layers
type Service struct {
	coord          *coordinator.Coordinator
	store          *store.Store
	logger         *logger.Logger
	streamInterval time.Duration
}

// NewService creates a new service instance
func NewService(coord *coordinator.Coordinator, st *store.Store, log *logger.Logger) *Service {
	return &Service{coord: coord, store: st, logger: log, streamInterval: defaultStreamInterval}
}

// getLogger retrieves the request-scoped logger from context or falls
// back to the service logger
func (s *Service) getLogger(ctx context.Context) *logger.Logger {
	if ctxLogger := logger.FromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return s.logger
}

// SubmitEvent validates and ingests one event. A trigger mismatch is a
// successful no-op: no runs are returned.
func (s *Service) SubmitEvent(ctx context.Context, ev models.Event) ([]*models.Run, error) {
	log := s.getLogger(ctx)

	switch ev.Kind {
	case models.EventPush, models.EventPullRequest, models.EventSchedule:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	if ev.Repository == "" {
		return nil, fmt.Errorf("%w: repository is required", ErrInvalidEvent)
	}
	if ev.Ref == "" && ev.Kind != models.EventSchedule {
		return nil, fmt.Errorf("%w: ref is required", ErrInvalidEvent)
	}

	runs := s.coord.OnEvent(ev)
	if len(runs) == 0 {
		log.Debug("service: event matched no workflow", "kind", ev.Kind, "ref", ev.Ref)
		return nil, nil
	}

	snaps := make([]*models.Run, len(runs))
	for i, run := range runs {
		snaps[i] = run.Snapshot()
	}
	log.Info("service: event accepted", "kind", ev.Kind, "runs", len(snaps))
	return snaps, nil
}

// ListWorkflows returns registered workflow definitions
func (s *Service) ListWorkflows(ctx context.Context) []*workflow.Definition {
	return s.coord.Workflows()
}

// WorkflowYAML re-serializes a registered workflow definition
func (s *Service) WorkflowYAML(ctx context.Context, name string) ([]byte, error) {
	for _, def := range s.coord.Workflows() {
		if def.Name == name {
			return def.Marshal()
		}
	}
	return nil, ErrWorkflowNotFound
}

// ListRuns returns snapshots of all known runs, newest first
func (s *Service) ListRuns(ctx context.Context) ([]*models.Run, error) {
	runs, err := s.store.List()
	if err != nil {
		s.getLogger(ctx).Error("service: list runs failed", "error", err)
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun retrieves a run snapshot by id
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.store.Get(runID)
	if err != nil {
		if errors.Is(err, cierr.ErrRunNotFound) {
			return nil, ErrRunNotFound
		}
		s.getLogger(ctx).Error("service: get run failed", "run_id", runID, "error", err)
		return nil, err
	}
	return run, nil
}

// GetInstance retrieves one job instance of a run
func (s *Service) GetInstance(ctx context.Context, runID, instanceID string) (*models.JobInstance, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, inst := range run.Instances {
		if inst.InstanceID == instanceID {
			return inst, nil
		}
	}
	return nil, cierr.ErrInstanceNotFound
}

// StepLogs retrieves one step of an instance, including captured output
func (s *Service) StepLogs(ctx context.Context, runID, instanceID string, index int) (*models.Step, error) {
	inst, err := s.GetInstance(ctx, runID, instanceID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(inst.Steps) {
		return nil, cierr.ErrStepNotFound
	}
	return inst.Steps[index], nil
}

// streamEvent is one status-transition payload on the SSE stream
type streamEvent struct {
	Scope      string `json:"scope"` // "run", "instance" or "step"
	RunID      string `json:"run_id"`
	InstanceID string `json:"instance_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status"`
}

func writeSSE(w io.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// StreamRunEvents streams run, instance and step status transitions as
// server-sent events until the run reaches a terminal state. A run that
// is already terminal (archived) produces its final statuses in a
// single batch. A gone client ends the stream without error.
func (s *Service) StreamRunEvents(ctx context.Context, runID string, w io.Writer) error {
	log := s.getLogger(ctx)
	log.Info("service: starting event stream", "run_id", runID)

	seen := make(map[string]string)
	emit := func(snap *models.Run) error {
		changed := false
		push := func(key string, ev streamEvent) error {
			if seen[key] == ev.Status {
				return nil
			}
			seen[key] = ev.Status
			changed = true
			return writeSSE(w, "status", ev)
		}

		if err := push("run", streamEvent{
			Scope:  "run",
			RunID:  snap.RunID,
			Name:   snap.Workflow,
			Status: string(snap.Status),
		}); err != nil {
			return err
		}
		for _, inst := range snap.Instances {
			if err := push("instance:"+inst.InstanceID, streamEvent{
				Scope:      "instance",
				RunID:      snap.RunID,
				InstanceID: inst.InstanceID,
				Name:       inst.Name,
				Status:     string(inst.Status),
			}); err != nil {
				return err
			}
			for i, step := range inst.Steps {
				if err := push(fmt.Sprintf("step:%s:%d", inst.InstanceID, i), streamEvent{
					Scope:      "step",
					RunID:      snap.RunID,
					InstanceID: inst.InstanceID,
					Name:       step.Name,
					Status:     string(step.Status),
				}); err != nil {
					return err
				}
			}
		}

		if changed {
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		return nil
	}

	snap, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := emit(snap); err != nil {
		return err
	}

	for !snap.Status.Terminal() {
		select {
		case <-ctx.Done():
			log.Debug("service: event stream client gone", "run_id", runID)
			return nil
		case <-time.After(s.streamInterval):
		}
		if snap, err = s.GetRun(ctx, runID); err != nil {
			return err
		}
		if err := emit(snap); err != nil {
			return err
		}
	}

	if err := writeSSE(w, "done", streamEvent{
		Scope:  "run",
		RunID:  snap.RunID,
		Name:   snap.Workflow,
		Status: string(snap.Status),
	}); err != nil {
		return err
	}
	log.Info("service: event stream completed", "run_id", runID)
	return nil
}

// CancelRun cancels a live run
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	log := s.getLogger(ctx)

	if err := s.coord.Cancel(runID); err != nil {
		if errors.Is(err, cierr.ErrRunNotFound) {
			// Distinguish "never existed" from "already finished"
			if _, getErr := s.store.Get(runID); getErr == nil {
				return fmt.Errorf("run %s already finished", runID)
			}
			return ErrRunNotFound
		}
		return err
	}

	log.Info("service: run cancellation requested", "run_id", runID)
	return nil
}

// HealthCheck reports engine health for the health endpoint
func (s *Service) HealthCheck(ctx context.Context) map[string]interface{} {
	health := map[string]interface{}{
		"status":  "healthy",
		"service": "flowci-engine",
		"checks": map[string]interface{}{
			"workflows": map[string]interface{}{
				"status": "healthy",
				"count":  len(s.coord.Workflows()),
			},
		},
	}
	return health
}
