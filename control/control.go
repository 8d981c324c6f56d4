// Package control is the operator boundary: create, inspect, pause,
// resume, cancel and retry workflows. Callers see snapshots, never the
// stored workflow.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/workflow"
)

// CreateRequest describes a new workflow.
type CreateRequest struct {
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Requirements string            `json:"requirements,omitempty"`
	Priority     envelope.Priority `json:"priority,omitempty"`
}

// CreateResponse is returned by Create and Retry.
type CreateResponse struct {
	WorkflowID   string          `json:"workflow_id"`
	Status       workflow.Status `json:"status"`
	CurrentStage string          `json:"current_stage"`
}

// Snapshot is the externally visible state of a workflow.
type Snapshot struct {
	WorkflowID         string          `json:"workflow_id"`
	Type               string          `json:"type"`
	Name               string          `json:"name"`
	Status             workflow.Status `json:"status"`
	CurrentStage       string          `json:"current_stage"`
	ProgressPercentage int             `json:"progress_percentage"`
	ErrorCode          string          `json:"error_code,omitempty"`
	RetryOf            string          `json:"retry_of,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewSnapshot returns the snapshot of wf.
func NewSnapshot(wf *workflow.Workflow) Snapshot {
	return Snapshot{
		WorkflowID:         wf.ID,
		Type:               wf.Type,
		Name:               wf.Name,
		Status:             wf.Status,
		CurrentStage:       wf.CurrentStage,
		ProgressPercentage: wf.ProgressPercentage,
		ErrorCode:          wf.ErrorCode,
		RetryOf:            wf.RetryOf,
		UpdatedAt:          wf.UpdatedAt,
	}
}

// Service implements the control operations over an Engine.
type Service struct {
	engine *workflow.Engine
	store  workflow.Store
	events workflow.EventLog
	logger *slog.Logger
}

// New creates a Service. events may be nil, in which case Events fails.
func New(engine *workflow.Engine, store workflow.Store, events workflow.EventLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine: engine,
		store:  store,
		events: events,
		logger: logger.With("component", "control"),
	}
}

func validPriority(p envelope.Priority) bool {
	switch p {
	case envelope.PriorityLow, envelope.PriorityMedium, envelope.PriorityHigh, envelope.PriorityCritical:
		return true
	}
	return false
}

// Create stores a workflow and starts it. Its first stage is dispatched
// before Create returns.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errs.NewValidationError("name", "required")
	}
	if req.Priority == "" {
		req.Priority = envelope.PriorityMedium
	}
	if !validPriority(req.Priority) {
		return nil, errs.NewValidationError("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}
	if _, err := s.engine.Definitions().Lookup(req.Type); err != nil {
		return nil, &errs.ValidationError{Field: "type", Reason: "unknown workflow type " + req.Type, Err: err}
	}

	return s.start(ctx, &workflow.Workflow{
		Type:         req.Type,
		Name:         req.Name,
		Description:  req.Description,
		Requirements: req.Requirements,
		Priority:     req.Priority,
	})
}

func (s *Service) start(ctx context.Context, wf *workflow.Workflow) (*CreateResponse, error) {
	created, err := s.engine.Create(ctx, wf)
	if err != nil {
		return nil, err
	}
	started, err := s.engine.Apply(ctx, created.ID, workflow.Start())
	if err != nil {
		return nil, fmt.Errorf("start workflow %s: %w", created.ID, err)
	}
	return &CreateResponse{
		WorkflowID:   started.ID,
		Status:       started.Status,
		CurrentStage: started.CurrentStage,
	}, nil
}

// Get returns the snapshot of workflow id.
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	wf, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot(wf)
	return &snap, nil
}

// List returns snapshots of workflows in any of statuses, or all of them.
func (s *Service) List(ctx context.Context, statuses ...workflow.Status) ([]Snapshot, error) {
	wfs, err := s.store.ListWorkflows(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(wfs))
	for _, wf := range wfs {
		snaps = append(snaps, NewSnapshot(wf))
	}
	return snaps, nil
}

// Cancel stops workflow id. Results that arrive later have no effect.
func (s *Service) Cancel(ctx context.Context, id string) (*Snapshot, error) {
	return s.command(ctx, id, workflow.Cancel())
}

// Pause stops dispatching for workflow id. A task already in flight still
// records its result.
func (s *Service) Pause(ctx context.Context, id string) (*Snapshot, error) {
	return s.command(ctx, id, workflow.Pause())
}

// Resume continues a paused workflow and dispatches its current stage if
// it has no task in flight.
func (s *Service) Resume(ctx context.Context, id string) (*Snapshot, error) {
	return s.command(ctx, id, workflow.Resume())
}

func (s *Service) command(ctx context.Context, id string, ev workflow.Event) (*Snapshot, error) {
	wf, err := s.engine.Apply(ctx, id, ev)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Workflow command applied", "workflow_id", id, "event", ev.Type, "status", wf.Status)
	snap := NewSnapshot(wf)
	return &snap, nil
}

// Retry starts a new workflow linked to the failed or cancelled workflow
// id. Outputs of the stages before fromStage are carried over and those
// stages are not run again. An empty fromStage retries from the stage the
// original stopped at.
func (s *Service) Retry(ctx context.Context, id, fromStage string) (*CreateResponse, error) {
	orig, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != workflow.StatusFailed && orig.Status != workflow.StatusCancelled {
		return nil, errs.NewValidationError("workflow_id",
			fmt.Sprintf("workflow %s is %s; only failed or cancelled workflows can be retried", id, orig.Status))
	}
	def, err := s.engine.Definition(orig)
	if err != nil {
		return nil, err
	}

	if fromStage == "" {
		fromStage = orig.CurrentStage
	}
	if fromStage == "" {
		fromStage = def.First().Name
	}
	from := def.Index(fromStage)
	if from < 0 {
		return nil, errs.NewValidationError("from_stage", fmt.Sprintf("stage %s is not part of %s", fromStage, def.Type))
	}

	outputs := make(map[string]json.RawMessage, from)
	for _, st := range def.Stages[:from] {
		out, ok := orig.StageOutputs[st.Name]
		if !ok {
			return nil, errs.NewValidationError("from_stage",
				fmt.Sprintf("workflow %s never completed stage %s", id, st.Name))
		}
		outputs[st.Name] = out
	}

	resp, err := s.start(ctx, &workflow.Workflow{
		Type:         orig.Type,
		Name:         orig.Name,
		Description:  orig.Description,
		Requirements: orig.Requirements,
		Priority:     orig.Priority,
		StageOutputs: outputs,
		RetryOf:      orig.ID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Workflow retried",
		"workflow_id", resp.WorkflowID,
		"retry_of", orig.ID,
		"from_stage", fromStage)
	return resp, nil
}

// Events returns the transition log of workflow id, oldest first.
func (s *Service) Events(ctx context.Context, id string) ([]*workflow.EventRecord, error) {
	if s.events == nil {
		return nil, fmt.Errorf("event log not configured")
	}
	if _, err := s.engine.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, id)
}
