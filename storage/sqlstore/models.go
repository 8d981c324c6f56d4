package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/workflow"
)

// WorkflowModel maps to the "workflows" table.
type WorkflowModel struct {
	ID                 string    `gorm:"primaryKey;size:64"`
	Type               string    `gorm:"size:64;not null"`
	Name               string    `gorm:"not null"`
	Description        string    `gorm:"type:text"`
	Requirements       string    `gorm:"type:text"`
	Priority           string    `gorm:"size:16;not null"`
	CurrentStage       string    `gorm:"size:64"`
	Status             string    `gorm:"size:16;not null;index"`
	ProgressPercentage int       `gorm:"not null;default:0"`
	StageOutputs       string    `gorm:"type:text;not null"`
	Version            int64     `gorm:"not null"`
	TraceID            string    `gorm:"size:32;not null;index"`
	CurrentSpanID      string    `gorm:"size:16"`
	ErrorCode          string    `gorm:"size:64"`
	PausedFrom         string    `gorm:"size:16"`
	RetryOf            string    `gorm:"size:64;index"`
	CreatedAt          time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false"`
}

func (WorkflowModel) TableName() string { return "workflows" }

// TaskModel maps to the "tasks" table.
type TaskModel struct {
	ID              string    `gorm:"primaryKey;size:64"`
	WorkflowID      string    `gorm:"size:64;not null;index"`
	AgentType       string    `gorm:"size:64;not null"`
	Stage           string    `gorm:"size:64;not null"`
	Status          string    `gorm:"size:16;not null;index"`
	MessageID       string    `gorm:"size:255;not null"`
	TimeoutMS       int64     `gorm:"not null;default:0"`
	TraceID         string    `gorm:"size:32;not null;index"`
	SpanID          string    `gorm:"size:16"`
	ParentSpanID    string    `gorm:"size:16"`
	WorkflowVersion int64     `gorm:"not null"`
	ErrorCode       string    `gorm:"size:64"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	AssignedAt      *time.Time
	CompletedAt     *time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// WorkflowEventModel maps to the append-only "workflow_events" table.
type WorkflowEventModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	WorkflowID string `gorm:"size:64;not null;index"`
	EventType  string `gorm:"size:32;not null"`
	Stage      string `gorm:"size:64"`
	FromStatus string `gorm:"size:16"`
	ToStatus   string `gorm:"size:16"`
	FromStage  string `gorm:"size:64"`
	ToStage    string `gorm:"size:64"`
	Version    int64  `gorm:"not null"`
	TraceID    string `gorm:"size:32;index"`
	SpanID     string `gorm:"size:16"`
	OccurredAt time.Time
	Detail     string `gorm:"type:text"`
}

func (WorkflowEventModel) TableName() string { return "workflow_events" }

// DeadLetterModel maps to the "dead_letters" table.
type DeadLetterModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	Code           string `gorm:"size:32;index"`
	Coordinator    string `gorm:"size:64;not null"`
	Topic          string `gorm:"not null"`
	MessageID      string `gorm:"size:255;index"`
	WorkflowID     string `gorm:"size:64;index"`
	TraceID        string `gorm:"size:32;index"`
	Original       string `gorm:"type:text;not null"`
	AttemptCount   int    `gorm:"not null"`
	Attempts       string `gorm:"type:text;not null"`
	LastError      string `gorm:"type:text"`
	Metadata       string `gorm:"type:text"`
	DeadLetteredAt time.Time
}

func (DeadLetterModel) TableName() string { return "dead_letters" }

// --- Workflow ---

func toWorkflowModel(wf *workflow.Workflow) WorkflowModel {
	outputs, _ := json.Marshal(wf.StageOutputs)
	if wf.StageOutputs == nil {
		outputs = []byte("{}")
	}
	return WorkflowModel{
		ID:                 wf.ID,
		Type:               wf.Type,
		Name:               wf.Name,
		Description:        wf.Description,
		Requirements:       wf.Requirements,
		Priority:           string(wf.Priority),
		CurrentStage:       wf.CurrentStage,
		Status:             string(wf.Status),
		ProgressPercentage: wf.ProgressPercentage,
		StageOutputs:       string(outputs),
		Version:            wf.Version,
		TraceID:            wf.TraceID,
		CurrentSpanID:      wf.CurrentSpanID,
		ErrorCode:          wf.ErrorCode,
		PausedFrom:         string(wf.PausedFrom),
		RetryOf:            wf.RetryOf,
		CreatedAt:          wf.CreatedAt,
		UpdatedAt:          wf.UpdatedAt,
	}
}

func toWorkflowDomain(m *WorkflowModel) *workflow.Workflow {
	outputs := map[string]json.RawMessage{}
	if m.StageOutputs != "" {
		_ = json.Unmarshal([]byte(m.StageOutputs), &outputs)
	}
	return &workflow.Workflow{
		ID:                 m.ID,
		Type:               m.Type,
		Name:               m.Name,
		Description:        m.Description,
		Requirements:       m.Requirements,
		Priority:           envelope.Priority(m.Priority),
		CurrentStage:       m.CurrentStage,
		Status:             workflow.Status(m.Status),
		ProgressPercentage: m.ProgressPercentage,
		StageOutputs:       outputs,
		Version:            m.Version,
		TraceID:            m.TraceID,
		CurrentSpanID:      m.CurrentSpanID,
		ErrorCode:          m.ErrorCode,
		PausedFrom:         workflow.Status(m.PausedFrom),
		RetryOf:            m.RetryOf,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// --- Task ---

func toTaskModel(t *workflow.Task) TaskModel {
	return TaskModel{
		ID:              t.ID,
		WorkflowID:      t.WorkflowID,
		AgentType:       t.AgentType,
		Stage:           t.Stage,
		Status:          string(t.Status),
		MessageID:       t.MessageID,
		TimeoutMS:       t.TimeoutMS,
		TraceID:         t.TraceID,
		SpanID:          t.SpanID,
		ParentSpanID:    t.ParentSpanID,
		WorkflowVersion: t.WorkflowVersion,
		ErrorCode:       t.ErrorCode,
		CreatedAt:       t.CreatedAt,
		AssignedAt:      t.AssignedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func toTaskDomain(m *TaskModel) *workflow.Task {
	return &workflow.Task{
		ID:              m.ID,
		WorkflowID:      m.WorkflowID,
		AgentType:       m.AgentType,
		Stage:           m.Stage,
		Status:          workflow.TaskStatus(m.Status),
		MessageID:       m.MessageID,
		TimeoutMS:       m.TimeoutMS,
		TraceID:         m.TraceID,
		SpanID:          m.SpanID,
		ParentSpanID:    m.ParentSpanID,
		WorkflowVersion: m.WorkflowVersion,
		ErrorCode:       m.ErrorCode,
		CreatedAt:       m.CreatedAt,
		AssignedAt:      m.AssignedAt,
		CompletedAt:     m.CompletedAt,
	}
}

// --- Event ---

func toEventModel(rec *workflow.EventRecord) WorkflowEventModel {
	return WorkflowEventModel{
		WorkflowID: rec.WorkflowID,
		EventType:  string(rec.Type),
		Stage:      rec.Stage,
		FromStatus: string(rec.FromStatus),
		ToStatus:   string(rec.ToStatus),
		FromStage:  rec.FromStage,
		ToStage:    rec.ToStage,
		Version:    rec.Version,
		TraceID:    rec.TraceID,
		SpanID:     rec.SpanID,
		OccurredAt: rec.OccurredAt,
		Detail:     string(rec.Detail),
	}
}

func toEventDomain(m *WorkflowEventModel) *workflow.EventRecord {
	rec := &workflow.EventRecord{
		WorkflowID: m.WorkflowID,
		Type:       workflow.EventType(m.EventType),
		Stage:      m.Stage,
		FromStatus: workflow.Status(m.FromStatus),
		ToStatus:   workflow.Status(m.ToStatus),
		FromStage:  m.FromStage,
		ToStage:    m.ToStage,
		Version:    m.Version,
		TraceID:    m.TraceID,
		SpanID:     m.SpanID,
		OccurredAt: m.OccurredAt,
	}
	if m.Detail != "" {
		rec.Detail = json.RawMessage(m.Detail)
	}
	return rec
}

// --- Dead letter ---

func toDeadLetterModel(dl *envelope.DeadLetter) DeadLetterModel {
	attempts, _ := json.Marshal(dl.Attempts)
	metadata, _ := json.Marshal(dl.Metadata)
	return DeadLetterModel{
		ID:             dl.ID,
		Code:           dl.Code,
		Coordinator:    dl.Coordinator,
		Topic:          dl.Topic,
		MessageID:      dl.MessageID,
		WorkflowID:     dl.WorkflowID,
		TraceID:        dl.TraceID,
		Original:       string(dl.Original),
		AttemptCount:   dl.AttemptCount,
		Attempts:       string(attempts),
		LastError:      dl.LastError,
		Metadata:       string(metadata),
		DeadLetteredAt: dl.DeadLetteredAt,
	}
}

func toDeadLetterDomain(m *DeadLetterModel) *envelope.DeadLetter {
	dl := &envelope.DeadLetter{
		ID:             m.ID,
		Code:           m.Code,
		Coordinator:    m.Coordinator,
		Topic:          m.Topic,
		MessageID:      m.MessageID,
		WorkflowID:     m.WorkflowID,
		TraceID:        m.TraceID,
		Original:       json.RawMessage(m.Original),
		AttemptCount:   m.AttemptCount,
		LastError:      m.LastError,
		DeadLetteredAt: m.DeadLetteredAt,
	}
	_ = json.Unmarshal([]byte(m.Attempts), &dl.Attempts)
	_ = json.Unmarshal([]byte(m.Metadata), &dl.Metadata)
	return dl
}
