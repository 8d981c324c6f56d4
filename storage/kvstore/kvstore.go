// Package kvstore persists workflows, tasks, the transition log and
// dead-letter records over the kv.Store port, so a deployment that runs
// on NATS or Redis alone needs no database.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/workflow"
)

// Key prefixes for each record type.
const (
	prefixWorkflow   = "wf"
	prefixTask       = "task"
	prefixEvent      = "event"
	prefixEventSeq   = "eventseq"
	prefixDeadLetter = "dlq"
)

// Store implements workflow.Repository over a kv.Store.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
}

var _ workflow.Repository = (*Store)(nil)

// New creates a Store over store.
func New(store kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: store, logger: logger}
}

// CreateWorkflow stores wf if its id is free.
func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	err = s.kv.CompareAndSwap(ctx, kv.Key(prefixWorkflow, wf.ID), nil, data)
	if errors.Is(err, kv.ErrConflict) {
		return workflow.ErrExists
	}
	if err != nil {
		return fmt.Errorf("store workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, _, err := s.loadWorkflow(ctx, kv.Key(prefixWorkflow, id))
	return wf, err
}

func (s *Store) loadWorkflow(ctx context.Context, key string) (*workflow.Workflow, []byte, error) {
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, fmt.Errorf("workflow %s: %w", strings.TrimPrefix(key, prefixWorkflow+":"), workflow.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, data, nil
}

// UpdateWorkflow swaps in wf only if the stored version is expectedVersion.
// The swap is checked against the exact bytes read, so a writer that lands
// between the read and the write loses with ErrVersionConflict.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow, expectedVersion int64) error {
	key := kv.Key(prefixWorkflow, wf.ID)
	cur, raw, err := s.loadWorkflow(ctx, key)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s is at version %d, expected %d",
			workflow.ErrVersionConflict, wf.ID, cur.Version, expectedVersion)
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	err = s.kv.CompareAndSwap(ctx, key, raw, data)
	if errors.Is(err, kv.ErrConflict) {
		return fmt.Errorf("%w: %s changed during update", workflow.ErrVersionConflict, wf.ID)
	}
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

// ListWorkflows returns workflows in any of statuses, newest first.
func (s *Store) ListWorkflows(ctx context.Context, statuses ...workflow.Status) ([]*workflow.Workflow, error) {
	keys, err := s.kv.Keys(ctx, prefixWorkflow+":")
	if err != nil {
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}

	out := make([]*workflow.Workflow, 0, len(keys))
	for _, key := range keys {
		wf, _, err := s.loadWorkflow(ctx, key)
		if err != nil {
			// Expired or concurrently deleted.
			continue
		}
		if workflow.MatchStatus(wf.Status, statuses) {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreateTask stores t if its id is free.
func (s *Store) CreateTask(ctx context.Context, t *workflow.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = s.kv.CompareAndSwap(ctx, kv.Key(prefixTask, t.ID), nil, data)
	if errors.Is(err, kv.ErrConflict) {
		return workflow.ErrExists
	}
	if err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	t, _, err := s.loadTask(ctx, kv.Key(prefixTask, id))
	return t, err
}

func (s *Store) loadTask(ctx context.Context, key string) (*workflow.Task, []byte, error) {
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, fmt.Errorf("task %s: %w", strings.TrimPrefix(key, prefixTask+":"), workflow.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get task: %w", err)
	}
	var t workflow.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, data, nil
}

// UpdateTask moves a task between statuses with a compare-and-swap on the
// bytes read.
func (s *Store) UpdateTask(ctx context.Context, id string, from []workflow.TaskStatus, to workflow.TaskStatus, mutate func(*workflow.Task)) (*workflow.Task, error) {
	key := kv.Key(prefixTask, id)
	t, raw, err := s.loadTask(ctx, key)
	if err != nil {
		return nil, err
	}
	if !workflow.AllowsTask(t.Status, from) {
		return nil, fmt.Errorf("%w: task %s is %s", workflow.ErrTaskStatus, id, t.Status)
	}

	if mutate != nil {
		mutate(t)
	}
	t.Status = to

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	err = s.kv.CompareAndSwap(ctx, key, raw, data)
	if errors.Is(err, kv.ErrConflict) {
		return nil, fmt.Errorf("%w: task %s changed during update", workflow.ErrTaskStatus, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// ListTasks returns the tasks of a workflow, oldest first.
func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]*workflow.Task, error) {
	return s.listTasks(ctx, func(t *workflow.Task) bool { return t.WorkflowID == workflowID })
}

// ListTasksByStatus returns every task in status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status workflow.TaskStatus) ([]*workflow.Task, error) {
	return s.listTasks(ctx, func(t *workflow.Task) bool { return t.Status == status })
}

func (s *Store) listTasks(ctx context.Context, match func(*workflow.Task) bool) ([]*workflow.Task, error) {
	keys, err := s.kv.Keys(ctx, prefixTask+":")
	if err != nil {
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	out := make([]*workflow.Task, 0)
	for _, key := range keys {
		t, _, err := s.loadTask(ctx, key)
		if err != nil {
			continue
		}
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendEvent stores rec under the workflow's next sequence number.
func (s *Store) AppendEvent(ctx context.Context, rec *workflow.EventRecord) error {
	seq, err := s.kv.Incr(ctx, kv.Key(prefixEventSeq, rec.WorkflowID))
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.kv.Set(ctx, eventKey(rec.WorkflowID, seq), data, 0); err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	return nil
}

// ListEvents returns a workflow's events in append order.
func (s *Store) ListEvents(ctx context.Context, workflowID string) ([]*workflow.EventRecord, error) {
	keys, err := s.kv.Keys(ctx, kv.Key(prefixEvent, workflowID)+":")
	if err != nil {
		return nil, fmt.Errorf("list event keys: %w", err)
	}
	// Sequence numbers are zero padded, so lexical order is append order.
	sort.Strings(keys)

	out := make([]*workflow.EventRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec workflow.EventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("Skipping unreadable workflow event", "key", key, "error", err)
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func eventKey(workflowID string, seq int64) string {
	return kv.Key(prefixEvent, workflowID, fmt.Sprintf("%012d", seq))
}

// SaveDeadLetter stores dl once. A second save of the same id is ignored.
func (s *Store) SaveDeadLetter(ctx context.Context, dl *envelope.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if _, err := s.kv.SetNX(ctx, kv.Key(prefixDeadLetter, dl.ID), data, 0); err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns every stored dead-letter record, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]*envelope.DeadLetter, error) {
	keys, err := s.kv.Keys(ctx, prefixDeadLetter+":")
	if err != nil {
		return nil, fmt.Errorf("list dead letter keys: %w", err)
	}

	out := make([]*envelope.DeadLetter, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var dl envelope.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt)
	})
	return out, nil
}
