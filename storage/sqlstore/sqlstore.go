// Package sqlstore persists workflows, tasks, the transition log and
// dead-letter records in SQLite or PostgreSQL through GORM. All GORM usage
// is confined to this package; the workflow types stay ORM-free.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/workflow"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database.
type Config struct {
	Driver string
	DSN    string
	// MaxOpenConns bounds the pool. SQLite defaults to 1, which keeps
	// in-memory databases on a single connection.
	MaxOpenConns int
}

// Store implements workflow.Repository with GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ workflow.Repository = (*Store)(nil)

// Open connects, sizes the pool and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage dsn is required")
	}

	var dialector gorm.Dialector
	maxOpen := cfg.MaxOpenConns
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
		if maxOpen <= 0 {
			maxOpen = 1
		}
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
		if maxOpen <= 0 {
			maxOpen = 25
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)

	if err := db.AutoMigrate(
		&WorkflowModel{},
		&TaskModel{},
		&WorkflowEventModel{},
		&DeadLetterModel{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("SQL store opened", "driver", cfg.Driver, "max_open_conns", maxOpen)
	return &Store{db: db, logger: slogger}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// insertOnce inserts model and reports whether a row was written.
func (s *Store) insertOnce(ctx context.Context, model any) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	model := toWorkflowModel(wf)
	inserted, err := s.insertOnce(ctx, &model)
	if err != nil {
		return fmt.Errorf("creating workflow: %w", err)
	}
	if !inserted {
		return workflow.ErrExists
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var model WorkflowModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting workflow %s: %w", id, err)
	}
	return toWorkflowDomain(&model), nil
}

// UpdateWorkflow writes every column in one statement guarded by the
// expected version.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow, expectedVersion int64) error {
	model := toWorkflowModel(wf)
	res := s.db.WithContext(ctx).
		Model(&WorkflowModel{}).
		Where("id = ? AND version = ?", wf.ID, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return fmt.Errorf("updating workflow %s: %w", wf.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Nothing matched: either the row is gone or the version moved on.
	if _, err := s.GetWorkflow(ctx, wf.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is no longer at version %d", workflow.ErrVersionConflict, wf.ID, expectedVersion)
}

func (s *Store) ListWorkflows(ctx context.Context, statuses ...workflow.Status) ([]*workflow.Workflow, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		q = q.Where("status IN ?", values)
	}

	var models []WorkflowModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	out := make([]*workflow.Workflow, len(models))
	for i := range models {
		out[i] = toWorkflowDomain(&models[i])
	}
	return out, nil
}

func (s *Store) CreateTask(ctx context.Context, t *workflow.Task) error {
	model := toTaskModel(t)
	inserted, err := s.insertOnce(ctx, &model)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	if !inserted {
		return workflow.ErrExists
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	var model TaskModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return toTaskDomain(&model), nil
}

// UpdateTask guards the write on the status it read, so of two concurrent
// callers only one moves the task.
func (s *Store) UpdateTask(ctx context.Context, id string, from []workflow.TaskStatus, to workflow.TaskStatus, mutate func(*workflow.Task)) (*workflow.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !workflow.AllowsTask(t.Status, from) {
		return nil, fmt.Errorf("%w: task %s is %s", workflow.ErrTaskStatus, id, t.Status)
	}

	current := t.Status
	if mutate != nil {
		mutate(t)
	}
	t.Status = to

	model := toTaskModel(t)
	res := s.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id = ? AND status = ?", id, string(current)).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: task %s changed during update", workflow.ErrTaskStatus, id)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]*workflow.Task, error) {
	return s.listTasks(ctx, "workflow_id = ?", workflowID)
}

func (s *Store) ListTasksByStatus(ctx context.Context, status workflow.TaskStatus) ([]*workflow.Task, error) {
	return s.listTasks(ctx, "status = ?", string(status))
}

func (s *Store) listTasks(ctx context.Context, query string, arg any) ([]*workflow.Task, error) {
	var models []TaskModel
	if err := s.db.WithContext(ctx).
		Where(query, arg).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]*workflow.Task, len(models))
	for i := range models {
		out[i] = toTaskDomain(&models[i])
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, rec *workflow.EventRecord) error {
	model := toEventModel(rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending workflow event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, workflowID string) ([]*workflow.EventRecord, error) {
	var models []WorkflowEventModel
	if err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing workflow events: %w", err)
	}
	out := make([]*workflow.EventRecord, len(models))
	for i := range models {
		out[i] = toEventDomain(&models[i])
	}
	return out, nil
}

// SaveDeadLetter stores dl once. A second save of the same id is ignored.
func (s *Store) SaveDeadLetter(ctx context.Context, dl *envelope.DeadLetter) error {
	model := toDeadLetterModel(dl)
	if _, err := s.insertOnce(ctx, &model); err != nil {
		return fmt.Errorf("saving dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns every stored dead-letter record, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]*envelope.DeadLetter, error) {
	var models []DeadLetterModel
	if err := s.db.WithContext(ctx).Order("dead_lettered_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	out := make([]*envelope.DeadLetter, len(models))
	for i := range models {
		out[i] = toDeadLetterDomain(&models[i])
	}
	return out, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
