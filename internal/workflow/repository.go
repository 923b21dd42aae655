package workflow

import (
	"context"
	"time"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// Repository persists tasks and their audit records.
type Repository interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	UpdateTaskState(ctx context.Context, id string, status domain.TaskStatus, currentStep int) error
	UpsertStepStatus(ctx context.Context, st domain.StepStatus) error
	ListStepStatuses(ctx context.Context, taskID string) ([]domain.StepStatus, error)
	AppendTransition(ctx context.Context, tr domain.Transition) (domain.Transition, error)
	ListTransitions(ctx context.Context, taskID string) ([]domain.Transition, error)
}

// Leaser grants one process at a time the right to execute a task.
type Leaser interface {
	AcquireLease(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, taskID, owner string) error
}

// ContextStore is the part of contextstore.Store the orchestrator needs.
type ContextStore interface {
	Initialize(ctx context.Context, task domain.Task) (*contextstore.Context, error)
	Get(ctx context.Context, taskID string) (*contextstore.Context, error)
	Update(ctx context.Context, taskID string, step int, result contextstore.StepResult) (*contextstore.Context, error)
	Evict(taskID string)
}
