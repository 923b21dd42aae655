package workflow

import (
	"context"
	"fmt"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// StepHandler computes one step's result. Handlers own their own timeouts;
// the orchestrator waits for them to return.
type StepHandler interface {
	Execute(ctx context.Context, task domain.Task, c *contextstore.Context) (contextstore.StepResult, error)
}

type StepHandlerFunc func(ctx context.Context, task domain.Task, c *contextstore.Context) (contextstore.StepResult, error)

func (f StepHandlerFunc) Execute(ctx context.Context, task domain.Task, c *contextstore.Context) (contextstore.StepResult, error) {
	return f(ctx, task, c)
}

// Steps holds one handler per workflow step.
type Steps struct {
	handlers [domain.LastStep + 1]StepHandler
}

func NewSteps() *Steps { return &Steps{} }

func (s *Steps) Register(step int, h StepHandler) error {
	if !domain.ValidStep(step) {
		return fmt.Errorf("%w: step %d", domain.ErrInvalidArgument, step)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for step %d", domain.ErrInvalidArgument, step)
	}
	s.handlers[step] = h
	return nil
}

func (s *Steps) Handler(step int) (StepHandler, bool) {
	if !domain.ValidStep(step) || s.handlers[step] == nil {
		return nil, false
	}
	return s.handlers[step], true
}

// Missing lists steps without a handler.
func (s *Steps) Missing() []int {
	var out []int
	for step := domain.FirstStep; step <= domain.LastStep; step++ {
		if s.handlers[step] == nil {
			out = append(out, step)
		}
	}
	return out
}
