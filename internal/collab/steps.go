package collab

import (
	"context"
	"time"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/workflow"
)

// HTTPStepClient runs workflow steps on a remote service: one POST per step
// to <base>/steps/<step-name>, answered with that step's result document.
type HTTPStepClient struct {
	endpoint
}

func NewHTTPStepClient(baseURL string, timeout time.Duration, headers map[string]string) *HTTPStepClient {
	return &HTTPStepClient{endpoint: newEndpoint(baseURL, timeout, headers)}
}

type stepRequest struct {
	Step    int                   `json:"step"`
	Name    string                `json:"name"`
	Task    domain.Task           `json:"task"`
	Context *contextstore.Context `json:"context"`
}

// Handler returns the step handler for step.
func (c *HTTPStepClient) Handler(step int) workflow.StepHandler {
	return workflow.StepHandlerFunc(func(ctx context.Context, task domain.Task, doc *contextstore.Context) (contextstore.StepResult, error) {
		name := domain.StepName(step)
		raw, err := c.post(ctx, "/steps/"+name, stepRequest{Step: step, Name: name, Task: task, Context: doc})
		if err != nil {
			return nil, err
		}
		return contextstore.DecodeStepResult(step, raw)
	})
}

// Register installs a handler for every step.
func (c *HTTPStepClient) Register(steps *workflow.Steps) error {
	for step := domain.FirstStep; step <= domain.LastStep; step++ {
		if err := steps.Register(step, c.Handler(step)); err != nil {
			return err
		}
	}
	return nil
}
