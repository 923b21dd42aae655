// Package decompose runs the analysis half of a task's workflow from a queued
// job: task understanding through planning.
package decompose

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/workflow"
)

type Decompose struct {
	Workflows *workflow.Supervisor
}

func (h Decompose) Handle(ctx context.Context, job domain.QueueJob, payload queue.Payload) ([]queue.JobRequest, error) {
	p, ok := payload.(*queue.DecomposePayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload %T", domain.ErrInvalidArgument, payload)
	}
	o, err := h.Workflows.For(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if err := o.RunThrough(ctx, domain.FirstStep, domain.StepPlanning); err != nil {
		return nil, err
	}
	log.Info().Str("job_id", job.ID).Str("task_id", p.TaskID).Msg("task decomposed")
	return nil, nil
}
