// Package commit lands generated files in the project repository.
package commit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/collab"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

// ArtifactType groups commit ids by branch in the task context.
const ArtifactType = "commit"

type VCS interface {
	Commit(ctx context.Context, req collab.CommitRequest) (string, error)
}

type Artifacts interface {
	SaveArtifact(ctx context.Context, taskID, artifactType, artifactPath, content string) (*contextstore.Context, error)
}

type CommitCode struct {
	VCS       VCS
	Artifacts Artifacts
}

func (h CommitCode) Handle(ctx context.Context, job domain.QueueJob, payload queue.Payload) ([]queue.JobRequest, error) {
	p, ok := payload.(*queue.CommitCodePayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload %T", domain.ErrInvalidArgument, payload)
	}
	id, err := h.VCS.Commit(ctx, collab.CommitRequest{
		Branch:  p.Branch,
		Message: p.Message,
		Files:   p.Files,
	})
	if err != nil {
		return nil, fmt.Errorf("commit code: %w", err)
	}
	if _, err := h.Artifacts.SaveArtifact(ctx, p.TaskID, ArtifactType, p.Branch, id); err != nil {
		return nil, err
	}
	log.Info().Str("job_id", job.ID).Str("task_id", p.TaskID).Str("branch", p.Branch).Str("commit", id).Msg("code committed")
	return nil, nil
}
