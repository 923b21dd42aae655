// Package analyze summarizes a project tree and files the summary with the
// task that asked for it.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/collab"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

const ArtifactType = "project-analysis"

type ProjectAnalyzer interface {
	Analyze(ctx context.Context, root string, include []string) (collab.ProjectSummary, error)
}

type Artifacts interface {
	SaveArtifact(ctx context.Context, taskID, artifactType, artifactPath, content string) (*contextstore.Context, error)
}

type AnalyzeProject struct {
	Analyzer  ProjectAnalyzer
	Artifacts Artifacts
}

func (h AnalyzeProject) Handle(ctx context.Context, job domain.QueueJob, payload queue.Payload) ([]queue.JobRequest, error) {
	p, ok := payload.(*queue.AnalyzeProjectPayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload %T", domain.ErrInvalidArgument, payload)
	}
	sum, err := h.Analyzer.Analyze(ctx, p.Path, p.Include)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("job_id", job.ID).Str("project_id", p.ProjectID).Logger()
	if p.TaskID == "" {
		logger.Info().Int("files", sum.Files).Msg("project analyzed")
		return nil, nil
	}
	raw, err := json.Marshal(sum)
	if err != nil {
		return nil, err
	}
	if _, err := h.Artifacts.SaveArtifact(ctx, p.TaskID, ArtifactType, p.Path, string(raw)); err != nil {
		return nil, err
	}
	logger.Info().Str("task_id", p.TaskID).Int("files", sum.Files).Msg("project analyzed")
	return nil, nil
}
