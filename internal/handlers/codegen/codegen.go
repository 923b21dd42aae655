// Package codegen asks the code generator for a task's files and queues the
// commit that lands them.
package codegen

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/collab"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

// ArtifactType is the context artifact group generated files are stored under.
const ArtifactType = "code"

type CodeGenerator interface {
	Generate(ctx context.Context, req collab.CodeRequest) (collab.GeneratedCode, error)
}

type Contexts interface {
	Get(ctx context.Context, taskID string) (*contextstore.Context, error)
	SaveArtifact(ctx context.Context, taskID, artifactType, artifactPath, content string) (*contextstore.Context, error)
}

type GenerateCode struct {
	Generator CodeGenerator
	Contexts  Contexts
}

func (h GenerateCode) Handle(ctx context.Context, job domain.QueueJob, payload queue.Payload) ([]queue.JobRequest, error) {
	p, ok := payload.(*queue.GenerateCodePayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload %T", domain.ErrInvalidArgument, payload)
	}
	doc, err := h.Contexts.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}

	out, err := h.Generator.Generate(ctx, collab.CodeRequest{
		TaskID:       p.TaskID,
		SubtaskID:    p.SubtaskID,
		Instructions: p.Instructions,
		Language:     p.Language,
		TargetFiles:  p.TargetFiles,
		Context:      doc,
	})
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	names := make([]string, 0, len(out.Files))
	for name := range out.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := h.Contexts.SaveArtifact(ctx, p.TaskID, ArtifactType, name, out.Files[name]); err != nil {
			return nil, err
		}
	}

	branch := p.Branch
	if branch == "" {
		branch = "devflow/" + p.TaskID
	}
	message := doc.Task.Title
	if out.Summary != "" {
		message = fmt.Sprintf("%s: %s", doc.Task.Title, out.Summary)
	}
	if message == "" {
		message = "Generated code for " + p.TaskID
	}
	commit, err := queue.NewRequest(queue.CommitCodePayload{
		TaskID:  p.TaskID,
		Branch:  branch,
		Message: message,
		Files:   out.Files,
	}, job.Priority)
	if err != nil {
		return nil, err
	}

	log.Info().Str("job_id", job.ID).Str("task_id", p.TaskID).Int("files", len(out.Files)).Str("branch", branch).Msg("code generated")
	return []queue.JobRequest{commit}, nil
}
