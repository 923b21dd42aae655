package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
)

type CodeRequest struct {
	TaskID       string                `json:"task_id"`
	SubtaskID    string                `json:"subtask_id,omitempty"`
	Instructions string                `json:"instructions,omitempty"`
	Language     string                `json:"language,omitempty"`
	TargetFiles  []string              `json:"target_files,omitempty"`
	Context      *contextstore.Context `json:"context,omitempty"`
}

type GeneratedCode struct {
	Files   map[string]string `json:"files"`
	Summary string            `json:"summary,omitempty"`
}

// HTTPCodeGenerator asks the code generation service for file contents.
type HTTPCodeGenerator struct {
	endpoint
}

func NewHTTPCodeGenerator(baseURL string, timeout time.Duration, headers map[string]string) *HTTPCodeGenerator {
	return &HTTPCodeGenerator{endpoint: newEndpoint(baseURL, timeout, headers)}
}

func (g *HTTPCodeGenerator) Generate(ctx context.Context, req CodeRequest) (GeneratedCode, error) {
	raw, err := g.post(ctx, "/generate", req)
	if err != nil {
		return GeneratedCode{}, err
	}
	var out GeneratedCode
	if err := json.Unmarshal(raw, &out); err != nil {
		return GeneratedCode{}, fmt.Errorf("decode generated code: %w", err)
	}
	if len(out.Files) == 0 {
		return GeneratedCode{}, fmt.Errorf("code generator returned no files")
	}
	return out, nil
}
