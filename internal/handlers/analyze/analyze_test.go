package analyze

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/collab"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

type fakeArtifacts struct{ saved map[string]string }

func (f *fakeArtifacts) SaveArtifact(_ context.Context, taskID, kind, path, content string) (*contextstore.Context, error) {
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[taskID+"/"+kind+"/"+path] = content
	return &contextstore.Context{}, nil
}

func TestAnalyzeProject(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.ts"), []byte("export {}"), 0o644))

	arts := &fakeArtifacts{}
	h := AnalyzeProject{Analyzer: collab.NewFSAnalyzer(), Artifacts: arts}

	_, err := h.Handle(context.Background(), domain.QueueJob{ID: "job_1"}, &queue.AnalyzeProjectPayload{ProjectID: "proj_1", Path: root})
	require.NoError(t, err)
	assert.Empty(t, arts.saved, "no task, nothing to file")

	_, err = h.Handle(context.Background(), domain.QueueJob{ID: "job_2"}, &queue.AnalyzeProjectPayload{Path: root, TaskID: "task_1"})
	require.NoError(t, err)
	raw, ok := arts.saved["task_1/"+ArtifactType+"/"+root]
	require.True(t, ok)

	var sum collab.ProjectSummary
	require.NoError(t, json.Unmarshal([]byte(raw), &sum))
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, map[string]int{"go": 1, "typescript": 1}, sum.Languages)
}

func TestAnalyzeProjectMissingPath(t *testing.T) {
	h := AnalyzeProject{Analyzer: collab.NewFSAnalyzer(), Artifacts: &fakeArtifacts{}}
	_, err := h.Handle(context.Background(), domain.QueueJob{}, &queue.AnalyzeProjectPayload{Path: filepath.Join(t.TempDir(), "gone")})
	assert.Error(t, err)
}
