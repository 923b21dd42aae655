package codegen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/collab"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

type fakeGenerator struct {
	got collab.CodeRequest
	out collab.GeneratedCode
	err error
}

func (f *fakeGenerator) Generate(_ context.Context, req collab.CodeRequest) (collab.GeneratedCode, error) {
	f.got = req
	return f.out, f.err
}

type fakeContexts struct {
	doc       *contextstore.Context
	artifacts map[string]string
}

func (f *fakeContexts) Get(_ context.Context, taskID string) (*contextstore.Context, error) {
	if f.doc == nil || f.doc.Task.ID != taskID {
		return nil, domain.ErrNotFound
	}
	return f.doc, nil
}

func (f *fakeContexts) SaveArtifact(_ context.Context, _ string, artifactType, artifactPath, content string) (*contextstore.Context, error) {
	if f.artifacts == nil {
		f.artifacts = map[string]string{}
	}
	f.artifacts[artifactType+":"+artifactPath] = content
	return f.doc, nil
}

func TestGenerateCodeStoresFilesAndQueuesCommit(t *testing.T) {
	gen := &fakeGenerator{out: collab.GeneratedCode{
		Files:   map[string]string{"auth/login.go": "package auth", "auth/login_test.go": "package auth"},
		Summary: "login handler",
	}}
	contexts := &fakeContexts{doc: &contextstore.Context{Task: contextstore.TaskInfo{ID: "task_1", Title: "Add login"}}}
	h := GenerateCode{Generator: gen, Contexts: contexts}

	out, err := h.Handle(context.Background(), domain.QueueJob{ID: "job_1", Priority: 8},
		&queue.GenerateCodePayload{TaskID: "task_1", Language: "go", TargetFiles: []string{"auth/login.go"}})
	require.NoError(t, err)

	assert.Equal(t, "go", gen.got.Language)
	assert.Same(t, contexts.doc, gen.got.Context)
	assert.Equal(t, map[string]string{
		"code:auth/login.go":      "package auth",
		"code:auth/login_test.go": "package auth",
	}, contexts.artifacts)

	require.Len(t, out, 1)
	assert.Equal(t, domain.JobCommitCode, out[0].Type)
	assert.Equal(t, 8, out[0].Priority)
	p, err := queue.DecodePayload(out[0].Type, out[0].Payload)
	require.NoError(t, err)
	commit := p.(*queue.CommitCodePayload)
	assert.Equal(t, "devflow/task_1", commit.Branch)
	assert.Equal(t, "Add login: login handler", commit.Message)
	assert.Len(t, commit.Files, 2)
}

func TestGenerateCodeErrors(t *testing.T) {
	contexts := &fakeContexts{doc: &contextstore.Context{Task: contextstore.TaskInfo{ID: "task_1"}}}
	gen := &fakeGenerator{err: errors.New("HTTP 500 error: boom")}
	h := GenerateCode{Generator: gen, Contexts: contexts}

	_, err := h.Handle(context.Background(), domain.QueueJob{}, &queue.GenerateCodePayload{TaskID: "task_1"})
	assert.ErrorContains(t, err, "generate code: HTTP 500 error")
	assert.Empty(t, contexts.artifacts)

	_, err = h.Handle(context.Background(), domain.QueueJob{}, &queue.GenerateCodePayload{TaskID: "task_2"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.Handle(context.Background(), domain.QueueJob{}, &queue.DecomposePayload{TaskID: "task_1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
