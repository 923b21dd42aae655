package contextstore

import (
	"encoding/json"
	"time"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// TaskInfo is the copy of the task's own fields kept inside the document.
type TaskInfo struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
}

type Subtask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

type PullRequest struct {
	Branch      string `json:"branch"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Number      int    `json:"number,omitempty"`
}

// Context is everything the steps of one task have learned or produced so far.
// Its JSON form is what gets persisted and what GetPart walks.
type Context struct {
	Task TaskInfo `json:"task"`

	TaskAnalysis     map[string]any    `json:"taskAnalysis,omitempty"`
	Requirements     []string          `json:"requirements,omitempty"`
	ProjectContext   map[string]any    `json:"projectContext,omitempty"`
	RelevantFiles    []string          `json:"relevantFiles,omitempty"`
	Plan             map[string]any    `json:"plan,omitempty"`
	Subtasks         []Subtask         `json:"subtasks,omitempty"`
	Approach         map[string]any    `json:"approach,omitempty"`
	GeneratedCode    string            `json:"generatedCode,omitempty"`
	GeneratedFiles   map[string]string `json:"generatedFiles,omitempty"`
	RefinedCode      string            `json:"refinedCode,omitempty"`
	CodeReview       map[string]any    `json:"codeReview,omitempty"`
	CorrectedCode    string            `json:"correctedCode,omitempty"`
	FixedIssues      []string          `json:"fixedIssues,omitempty"`
	Tests            map[string]string `json:"tests,omitempty"`
	ExecutionResults map[string]any    `json:"executionResults,omitempty"`
	TestAnalysis     map[string]any    `json:"testAnalysis,omitempty"`
	Documentation    map[string]string `json:"documentation,omitempty"`
	Learnings        []string          `json:"learnings,omitempty"`
	PullRequest      *PullRequest      `json:"pullRequest,omitempty"`
	Feedback         map[string]any    `json:"feedback,omitempty"`
	UserInteraction  map[string]any    `json:"userInteraction,omitempty"`

	// Artifacts maps artifact type to artifact path to content.
	Artifacts map[string]map[string]string `json:"artifacts,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newContext(task domain.Task) *Context {
	return &Context{
		Task: TaskInfo{
			ID:          task.ID,
			ProjectID:   task.ProjectID,
			UserID:      task.UserID,
			Title:       task.Title,
			Description: task.Description,
			Priority:    task.Priority,
		},
		UpdatedAt: task.UpdatedAt,
	}
}

// clone returns a deep copy through the document's JSON form, so callers never
// share maps with the cached entry.
func (c *Context) clone() *Context {
	raw, err := json.Marshal(c)
	if err != nil {
		return &Context{Task: c.Task, Version: c.Version, UpdatedAt: c.UpdatedAt}
	}
	out := &Context{}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Context{Task: c.Task, Version: c.Version, UpdatedAt: c.UpdatedAt}
	}
	return out
}
