package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// Payload is the decoded, validated body of a QueueJob. There is one
// implementation per job type.
type Payload interface {
	JobType() domain.JobType
	Validate() error
}

type DecomposePayload struct {
	TaskID string `json:"task_id"`
}

func (DecomposePayload) JobType() domain.JobType { return domain.JobDecompose }

func (p DecomposePayload) Validate() error {
	if strings.TrimSpace(p.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	return nil
}

type GenerateCodePayload struct {
	TaskID       string   `json:"task_id"`
	SubtaskID    string   `json:"subtask_id,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Language     string   `json:"language,omitempty"`
	TargetFiles  []string `json:"target_files,omitempty"`
	Branch       string   `json:"branch,omitempty"`
}

func (GenerateCodePayload) JobType() domain.JobType { return domain.JobGenerateCode }

func (p GenerateCodePayload) Validate() error {
	if strings.TrimSpace(p.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if p.Branch != "" {
		return domain.ValidateBranchName(p.Branch)
	}
	return nil
}

// CommitCodePayload commits into the configured repository; jobs cannot
// choose the working tree.
type CommitCodePayload struct {
	TaskID  string            `json:"task_id"`
	Branch  string            `json:"branch"`
	Message string            `json:"message"`
	Files   map[string]string `json:"files"`
}

func (CommitCodePayload) JobType() domain.JobType { return domain.JobCommitCode }

func (p CommitCodePayload) Validate() error {
	switch {
	case strings.TrimSpace(p.TaskID) == "":
		return fmt.Errorf("task_id is required")
	case len(p.Files) == 0:
		return fmt.Errorf("files must not be empty")
	}
	return domain.ValidateBranchName(p.Branch)
}

type AnalyzeProjectPayload struct {
	ProjectID string   `json:"project_id"`
	Path      string   `json:"path"`
	TaskID    string   `json:"task_id,omitempty"`
	Include   []string `json:"include,omitempty"`
}

func (AnalyzeProjectPayload) JobType() domain.JobType { return domain.JobAnalyzeProject }

func (p AnalyzeProjectPayload) Validate() error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// DecodePayload turns a stored payload into its typed form. Unknown types,
// malformed JSON and failed validation all wrap domain.ErrInvalidArgument.
func DecodePayload(t domain.JobType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case domain.JobDecompose:
		p = &DecomposePayload{}
	case domain.JobGenerateCode:
		p = &GenerateCodePayload{}
	case domain.JobCommitCode:
		p = &CommitCodePayload{}
	case domain.JobAnalyzeProject:
		p = &AnalyzeProjectPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, t)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidArgument, t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidArgument, t, err)
	}
	return p, nil
}

// NewRequest marshals a typed payload into a JobRequest.
func NewRequest(p Payload, priority int) (JobRequest, error) {
	if err := p.Validate(); err != nil {
		return JobRequest{}, fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidArgument, p.JobType(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return JobRequest{}, err
	}
	return JobRequest{Type: p.JobType(), Payload: raw, Priority: priority}, nil
}
