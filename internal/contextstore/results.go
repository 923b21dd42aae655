package contextstore

import (
	"encoding/json"
	"fmt"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// StepResult is the output of one workflow step. Every step has exactly one
// variant; apply is that variant's merge into the context.
type StepResult interface {
	Step() int
	apply(c *Context)
}

// Summarizer is implemented by results that can describe themselves in one line
// for the step record.
type Summarizer interface {
	Summary() string
}

type TaskUnderstanding struct {
	Analysis     map[string]any `json:"taskAnalysis"`
	Requirements []string       `json:"requirements"`
}

func (TaskUnderstanding) Step() int { return domain.StepTaskUnderstanding }
func (r TaskUnderstanding) apply(c *Context) {
	c.TaskAnalysis = r.Analysis
	c.Requirements = r.Requirements
}

type ProjectUnderstanding struct {
	ProjectContext map[string]any `json:"projectContext"`
	RelevantFiles  []string       `json:"relevantFiles"`
}

func (ProjectUnderstanding) Step() int { return domain.StepProjectUnderstanding }
func (r ProjectUnderstanding) apply(c *Context) {
	c.ProjectContext = r.ProjectContext
	c.RelevantFiles = r.RelevantFiles
}

type Planning struct {
	Plan     map[string]any `json:"plan"`
	Subtasks []Subtask      `json:"subtasks"`
}

func (Planning) Step() int { return domain.StepPlanning }
func (r Planning) apply(c *Context) {
	c.Plan = r.Plan
	c.Subtasks = r.Subtasks
}

func (r Planning) Summary() string { return fmt.Sprintf("%d subtasks", len(r.Subtasks)) }

type ApproachSelection struct {
	Approach map[string]any `json:"approach"`
}

func (ApproachSelection) Step() int          { return domain.StepApproachSelection }
func (r ApproachSelection) apply(c *Context) { c.Approach = r.Approach }

type CodeGeneration struct {
	Code  string            `json:"code"`
	Files map[string]string `json:"files,omitempty"`
}

func (CodeGeneration) Step() int { return domain.StepCodeGeneration }
func (r CodeGeneration) apply(c *Context) {
	c.GeneratedCode = r.Code
	c.GeneratedFiles = r.Files
}

func (r CodeGeneration) Summary() string { return fmt.Sprintf("%d files generated", len(r.Files)) }

type Refinement struct {
	RefinedCode string `json:"refinedCode"`
}

func (Refinement) Step() int          { return domain.StepRefinement }
func (r Refinement) apply(c *Context) { c.RefinedCode = r.RefinedCode }

type SelfReview struct {
	Review map[string]any `json:"codeReview"`
}

func (SelfReview) Step() int          { return domain.StepSelfReview }
func (r SelfReview) apply(c *Context) { c.CodeReview = r.Review }

type ErrorCorrection struct {
	CorrectedCode string   `json:"correctedCode"`
	FixedIssues   []string `json:"fixedIssues"`
}

func (ErrorCorrection) Step() int { return domain.StepErrorCorrection }
func (r ErrorCorrection) apply(c *Context) {
	c.CorrectedCode = r.CorrectedCode
	c.FixedIssues = r.FixedIssues
}

type TestGeneration struct {
	Tests map[string]string `json:"tests"`
}

func (TestGeneration) Step() int          { return domain.StepTestGeneration }
func (r TestGeneration) apply(c *Context) { c.Tests = r.Tests }

type CodeExecution struct {
	Results map[string]any `json:"executionResults"`
}

func (CodeExecution) Step() int          { return domain.StepCodeExecution }
func (r CodeExecution) apply(c *Context) { c.ExecutionResults = r.Results }

type TestAnalysis struct {
	Analysis map[string]any `json:"testAnalysis"`
}

func (TestAnalysis) Step() int          { return domain.StepTestAnalysis }
func (r TestAnalysis) apply(c *Context) { c.TestAnalysis = r.Analysis }

type Documentation struct {
	Documentation map[string]string `json:"documentation"`
}

func (Documentation) Step() int          { return domain.StepDocumentation }
func (r Documentation) apply(c *Context) { c.Documentation = r.Documentation }

type Learning struct {
	Learnings []string `json:"learnings"`
}

func (Learning) Step() int          { return domain.StepLearning }
func (r Learning) apply(c *Context) { c.Learnings = r.Learnings }

type PRPreparation struct {
	PullRequest PullRequest `json:"pullRequest"`
}

func (PRPreparation) Step() int { return domain.StepPRPreparation }
func (r PRPreparation) apply(c *Context) {
	pr := r.PullRequest
	c.PullRequest = &pr
}

func (r PRPreparation) Summary() string { return "branch " + r.PullRequest.Branch }

type FeedbackIntegration struct {
	Feedback map[string]any `json:"feedback"`
}

func (FeedbackIntegration) Step() int          { return domain.StepFeedbackIntegration }
func (r FeedbackIntegration) apply(c *Context) { c.Feedback = r.Feedback }

type UserInteraction struct {
	Interaction map[string]any `json:"userInteraction"`
}

func (UserInteraction) Step() int          { return domain.StepUserInteraction }
func (r UserInteraction) apply(c *Context) { c.UserInteraction = r.Interaction }

// NewResult returns an empty result of the variant that belongs to step.
func NewResult(step int) (StepResult, error) {
	switch step {
	case domain.StepTaskUnderstanding:
		return &TaskUnderstanding{}, nil
	case domain.StepProjectUnderstanding:
		return &ProjectUnderstanding{}, nil
	case domain.StepPlanning:
		return &Planning{}, nil
	case domain.StepApproachSelection:
		return &ApproachSelection{}, nil
	case domain.StepCodeGeneration:
		return &CodeGeneration{}, nil
	case domain.StepRefinement:
		return &Refinement{}, nil
	case domain.StepSelfReview:
		return &SelfReview{}, nil
	case domain.StepErrorCorrection:
		return &ErrorCorrection{}, nil
	case domain.StepTestGeneration:
		return &TestGeneration{}, nil
	case domain.StepCodeExecution:
		return &CodeExecution{}, nil
	case domain.StepTestAnalysis:
		return &TestAnalysis{}, nil
	case domain.StepDocumentation:
		return &Documentation{}, nil
	case domain.StepLearning:
		return &Learning{}, nil
	case domain.StepPRPreparation:
		return &PRPreparation{}, nil
	case domain.StepFeedbackIntegration:
		return &FeedbackIntegration{}, nil
	case domain.StepUserInteraction:
		return &UserInteraction{}, nil
	}
	return nil, fmt.Errorf("%w: step %d", domain.ErrInvalidArgument, step)
}

// DecodeStepResult decodes a collaborator's JSON body into the variant for step.
func DecodeStepResult(step int, raw json.RawMessage) (StepResult, error) {
	res, err := NewResult(step)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("%w: decode %s result: %v", domain.ErrInvalidArgument, domain.StepName(step), err)
	}
	return res, nil
}
