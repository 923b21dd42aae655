package domain

import "fmt"

const (
	FirstStep = 1
	LastStep  = 16
)

const (
	StepTaskUnderstanding = iota + 1
	StepProjectUnderstanding
	StepPlanning
	StepApproachSelection
	StepCodeGeneration
	StepRefinement
	StepSelfReview
	StepErrorCorrection
	StepTestGeneration
	StepCodeExecution
	StepTestAnalysis
	StepDocumentation
	StepLearning
	StepPRPreparation
	StepFeedbackIntegration
	StepUserInteraction
)

var stepNames = [LastStep + 1]string{
	"",
	"task-understanding",
	"project-understanding",
	"planning",
	"approach-selection",
	"code-generation",
	"refinement",
	"self-review",
	"error-correction",
	"test-generation",
	"code-execution",
	"test-analysis",
	"documentation",
	"learning",
	"pr-preparation",
	"feedback-integration",
	"user-interaction",
}

func ValidStep(step int) bool { return step >= FirstStep && step <= LastStep }

// StepName returns the slug for a step, or "step-N" when out of range.
func StepName(step int) string {
	if !ValidStep(step) {
		return fmt.Sprintf("step-%d", step)
	}
	return stepNames[step]
}
