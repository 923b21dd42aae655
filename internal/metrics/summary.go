package metrics

import (
	"time"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// StepTiming is how long one step took.
type StepTiming struct {
	Step     int           `json:"step"`
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// TaskSummary aggregates a task's step records.
type TaskSummary struct {
	StepsCompleted int           `json:"steps_completed"`
	StepsFailed    int           `json:"steps_failed"`
	StepsRunning   int           `json:"steps_running"`
	TotalDuration  time.Duration `json:"total_duration"`
	SlowestStep    int           `json:"slowest_step,omitempty"`
	Steps          []StepTiming  `json:"steps"`
}

// Summarize computes per-task execution metrics from step records. Running
// steps have no duration yet.
func Summarize(steps []domain.StepStatus) TaskSummary {
	sum := TaskSummary{Steps: make([]StepTiming, 0, len(steps))}
	var slowest time.Duration
	for _, st := range steps {
		var took time.Duration
		if st.FinishedAt != nil {
			took = st.FinishedAt.Sub(st.StartedAt)
		}
		switch st.Status {
		case domain.StepCompleted:
			sum.StepsCompleted++
		case domain.StepFailed:
			sum.StepsFailed++
		case domain.StepRunning:
			sum.StepsRunning++
		}
		sum.TotalDuration += took
		if took > slowest {
			slowest = took
			sum.SlowestStep = st.Step
		}
		sum.Steps = append(sum.Steps, StepTiming{Step: st.Step, Name: domain.StepName(st.Step), Status: string(st.Status), Duration: took})
	}
	return sum
}
