package domain

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Priority    int        `json:"priority"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CurrentStep int        `json:"current_step"`
	Context     []byte     `json:"-"` // persisted context document (JSON)
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
)

type StepStatus struct {
	TaskID     string     `json:"task_id"`
	Step       int        `json:"step"`
	Status     StepState  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
}

const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

type Transition struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	FromStep  int       `json:"from_step"`
	ToStep    int       `json:"to_step"`
	Trigger   string    `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
}

type JobType string

const (
	JobDecompose      JobType = "decompose"
	JobGenerateCode   JobType = "generate-code"
	JobCommitCode     JobType = "commit-code"
	JobAnalyzeProject JobType = "analyze-project"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

const (
	DefaultJobPriority = 5
	MinJobPriority     = 1
	MaxJobPriority     = 10
)

type QueueJob struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Payload     []byte     `json:"payload"`
	Priority    int        `json:"priority"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	JobType   JobType    `json:"job_type"`
	Payload   []byte     `json:"payload"`
	Priority  int        `json:"priority"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
