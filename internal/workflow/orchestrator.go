package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/contextstore"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/events"
)

var errInterrupted = errors.New("interrupted by shutdown")

// State is a point-in-time view of a task's workflow.
type State struct {
	TaskID      string                `json:"task_id"`
	Status      domain.TaskStatus     `json:"status"`
	CurrentStep int                   `json:"current_step"`
	StepName    string                `json:"step_name"`
	IsRunning   bool                  `json:"is_running"`
	IsPaused    bool                  `json:"is_paused"`
	IsCompleted bool                  `json:"is_completed"`
	Executing   bool                  `json:"executing"`
	LastError   string                `json:"last_error,omitempty"`
	Context     *contextstore.Context `json:"context,omitempty"`
}

// Orchestrator drives one task through the sixteen steps. At most one run
// loop exists per orchestrator; pause and cancel take effect at the next
// step boundary.
type Orchestrator struct {
	sup    *Supervisor
	logger zerolog.Logger

	mu      sync.Mutex
	task    domain.Task
	running bool
	until   int
	done    chan struct{}
	lastErr error
	evicted bool
}

func newOrchestrator(sup *Supervisor, task domain.Task) *Orchestrator {
	return &Orchestrator{
		sup:    sup,
		task:   task,
		logger: sup.logger.With().Str("task_id", task.ID).Logger(),
	}
}

func (o *Orchestrator) TaskID() string { return o.task.ID }

// Start begins execution at fromStep, or at the persisted current step when
// fromStep is 0. Pending and paused tasks can be started.
func (o *Orchestrator) Start(ctx context.Context, fromStep int) error {
	_, err := o.start(ctx, fromStep, domain.LastStep)
	return err
}

// RunThrough executes from fromStep up to and including lastStep, then
// pauses the task. It blocks until the run ends or ctx is done.
func (o *Orchestrator) RunThrough(ctx context.Context, fromStep, lastStep int) error {
	if !domain.ValidStep(lastStep) || (fromStep != 0 && lastStep < fromStep) {
		return fmt.Errorf("%w: cannot run steps %d..%d", domain.ErrInvalidArgument, fromStep, lastStep)
	}
	done, err := o.start(ctx, fromStep, lastStep)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.task.Status {
	case domain.TaskFailed:
		return o.lastErr
	case domain.TaskCancelled:
		return fmt.Errorf("%w: task %s was cancelled", domain.ErrConflict, o.task.ID)
	}
	if o.lastErr != nil {
		return o.lastErr
	}
	if o.task.Status == domain.TaskPaused && o.task.CurrentStep <= lastStep {
		return fmt.Errorf("%w: task %s was paused at step %d before reaching step %d", domain.ErrConflict, o.task.ID, o.task.CurrentStep, lastStep)
	}
	return nil
}

func (o *Orchestrator) start(ctx context.Context, fromStep, until int) (<-chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkLive(); err != nil {
		return nil, err
	}

	switch o.task.Status {
	case domain.TaskPending, domain.TaskPaused:
	case domain.TaskInProgress:
		return nil, fmt.Errorf("%w: task %s is already running", domain.ErrConflict, o.task.ID)
	default:
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrConflict, o.task.ID, o.task.Status)
	}
	if fromStep != 0 && !domain.ValidStep(fromStep) {
		return nil, fmt.Errorf("%w: step %d", domain.ErrInvalidArgument, fromStep)
	}
	if o.running {
		return nil, fmt.Errorf("%w: task %s is still finishing step %d", domain.ErrConflict, o.task.ID, o.task.CurrentStep)
	}
	if fromStep != 0 && until < fromStep {
		return nil, fmt.Errorf("%w: cannot run steps %d..%d", domain.ErrInvalidArgument, fromStep, until)
	}
	if err := o.sup.acquire(ctx, o.task.ID); err != nil {
		return nil, err
	}

	step := o.task.CurrentStep
	if fromStep != 0 {
		step = fromStep
	}
	if !domain.ValidStep(step) {
		step = domain.FirstStep
	}
	if step != o.task.CurrentStep {
		o.recordTransition(ctx, o.task.CurrentStep, step, domain.TriggerManual)
	}
	o.task.CurrentStep = step
	o.task.Status = domain.TaskInProgress
	o.lastErr = nil
	o.persistState(ctx)
	o.emit(events.Started, step, "")
	o.logger.Info().Int("step", step).Int("until", until).Msg("workflow started")

	return o.launch(until), nil
}

// launch starts the run loop. Callers hold o.mu.
func (o *Orchestrator) launch(until int) <-chan struct{} {
	o.running = true
	o.until = until
	o.done = make(chan struct{})
	o.sup.loops.Add(1)
	go o.loop(o.done)
	return o.done
}

// Pause stops the run after the step currently executing.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkLive(); err != nil {
		return err
	}
	if o.task.Status != domain.TaskInProgress {
		return fmt.Errorf("%w: task %s is %s, not in_progress", domain.ErrConflict, o.task.ID, o.task.Status)
	}
	o.task.Status = domain.TaskPaused
	o.persistState(ctx)
	o.emit(events.Paused, o.task.CurrentStep, "")
	o.logger.Info().Int("step", o.task.CurrentStep).Msg("workflow paused")
	return nil
}

// Resume continues a paused task through to the last step. If the previous
// loop is still finishing a step, that loop carries on.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkLive(); err != nil {
		return err
	}
	if o.task.Status != domain.TaskPaused {
		return fmt.Errorf("%w: task %s is %s, not paused", domain.ErrConflict, o.task.ID, o.task.Status)
	}
	if !o.running {
		if err := o.sup.acquire(ctx, o.task.ID); err != nil {
			return err
		}
	}
	o.task.Status = domain.TaskInProgress
	o.lastErr = nil
	o.persistState(ctx)
	o.emit(events.Resumed, o.task.CurrentStep, "")
	o.logger.Info().Int("step", o.task.CurrentStep).Msg("workflow resumed")
	if o.running {
		o.until = domain.LastStep
		return nil
	}
	o.launch(domain.LastStep)
	return nil
}

// Cancel ends the task. Cancelling a task that already finished is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.task.Status.Terminal() {
		o.mu.Unlock()
		o.logger.Debug().Str("status", string(o.task.Status)).Msg("cancel ignored")
		return nil
	}
	if err := o.checkLive(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.task.Status = domain.TaskCancelled
	o.persistState(ctx)
	o.emit(events.Cancelled, o.task.CurrentStep, "")
	o.logger.Info().Int("step", o.task.CurrentStep).Msg("workflow cancelled")
	running := o.running
	o.mu.Unlock()

	if !running {
		o.sup.release(o)
	}
	return nil
}

// GoToStep moves the task's position without running anything. A failed
// task returns to pending so it can be started again from the new step.
func (o *Orchestrator) GoToStep(ctx context.Context, step int, reason string) error {
	if !domain.ValidStep(step) {
		return fmt.Errorf("%w: step %d", domain.ErrInvalidArgument, step)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkLive(); err != nil {
		return err
	}
	switch {
	case o.task.Status == domain.TaskCompleted || o.task.Status == domain.TaskCancelled:
		return fmt.Errorf("%w: task %s is %s", domain.ErrConflict, o.task.ID, o.task.Status)
	case o.running:
		return fmt.Errorf("%w: task %s is executing step %d", domain.ErrConflict, o.task.ID, o.task.CurrentStep)
	}
	if reason == "" {
		reason = domain.TriggerManual
	}
	o.recordTransition(ctx, o.task.CurrentStep, step, reason)
	o.task.CurrentStep = step
	if o.task.Status == domain.TaskFailed {
		o.task.Status = domain.TaskPending
		o.lastErr = nil
	}
	o.persistState(ctx)
	o.logger.Info().Int("step", step).Str("reason", reason).Msg("moved to step")
	return nil
}

// State reports the task's status, position and context.
func (o *Orchestrator) State(ctx context.Context) (State, error) {
	o.mu.Lock()
	st := State{
		TaskID:      o.task.ID,
		Status:      o.task.Status,
		CurrentStep: o.task.CurrentStep,
		StepName:    domain.StepName(o.task.CurrentStep),
		IsRunning:   o.task.Status == domain.TaskInProgress,
		IsPaused:    o.task.Status == domain.TaskPaused,
		IsCompleted: o.task.Status == domain.TaskCompleted,
		Executing:   o.running,
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	o.mu.Unlock()

	c, err := o.sup.contexts.Get(ctx, st.TaskID)
	if err != nil {
		return State{}, err
	}
	st.Context = c
	return st, nil
}

// Done is closed when the current run loop exits. With no loop running the
// returned channel is already closed.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.done
}

func (o *Orchestrator) loop(done chan struct{}) {
	ctx := o.sup.ctx
	defer o.sup.loops.Done()
	defer func() {
		o.mu.Lock()
		o.running = false
		terminal := o.task.Status.Terminal()
		o.mu.Unlock()

		o.sup.releaseLease(o.task.ID)
		if terminal {
			o.sup.release(o)
		}
		close(done)
	}()

	for {
		o.mu.Lock()
		if o.task.Status != domain.TaskInProgress {
			o.mu.Unlock()
			return
		}
		step := o.task.CurrentStep
		if ctx.Err() != nil {
			o.interrupt(step)
			o.mu.Unlock()
			return
		}
		if step > o.until {
			o.task.Status = domain.TaskPaused
			o.persistState(ctx)
			o.emit(events.Paused, step, "")
			o.logger.Info().Int("step", step).Msg("run bound reached, workflow paused")
			o.mu.Unlock()
			return
		}
		task := o.task
		o.mu.Unlock()

		if !o.sup.renew(ctx, task.ID) {
			o.mu.Lock()
			if o.task.Status == domain.TaskInProgress {
				o.task.Status = domain.TaskPaused
				o.persistState(ctx)
				o.emit(events.Paused, step, "lease lost")
				o.logger.Warn().Int("step", step).Msg("execution lease lost, workflow paused")
			}
			o.mu.Unlock()
			return
		}

		began := o.sup.now()
		err := o.runStep(ctx, task, step)
		took := o.sup.now().Sub(began)

		o.mu.Lock()
		if err != nil {
			if ctx.Err() != nil {
				if o.task.Status == domain.TaskInProgress {
					o.interrupt(step)
				}
				o.mu.Unlock()
				return
			}
			o.lastErr = err
			o.logger.Error().Err(err).Int("step", step).Msg("workflow step failed")
			if o.task.Status != domain.TaskCancelled {
				o.task.Status = domain.TaskFailed
				o.persistState(ctx)
				o.emit(events.Failed, step, err.Error())
			}
			o.mu.Unlock()
			return
		}

		if o.task.Status.Terminal() {
			o.logger.Info().Int("step", step).Str("status", string(o.task.Status)).Msg("step finished after task ended, position kept")
			o.mu.Unlock()
			return
		}
		o.sup.events.Publish(events.Event{Type: events.StepCompleted, TaskID: o.task.ID, Step: step, Duration: took, Time: o.sup.now()})
		if step == domain.LastStep {
			if o.task.Status == domain.TaskInProgress {
				o.task.Status = domain.TaskCompleted
				o.persistState(ctx)
				o.emit(events.Completed, step, "")
				o.logger.Info().Msg("workflow completed")
			}
			o.mu.Unlock()
			return
		}
		o.recordTransition(ctx, step, step+1, domain.TriggerAuto)
		o.task.CurrentStep = step + 1
		o.persistState(ctx)
		o.mu.Unlock()
	}
}

// interrupt parks a task whose run was cut short by shutdown. Callers hold o.mu.
func (o *Orchestrator) interrupt(step int) {
	o.task.Status = domain.TaskPaused
	o.lastErr = errInterrupted
	o.persistState(o.sup.ctx)
	o.emit(events.Paused, step, errInterrupted.Error())
	o.logger.Warn().Int("step", step).Msg("workflow interrupted by shutdown, task paused")
}

func (o *Orchestrator) runStep(ctx context.Context, task domain.Task, step int) error {
	started := o.sup.now()
	o.saveStep(domain.StepStatus{TaskID: task.ID, Step: step, Status: domain.StepRunning, StartedAt: started})
	o.logger.Debug().Int("step", step).Str("step_name", domain.StepName(step)).Msg("step started")

	summary, err := o.execute(ctx, task, step)
	finished := o.sup.now()
	st := domain.StepStatus{TaskID: task.ID, Step: step, StartedAt: started, FinishedAt: &finished}
	if err != nil {
		if ctx.Err() != nil {
			err = errInterrupted
		}
		st.Status = domain.StepFailed
		st.Error = err.Error()
		o.saveStep(st)
		return &domain.StepExecutionError{Step: step, Err: err}
	}
	st.Status = domain.StepCompleted
	st.Summary = summary
	o.saveStep(st)
	o.logger.Debug().Int("step", step).Dur("duration", finished.Sub(started)).Msg("step completed")
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, task domain.Task, step int) (summary string, err error) {
	h, ok := o.sup.steps.Handler(step)
	if !ok {
		return "", errors.New("no handler registered")
	}
	c, err := o.sup.contexts.Get(ctx, task.ID)
	if err != nil {
		return "", err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	res, err := h.Execute(ctx, task, c)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errors.New("handler returned no result")
	}
	if _, err := o.sup.contexts.Update(ctx, task.ID, step, res); err != nil {
		return "", err
	}
	if s, ok := res.(contextstore.Summarizer); ok {
		summary = s.Summary()
	}
	return summary, nil
}

// persistState writes status and current step. Callers hold o.mu.
func (o *Orchestrator) persistState(ctx context.Context) {
	ctx, cancel := o.sup.writeContext(ctx)
	defer cancel()
	if err := o.sup.repo.UpdateTaskState(ctx, o.task.ID, o.task.Status, o.task.CurrentStep); err != nil {
		o.logger.Warn().Err(&domain.PersistenceError{Op: "task state", Err: err}).
			Str("status", string(o.task.Status)).Int("step", o.task.CurrentStep).Msg("state kept in memory only")
	}
}

func (o *Orchestrator) recordTransition(ctx context.Context, from, to int, trigger string) {
	ctx, cancel := o.sup.writeContext(ctx)
	defer cancel()
	tr := domain.Transition{TaskID: o.task.ID, FromStep: from, ToStep: to, Trigger: trigger, CreatedAt: o.sup.now()}
	if _, err := o.sup.repo.AppendTransition(ctx, tr); err != nil {
		o.logger.Warn().Err(&domain.PersistenceError{Op: "transition", Err: err}).
			Int("from_step", from).Int("to_step", to).Msg("transition not recorded")
	}
}

func (o *Orchestrator) saveStep(st domain.StepStatus) {
	ctx, cancel := o.sup.writeContext(context.Background())
	defer cancel()
	if err := o.sup.repo.UpsertStepStatus(ctx, st); err != nil {
		o.logger.Warn().Err(&domain.PersistenceError{Op: "step status", Err: err}).
			Int("step", st.Step).Str("status", string(st.Status)).Msg("step status not recorded")
	}
}

func (o *Orchestrator) emit(t events.Type, step int, errMsg string) {
	o.sup.events.Publish(events.Event{Type: t, TaskID: o.task.ID, Step: step, Error: errMsg, Time: o.sup.now()})
}

// checkLive refuses control calls on an orchestrator the supervisor has
// dropped; a fresh one may own the task. Callers hold o.mu.
func (o *Orchestrator) checkLive() error {
	if o.evicted {
		return fmt.Errorf("%w: stale handle for task %s, fetch it again", domain.ErrConflict, o.task.ID)
	}
	return nil
}

// idle reports whether nothing is executing for this task.
func (o *Orchestrator) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.running
}

func (o *Orchestrator) status() domain.TaskStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.task.Status
}
