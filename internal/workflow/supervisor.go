// Package workflow runs tasks through the sixteen-step pipeline. A
// Supervisor hands out one Orchestrator per task and owns their run loops.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/events"
)

const (
	DefaultMaxLive  = 256
	DefaultLeaseTTL = 2 * time.Minute
)

type Option func(*Supervisor)

// WithLeaser makes execution exclusive across processes sharing the store.
func WithLeaser(l Leaser, owner string, ttl time.Duration) Option {
	return func(s *Supervisor) {
		s.leaser = l
		s.owner = owner
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithMaxLive bounds how many orchestrators are kept in memory.
func WithMaxLive(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxLive = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

type Supervisor struct {
	repo     Repository
	contexts ContextStore
	steps    *Steps
	events   events.Publisher
	leaser   Leaser
	owner    string
	leaseTTL time.Duration
	maxLive  int
	now      func() time.Time
	logger   zerolog.Logger

	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu   sync.Mutex
	live map[string]*Orchestrator
}

func NewSupervisor(repo Repository, contexts ContextStore, steps *Steps, pub events.Publisher, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		repo:         repo,
		contexts:     contexts,
		steps:        steps,
		events:       pub,
		leaseTTL:     DefaultLeaseTTL,
		maxLive:      DefaultMaxLive,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       log.With().Str("component", "workflow").Logger(),
		writeTimeout: 10 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		live:         make(map[string]*Orchestrator),
	}
	for _, opt := range opts {
		opt(s)
	}
	if missing := steps.Missing(); len(missing) > 0 {
		s.logger.Warn().Ints("steps", missing).Msg("steps without a handler will fail when reached")
	}
	return s
}

// For returns the task's orchestrator, loading it on first use.
func (s *Supervisor) For(ctx context.Context, taskID string) (*Orchestrator, error) {
	s.mu.Lock()
	if o, ok := s.live[taskID]; ok {
		s.mu.Unlock()
		return o, nil
	}
	s.mu.Unlock()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := s.contexts.Initialize(ctx, task); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.live[taskID]; ok {
		return o, nil
	}
	if len(s.live) >= s.maxLive {
		s.evictIdle()
	}
	if len(s.live) >= s.maxLive {
		return nil, fmt.Errorf("%w: %d workflows already executing", domain.ErrConflict, len(s.live))
	}
	o := newOrchestrator(s, task)
	s.live[taskID] = o
	return o, nil
}

// evictIdle forgets orchestrators with no run loop and marks them stale so
// handles still held by callers cannot start a second loop. Callers hold s.mu.
func (s *Supervisor) evictIdle() {
	for id, o := range s.live {
		o.mu.Lock()
		if !o.running {
			o.evicted = true
			delete(s.live, id)
		}
		o.mu.Unlock()
	}
}

// release forgets a finished orchestrator and its cached context.
func (s *Supervisor) release(o *Orchestrator) {
	if !o.idle() || !o.status().Terminal() {
		return
	}
	s.mu.Lock()
	if cur, ok := s.live[o.task.ID]; ok && cur == o {
		delete(s.live, o.task.ID)
		o.mu.Lock()
		o.evicted = true
		o.mu.Unlock()
	}
	s.mu.Unlock()
	s.contexts.Evict(o.task.ID)
}

// Live reports how many orchestrators are held in memory.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// RecoverInterrupted pauses tasks left in_progress by a process that died.
// With a leaser, tasks whose lease is still held elsewhere are skipped.
func (s *Supervisor) RecoverInterrupted(ctx context.Context) (int, error) {
	tasks, err := s.repo.ListTasksByStatus(ctx, domain.TaskInProgress)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		s.mu.Lock()
		_, live := s.live[t.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		if s.leaser != nil {
			ok, err := s.leaser.AcquireLease(ctx, t.ID, s.owner, s.leaseTTL)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
		}
		if err := s.repo.UpdateTaskState(ctx, t.ID, domain.TaskPaused, t.CurrentStep); err != nil {
			return n, err
		}
		s.releaseLease(t.ID)
		s.events.Publish(events.Event{Type: events.Paused, TaskID: t.ID, Step: t.CurrentStep, Error: errInterrupted.Error(), Time: s.now()})
		s.logger.Info().Str("task_id", t.ID).Int("step", t.CurrentStep).Msg("recovered interrupted task as paused")
		n++
	}
	return n, nil
}

// Shutdown stops every run loop at its next step boundary, pausing the tasks
// it interrupts, and waits for the loops to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HistoryEntry is one row of a task's audit trail.
type HistoryEntry struct {
	Kind       string             `json:"kind"`
	Time       time.Time          `json:"time"`
	Step       *domain.StepStatus `json:"step,omitempty"`
	Transition *domain.Transition `json:"transition,omitempty"`
}

const (
	HistoryStep       = "step"
	HistoryTransition = "transition"
)

// History merges step records and transitions in time order.
func (s *Supervisor) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	steps, err := s.repo.ListStepStatuses(ctx, taskID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.repo.ListTransitions(ctx, taskID)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryEntry, 0, len(steps)+len(transitions))
	for i := range steps {
		out = append(out, HistoryEntry{Kind: HistoryStep, Time: steps[i].StartedAt, Step: &steps[i]})
	}
	for i := range transitions {
		out = append(out, HistoryEntry{Kind: HistoryTransition, Time: transitions[i].CreatedAt, Transition: &transitions[i]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Supervisor) acquire(ctx context.Context, taskID string) error {
	if s.leaser == nil {
		return nil
	}
	ok, err := s.leaser.AcquireLease(ctx, taskID, s.owner, s.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: task %s is executing in another process", domain.ErrConflict, taskID)
	}
	return nil
}

// renew extends the lease before each step. False means another owner took it.
func (s *Supervisor) renew(ctx context.Context, taskID string) bool {
	if s.leaser == nil {
		return true
	}
	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	ok, err := s.leaser.AcquireLease(ctx, taskID, s.owner, s.leaseTTL)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("lease renewal failed, continuing")
		return true
	}
	return ok
}

func (s *Supervisor) releaseLease(taskID string) {
	if s.leaser == nil {
		return
	}
	ctx, cancel := s.writeContext(context.Background())
	defer cancel()
	if err := s.leaser.ReleaseLease(ctx, taskID, s.owner); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("lease release failed")
	}
}

// writeContext bounds a durable write and keeps it alive past shutdown.
func (s *Supervisor) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
}
