// Package contextstore keeps the per-task context document: a process-wide
// cache in front of durable storage, merged step by step as the workflow runs.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

// Repository is the durable side of the store.
type Repository interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	SaveContext(ctx context.Context, taskID string, version int64, doc []byte) error
}

type entry struct {
	mu      sync.Mutex
	doc     *Context
	pending sync.WaitGroup
}

type Store struct {
	repo           Repository
	persistTimeout time.Duration
	now            func() time.Time
	logger         zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	inflight sync.WaitGroup
}

func New(repo Repository) *Store {
	return &Store{
		repo:           repo,
		persistTimeout: 10 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         log.With().Str("component", "contextstore").Logger(),
		entries:        make(map[string]*entry),
	}
}

func (s *Store) entry(taskID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		e = &entry{}
		s.entries[taskID] = e
	}
	return e
}

// drop removes an entry that never got loaded.
func (s *Store) drop(taskID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[taskID]; ok && cur == e && e.doc == nil {
		delete(s.entries, taskID)
	}
}

// Initialize builds the context for task from its fields and any previously
// persisted document. A task that is already cached is returned as is.
func (s *Store) Initialize(ctx context.Context, task domain.Task) (*Context, error) {
	e := s.entry(task.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil {
		doc, err := build(task)
		if err != nil {
			return nil, err
		}
		e.doc = doc
	}
	return e.doc.clone(), nil
}

func build(task domain.Task) (*Context, error) {
	doc := newContext(task)
	if len(task.Context) > 0 {
		if err := json.Unmarshal(task.Context, doc); err != nil {
			return nil, fmt.Errorf("decode persisted context for %s: %w", task.ID, err)
		}
		// The task row is authoritative for its own fields.
		doc.Task = newContext(task).Task
	}
	return doc, nil
}

// load fills e from durable storage. Callers hold e.mu.
func (s *Store) load(ctx context.Context, taskID string, e *entry) error {
	if e.doc != nil {
		return nil
	}
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	doc, err := build(task)
	if err != nil {
		return err
	}
	e.doc = doc
	return nil
}

// Get returns the cached context, reloading it from storage when absent.
func (s *Store) Get(ctx context.Context, taskID string) (*Context, error) {
	e := s.entry(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, taskID, e); err != nil {
		s.drop(taskID, e)
		return nil, err
	}
	return e.doc.clone(), nil
}

// Update merges a step result into the task's context. Steps outside the
// workflow range and nil results leave the context untouched.
func (s *Store) Update(ctx context.Context, taskID string, step int, result StepResult) (*Context, error) {
	e := s.entry(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, taskID, e); err != nil {
		s.drop(taskID, e)
		return nil, err
	}

	if !domain.ValidStep(step) || result == nil {
		s.logger.Warn().Str("task_id", taskID).Int("step", step).Msg("no context merge for step")
		return e.doc.clone(), nil
	}
	if result.Step() != step {
		return nil, fmt.Errorf("%w: %T belongs to step %d, not %d", domain.ErrInvalidArgument, result, result.Step(), step)
	}

	result.apply(e.doc)
	s.commit(taskID, e)
	return e.doc.clone(), nil
}

// SaveArtifact records content under artifacts[artifactType][artifactPath].
func (s *Store) SaveArtifact(ctx context.Context, taskID, artifactType, artifactPath, content string) (*Context, error) {
	if artifactType == "" || artifactPath == "" {
		return nil, fmt.Errorf("%w: artifact type and path are required", domain.ErrInvalidArgument)
	}
	e := s.entry(taskID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, taskID, e); err != nil {
		s.drop(taskID, e)
		return nil, err
	}

	if e.doc.Artifacts == nil {
		e.doc.Artifacts = make(map[string]map[string]string)
	}
	byPath, ok := e.doc.Artifacts[artifactType]
	if !ok {
		byPath = make(map[string]string)
		e.doc.Artifacts[artifactType] = byPath
	}
	byPath[artifactPath] = content
	s.commit(taskID, e)
	return e.doc.clone(), nil
}

// GetPart looks up a dotted path such as "pullRequest.branch" or
// "subtasks.0.title". A missing segment yields nil, not an error.
func (s *Store) GetPart(ctx context.Context, taskID, path string) (any, error) {
	doc, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return lookup(doc, path), nil
}

// Evict drops a task from the cache once its pending writes have landed.
// The next read reloads it.
func (s *Store) Evict(taskID string) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.pending.Wait()
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[taskID]; ok && cur == e {
		delete(s.entries, taskID)
	}
}

// Wait blocks until every in-flight persist has finished.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// commit bumps the version and persists a snapshot in the background.
// Callers hold e.mu.
func (s *Store) commit(taskID string, e *entry) {
	e.doc.Version++
	e.doc.UpdatedAt = s.now()
	raw, err := json.Marshal(e.doc)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("encode context")
		return
	}
	version := e.doc.Version

	s.inflight.Add(1)
	e.pending.Add(1)
	go func() {
		defer s.inflight.Done()
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if err := s.repo.SaveContext(ctx, taskID, version, raw); err != nil {
			perr := &domain.PersistenceError{Op: "context", Err: err}
			s.logger.Warn().Err(perr).Str("task_id", taskID).Int64("version", version).Msg("context kept in memory only")
		}
	}()
}
