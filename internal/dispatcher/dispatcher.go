// Package dispatcher polls the job queue and routes claimed jobs to handlers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/events"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

// Handler runs one job. Returned requests are enqueued as follow-up jobs once
// the job is marked completed.
type Handler interface {
	Handle(ctx context.Context, job domain.QueueJob, payload queue.Payload) ([]queue.JobRequest, error)
}

type HandlerFunc func(ctx context.Context, job domain.QueueJob, payload queue.Payload) ([]queue.JobRequest, error)

func (f HandlerFunc) Handle(ctx context.Context, job domain.QueueJob, payload queue.Payload) ([]queue.JobRequest, error) {
	return f(ctx, job, payload)
}

type Options struct {
	PollInterval time.Duration
	Concurrency  int
	JobTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	return o
}

type Dispatcher struct {
	repo     queue.Repository
	events   events.Publisher
	opts     Options
	logger   zerolog.Logger
	handlers map[domain.JobType]Handler
	sem      chan struct{}
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func New(repo queue.Repository, pub events.Publisher, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		repo:     repo,
		events:   pub,
		opts:     opts,
		logger:   log.With().Str("component", "dispatcher").Logger(),
		handlers: make(map[domain.JobType]Handler),
		sem:      make(chan struct{}, opts.Concurrency),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register routes jobs of type t to h. Register before Start.
func (d *Dispatcher) Register(t domain.JobType, h Handler) {
	d.handlers[t] = h
}

// Enqueue adds a job and announces it on the bus.
func (d *Dispatcher) Enqueue(ctx context.Context, req queue.JobRequest) (domain.QueueJob, error) {
	job, err := d.repo.AddTask(ctx, req)
	if err != nil {
		return domain.QueueJob{}, err
	}
	d.publish(events.JobEnqueued, job, "", 0)
	d.logger.Debug().Str("job_id", job.ID).Str("job_type", string(job.Type)).Int("priority", job.Priority).Msg("job enqueued")
	return job, nil
}

// Start launches the polling loop. Starting a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.logger.Warn().Msg("dispatcher already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.loopDone = make(chan struct{})
	go d.loop(ctx, d.loopDone)
	d.logger.Info().Dur("poll_interval", d.opts.PollInterval).Int("concurrency", d.opts.Concurrency).Msg("dispatcher started")
}

// Stop ends the polling loop and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.logger.Warn().Msg("dispatcher not running")
		return
	}
	d.running = false
	d.cancel()
	done := d.loopDone
	d.mu.Unlock()

	<-done
	d.inflight.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Run starts the dispatcher and blocks until ctx is done, then stops it.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Start(ctx)
	<-ctx.Done()
	d.Stop()
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(d.opts.PollInterval)
	defer t.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.poll(ctx)
		}
	}
}

// poll claims jobs until the queue is empty or ctx is done. A slot is taken
// before claiming so no job is held without a worker to run it.
func (d *Dispatcher) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d.sem <- struct{}{}:
		}

		job, err := d.repo.GetNextTask(ctx)
		if err != nil {
			<-d.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("claim job")
			}
			return
		}
		d.publish(events.JobClaimed, job, "", 0)

		d.inflight.Add(1)
		go func(job domain.QueueJob) {
			defer d.inflight.Done()
			defer func() { <-d.sem }()
			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.JobTimeout)
			defer cancel()
			d.process(jobCtx, job)
		}(job)
	}
}

func (d *Dispatcher) process(ctx context.Context, job domain.QueueJob) {
	logger := d.logger.With().Str("job_id", job.ID).Str("job_type", string(job.Type)).Logger()
	started := d.now()

	payload, err := queue.DecodePayload(job.Type, job.Payload)
	if err != nil {
		d.fail(ctx, logger, job, err, started)
		return
	}
	h, ok := d.handlers[job.Type]
	if !ok {
		d.fail(ctx, logger, job, fmt.Errorf("no handler for job type %q", job.Type), started)
		return
	}

	followUps, err := safeHandle(ctx, h, job, payload)
	if err != nil {
		d.fail(ctx, logger, job, err, started)
		return
	}

	if _, err := d.repo.CompleteTask(ctx, job.ID); err != nil {
		logger.Error().Err(err).Msg("mark job completed")
		return
	}
	took := d.now().Sub(started)
	d.publish(events.JobCompleted, job, "", took)
	logger.Info().Dur("duration", took).Int("follow_ups", len(followUps)).Msg("job completed")

	for _, req := range followUps {
		if _, err := d.Enqueue(ctx, req); err != nil {
			logger.Error().Err(err).Str("follow_up_type", string(req.Type)).Msg("enqueue follow-up job")
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, logger zerolog.Logger, job domain.QueueJob, cause error, started time.Time) {
	if _, err := d.repo.FailTask(ctx, job.ID, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("mark job failed")
	}
	took := d.now().Sub(started)
	d.publish(events.JobFailed, job, cause.Error(), took)
	logger.Warn().Err(cause).Dur("duration", took).Msg("job failed")
}

func safeHandle(ctx context.Context, h Handler, job domain.QueueJob, payload queue.Payload) (out []queue.JobRequest, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job, payload)
}

func (d *Dispatcher) publish(t events.Type, job domain.QueueJob, errMsg string, took time.Duration) {
	if d.events == nil {
		return
	}
	d.events.Publish(events.Event{
		Type:     t,
		JobID:    job.ID,
		JobType:  job.Type,
		TaskID:   taskIDOf(job),
		Error:    errMsg,
		Duration: took,
		Time:     d.now(),
	})
}

// taskIDOf best-effort extracts the task a job belongs to.
func taskIDOf(job domain.QueueJob) string {
	p, err := queue.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return ""
	}
	switch v := p.(type) {
	case *queue.DecomposePayload:
		return v.TaskID
	case *queue.GenerateCodePayload:
		return v.TaskID
	case *queue.CommitCodePayload:
		return v.TaskID
	case *queue.AnalyzeProjectPayload:
		return v.TaskID
	}
	return ""
}
