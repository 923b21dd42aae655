// Package metrics exposes workflow and queue activity to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/events"
	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/queue"
)

const namespace = "devflow"

// StatsSource reports queue depth by status and type.
type StatsSource interface {
	GetQueueStats(ctx context.Context) (queue.Stats, error)
}

type Collector struct {
	workflowEvents *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	jobEvents      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	queueByStatus  *prometheus.GaugeVec
	queueByType    *prometheus.GaugeVec
	dropped        prometheus.Gauge

	logger zerolog.Logger
}

// NewCollector registers the collector's metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		workflowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_total",
			Help:      "Workflow lifecycle events by type.",
		}, []string{"type"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of completed workflow steps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"step"}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_job_events_total",
			Help:      "Queue job events by type and job type.",
		}, []string{"type", "job_type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_duration_seconds",
			Help:      "Duration of finished queue jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"job_type", "outcome"}),
		queueByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs_by_status",
			Help:      "Jobs in the queue by status.",
		}, []string{"status"}),
		queueByType: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs_by_type",
			Help:      "Jobs in the queue by job type.",
		}, []string{"job_type"}),
		dropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metrics_events_dropped",
			Help:      "Events the metrics subscriber could not keep up with.",
		}),
		logger: log.With().Str("component", "metrics").Logger(),
	}
	reg.MustRegister(c.workflowEvents, c.stepDuration, c.jobEvents, c.jobDuration, c.queueByStatus, c.queueByType, c.dropped)
	return c
}

// Observe records one event.
func (c *Collector) Observe(e events.Event) {
	switch e.Type {
	case events.JobEnqueued, events.JobClaimed:
		c.jobEvents.WithLabelValues(string(e.Type), string(e.JobType)).Inc()
	case events.JobCompleted, events.JobFailed:
		c.jobEvents.WithLabelValues(string(e.Type), string(e.JobType)).Inc()
		outcome := "completed"
		if e.Type == events.JobFailed {
			outcome = "failed"
		}
		c.jobDuration.WithLabelValues(string(e.JobType), outcome).Observe(e.Duration.Seconds())
	case events.StepCompleted:
		c.workflowEvents.WithLabelValues(string(e.Type)).Inc()
		c.stepDuration.WithLabelValues(domain.StepName(e.Step)).Observe(e.Duration.Seconds())
	default:
		c.workflowEvents.WithLabelValues(string(e.Type)).Inc()
	}
}

// Run consumes every event on bus until ctx is done.
func (c *Collector) Run(ctx context.Context, bus *events.Bus) error {
	sub := bus.Subscribe(events.TopicAll, 1024)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			c.Observe(e)
			c.dropped.Set(float64(sub.Dropped()))
		}
	}
}

// RefreshQueue replaces the queue gauges with a fresh snapshot.
func (c *Collector) RefreshQueue(ctx context.Context, src StatsSource) error {
	stats, err := src.GetQueueStats(ctx)
	if err != nil {
		return err
	}
	c.queueByStatus.Reset()
	for status, n := range stats.ByStatus {
		c.queueByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	c.queueByType.Reset()
	for typ, n := range stats.ByType {
		c.queueByType.WithLabelValues(string(typ)).Set(float64(n))
	}
	return nil
}

// PollQueue refreshes the queue gauges every interval until ctx is done.
func (c *Collector) PollQueue(ctx context.Context, src StatsSource, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := c.RefreshQueue(ctx, src); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("refresh queue stats")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
