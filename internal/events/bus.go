// Package events carries typed lifecycle and queue events from the workflow
// core to whoever listens: metrics, logs, the NATS forwarder.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

type Type string

const (
	Started       Type = "started"
	StepCompleted Type = "step_completed"
	Paused        Type = "paused"
	Resumed       Type = "resumed"
	Cancelled     Type = "cancelled"
	Completed     Type = "completed"
	Failed        Type = "failed"

	JobEnqueued  Type = "job_enqueued"
	JobClaimed   Type = "job_claimed"
	JobCompleted Type = "job_completed"
	JobFailed    Type = "job_failed"
)

const (
	// TopicAll receives every event.
	TopicAll = "*"
	// TopicQueue receives job events.
	TopicQueue = "queue"
)

// Event is a lifecycle or queue notification. Duration is set on
// step_completed, job_completed and job_failed.
type Event struct {
	Type     Type           `json:"type"`
	TaskID   string         `json:"task_id,omitempty"`
	JobID    string         `json:"job_id,omitempty"`
	JobType  domain.JobType `json:"job_type,omitempty"`
	Step     int            `json:"step,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Time     time.Time      `json:"time"`
}

// Topic is the task id for lifecycle events and TopicQueue for job events.
func (e Event) Topic() string {
	if e.JobID != "" {
		return TopicQueue
	}
	return e.TaskID
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

type Subscription struct {
	C       <-chan Event
	bus     *Bus
	topic   string
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, topic: topic, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
	}
	close(sub.ch)
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[e.Topic()], e)
	b.deliver(b.subs[TopicAll], e)
}

func (b *Bus) deliver(set map[*Subscription]struct{}, e Event) {
	for sub := range set {
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			log.Warn().Str("topic", sub.topic).Str("type", string(e.Type)).Int64("dropped", n).Msg("event subscriber buffer full")
		}
	}
}

// Close closes every subscription channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
}
