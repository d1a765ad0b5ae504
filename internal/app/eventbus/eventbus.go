// Package eventbus implements the typed, topic-addressed pub/sub described
// in §4.9: bounded per-subscriber channels with oldest-drop backpressure,
// an unbounded staging queue so publishers never block on a slow
// subscriber, and ordering preserved per publisher per topic. The
// subscriber registry follows the teacher's own event-listener shape
// (a map of topic to handler/subscriber slices guarded by a RWMutex).
package eventbus

import (
	"context"
	"sync"

	"github.com/R3E-Network/service_layer/internal/app/system"
)

// DefaultSubscriberBuffer is the default bounded channel size per
// subscriber (§4.9).
const DefaultSubscriberBuffer = 256

// DefaultStagingLimit is the hard cap on the internal staging queue before
// a Publish call starts blocking the caller (§4.9, §5 suspension points).
const DefaultStagingLimit = 4096

// Lagged is delivered to a subscriber in place of the events it missed
// when its bounded channel overflowed.
type Lagged struct {
	Topic   string
	Dropped int
}

// Event is one published message: Topic routes it to subscribers, Payload
// carries the domain value (a match.Summary, a streaming delta, etc).
type Event struct {
	Topic   string
	Payload any
}

type subscriber struct {
	ch      chan any
	dropped int
}

// Bus is an in-process topic pub/sub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]*subscriber
	nextID      int

	stagingMu   sync.Mutex
	stagingCond *sync.Cond
	staging     []Event
	notify      chan struct{}

	bufferSize int
	stopCh     chan struct{}
	doneCh     chan struct{}
}

var _ system.Service = (*Bus)(nil)

// New creates a Bus with the default subscriber buffer size.
func New() *Bus {
	b := &Bus{
		subscribers: make(map[string]map[int]*subscriber),
		notify:      make(chan struct{}, 1),
		bufferSize:  DefaultSubscriberBuffer,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	b.stagingCond = sync.NewCond(&b.stagingMu)
	return b
}

func (b *Bus) Name() string { return "eventbus" }

// Start launches the worker goroutine that drains the staging queue and
// fans events out to subscribers. It returns immediately.
func (b *Bus) Start(ctx context.Context) error {
	go b.run(ctx)
	return nil
}

// Stop signals the worker to drain and exit, then waits for it.
func (b *Bus) Stop(ctx context.Context) error {
	close(b.stopCh)
	select {
	case <-b.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			b.drainOnce()
			return
		case <-b.notify:
			b.drainOnce()
		}
	}
}

func (b *Bus) drainOnce() {
	for {
		b.stagingMu.Lock()
		if len(b.staging) == 0 {
			b.stagingMu.Unlock()
			return
		}
		evt := b.staging[0]
		b.staging = b.staging[1:]
		b.stagingCond.Broadcast()
		b.stagingMu.Unlock()
		b.deliver(evt)
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	subs := b.subscribers[evt.Topic]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- evt.Payload:
		default:
			// Oldest-drop: discard from the head until there is room for a
			// Lagged marker plus the new event, then enqueue both.
			for len(s.ch) > 0 && len(s.ch) > cap(s.ch)-2 {
				select {
				case old := <-s.ch:
					if l, ok := old.(Lagged); ok {
						s.dropped += l.Dropped
					} else {
						s.dropped++
					}
				default:
				}
			}
			if s.dropped > 0 {
				select {
				case s.ch <- Lagged{Topic: evt.Topic, Dropped: s.dropped}:
					s.dropped = 0
				default:
				}
			}
			select {
			case s.ch <- evt.Payload:
			default:
				s.dropped++
			}
		}
	}
}

// Publish enqueues an event for delivery on topic. It is non-blocking
// unless the staging queue has grown past DefaultStagingLimit, in which
// case the caller (the Runner) is throttled until the worker catches up
// (§4.9, §5 suspension points).
func (b *Bus) Publish(topic string, payload any) {
	b.stagingMu.Lock()
	for len(b.staging) >= DefaultStagingLimit {
		b.stagingCond.Wait()
	}
	b.staging = append(b.staging, Event{Topic: topic, Payload: payload})
	b.stagingMu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Subscribe registers for topic and returns a receive channel plus an
// unsubscribe function. The channel is closed once unsubscribe runs.
func (b *Bus) Subscribe(topic string) (<-chan any, func()) {
	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int]*subscriber)
	}
	id := b.nextID
	b.nextID++
	s := &subscriber{ch: make(chan any, b.bufferSize)}
	b.subscribers[topic][id] = s
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers[topic], id)
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsubscribe
}
