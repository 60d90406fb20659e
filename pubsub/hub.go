package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
)

// Options configures a Hub.
type Options struct {
	// ReplayBuffer is how many events per session are retained for
	// reconnecting subscribers.
	ReplayBuffer int
	// SubscriberQueue bounds each subscriber's outbound queue. A
	// subscriber whose queue is full when an event arrives is dropped.
	SubscriberQueue int
	// Logger defaults to no-op.
	Logger logging.Logger
}

// Hub is the event publisher. Publishing never blocks on subscribers:
// deliveries go through bounded queues and a slow subscriber is disconnected
// rather than slowing the engine. Safe for concurrent subscribe, unsubscribe
// and publish.
type Hub struct {
	replaySize int
	queueSize  int
	logger     logging.Logger

	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	seq    uint64
	replay []core.WorkflowEvent
	subs   map[string]*subscriber
}

type subscriber struct {
	id string
	ch chan core.WorkflowEvent
}

// Subscription is one observer's attachment to a session topic. Events
// arrive on Events in sequence order; the channel is closed when the
// subscription is dropped or closed.
type Subscription struct {
	ID     string
	Events <-chan core.WorkflowEvent

	hub       *Hub
	sessionID string
	once      sync.Once
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.sessionID, s.ID)
	})
}

// NewHub constructs a Hub.
func NewHub(optFns ...func(o *Options)) *Hub {
	opts := Options{
		ReplayBuffer:    50,
		SubscriberQueue: 64,
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Hub{
		replaySize: opts.ReplayBuffer,
		queueSize:  opts.SubscriberQueue,
		logger:     opts.Logger,
		topics:     make(map[string]*topic),
	}
}

func (h *Hub) topicFor(sessionID string) *topic {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sessionID]; ok {
		return t
	}
	t = &topic{subs: make(map[string]*subscriber)}
	h.topics[sessionID] = t
	return t
}

// Publish assigns the event its per-session sequence number, appends it to
// the replay buffer, and fans it out. Implements workflow.EventSink.
func (h *Hub) Publish(ev core.WorkflowEvent) {
	t := h.topicFor(ev.SessionID)

	t.mu.Lock()
	t.seq++
	ev.Sequence = t.seq

	if h.replaySize > 0 {
		t.replay = append(t.replay, ev)
		if len(t.replay) > h.replaySize {
			t.replay = t.replay[len(t.replay)-h.replaySize:]
		}
	}

	var dropped []*subscriber
	for _, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: the observer is too slow for the stream.
			// Dropping it here keeps publishing non-blocking.
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(t.subs, sub.id)
		close(sub.ch)
	}
	t.mu.Unlock()

	for _, sub := range dropped {
		h.logger.Warn("dropped slow subscriber", "session_id", ev.SessionID, "subscriber_id", sub.id)
	}
}

// Subscribe attaches an observer to a session topic. fromSeq requests replay
// of buffered events with sequence >= fromSeq; zero means live-only. If part
// of the requested range has already left the replay buffer, the first
// delivered event is a gap event naming the missing range.
func (h *Hub) Subscribe(sessionID string, fromSeq uint64) *Subscription {
	t := h.topicFor(sessionID)

	t.mu.Lock()
	var pending []core.WorkflowEvent
	if fromSeq > 0 {
		oldest := t.seq + 1
		if len(t.replay) > 0 {
			oldest = t.replay[0].Sequence
		}
		if fromSeq < oldest {
			gap := core.NewEvent(core.EventGap, sessionID, "", map[string]any{
				"from": fromSeq,
				"to":   oldest - 1,
			})
			gap.Sequence = 0 // out-of-band; real sequences follow
			pending = append(pending, gap)
		}
		for _, ev := range t.replay {
			if ev.Sequence >= fromSeq {
				pending = append(pending, ev)
			}
		}
	}

	// The queue must hold the whole replayed range up front, otherwise the
	// buffered sends below would block while the topic lock is held and
	// stall every publisher of the session.
	capacity := h.queueSize
	if len(pending) >= capacity {
		capacity = len(pending) + 1
	}
	sub := &subscriber{id: core.NewID(), ch: make(chan core.WorkflowEvent, capacity)}
	for _, ev := range pending {
		sub.ch <- ev
	}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	return &Subscription{
		ID:        sub.id,
		Events:    sub.ch,
		hub:       h,
		sessionID: sessionID,
	}
}

func (h *Hub) unsubscribe(sessionID, subID string) {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if sub, ok := t.subs[subID]; ok {
		delete(t.subs, subID)
		close(sub.ch)
	}
	t.mu.Unlock()
}

// SubscriberCount reports the active subscribers on a session topic.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// RunHealthPings publishes a liveness event on every topic that currently
// has subscribers, at the given interval, until ctx ends.
func (h *Hub) RunHealthPings(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			ids := make([]string, 0, len(h.topics))
			for id, t := range h.topics {
				t.mu.Lock()
				if len(t.subs) > 0 {
					ids = append(ids, id)
				}
				t.mu.Unlock()
			}
			h.mu.RUnlock()

			for _, id := range ids {
				h.Publish(core.NewEvent(core.EventHealthPing, id, "", nil))
			}
		}
	}
}
