// Package streaming implements the StreamingHub component: topic-based
// pub/sub fan-out to subscribers (WebSocket or SSE clients) with bounded
// per-subscriber buffers, a slow_consumer drop signal, and monotonically
// increasing per-topic sequence numbers, generalized from the teacher's
// per-connection send-buffer pattern (internal/gateway's wsSession.send
// channel + non-blocking enqueue) into a shared multi-subscriber hub.
package streaming

import (
	"fmt"
	"sync"
	"time"
)

// Topic names the three fixed topic families the system publishes to.
type Topic string

// ConvTopic is the per-conversation lifecycle topic (turns, status changes).
func ConvTopic(conversationID string) Topic {
	return Topic(fmt.Sprintf("conv:%s", conversationID))
}

// ConvStreamTopic is the per-conversation token-streaming topic.
func ConvStreamTopic(conversationID string) Topic {
	return Topic(fmt.Sprintf("conv:%s:stream", conversationID))
}

// GlobalMetricsTopic carries process-wide metrics snapshots.
const GlobalMetricsTopic Topic = "global:metrics"

// EventType discriminates an Event's payload, mirroring
// pkg/models.AgentEvent's single-discriminator design.
type EventType string

const (
	EventTypeChunk        EventType = "chunk"
	EventTypeRuntimeEvent EventType = "runtime_event"
	EventTypeStatus       EventType = "status"
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeSlowConsumer EventType = "slow_consumer"
)

// Event is one message delivered on a Topic. Sequence is monotonically
// increasing per topic, assigned at Publish time under the Hub's lock, so
// subscribers can detect gaps left by a slow_consumer drop.
type Event struct {
	Topic     Topic
	Type      EventType
	Sequence  uint64
	Time      time.Time
	Payload   any
}

// subscriber is one open channel on a topic, with at-most-once, non-blocking
// delivery: a full buffer drops the event rather than blocking the
// publisher, exactly as the teacher's wsSession.enqueue does for its
// per-connection send channel.
type subscriber struct {
	id      uint64
	ch      chan Event
	dropped bool
}

// Hub fans out Events to per-topic subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[Topic]map[uint64]*subscriber
	sequences   map[Topic]uint64
	nextSubID   uint64
	bufferSize  int
	heartbeat   time.Duration

	closeCh chan struct{}
	closed  bool
}

// Config tunes buffer size and heartbeat cadence. Zero values fall back to
// documented defaults.
type Config struct {
	BufferSize int
	Heartbeat  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	return c
}

// New builds a Hub. Call Run in a goroutine to start heartbeat ticking.
func New(config Config) *Hub {
	config = config.withDefaults()
	return &Hub{
		subscribers: make(map[Topic]map[uint64]*subscriber),
		sequences:   make(map[Topic]uint64),
		bufferSize:  config.BufferSize,
		heartbeat:   config.Heartbeat,
		closeCh:     make(chan struct{}),
	}
}

// Subscribe opens a new bounded channel on topic. Cancel unsubscribes and
// closes the channel; callers must call it exactly once when done reading.
func (h *Hub) Subscribe(topic Topic) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSubID++
	id := h.nextSubID
	sub := &subscriber{id: id, ch: make(chan Event, h.bufferSize)}

	if h.subscribers[topic] == nil {
		h.subscribers[topic] = make(map[uint64]*subscriber)
	}
	h.subscribers[topic][id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subscribers[topic]; ok {
			if s, ok := subs[id]; ok {
				close(s.ch)
				delete(subs, id)
			}
			if len(subs) == 0 {
				delete(h.subscribers, topic)
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers an Event to every current subscriber of topic,
// non-blocking: a subscriber whose buffer is full has the event dropped and
// is sent a best-effort slow_consumer notice on its next free slot.
func (h *Hub) Publish(topic Topic, eventType EventType, payload any) {
	h.mu.Lock()
	h.sequences[topic]++
	seq := h.sequences[topic]
	subs := h.subscribers[topic]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	event := Event{Topic: topic, Type: eventType, Sequence: seq, Time: time.Now(), Payload: payload}

	for _, s := range targets {
		select {
		case s.ch <- event:
			if s.dropped {
				s.dropped = false
			}
		default:
			s.dropped = true
			notice := Event{Topic: topic, Type: EventTypeSlowConsumer, Sequence: seq, Time: time.Now()}
			select {
			case s.ch <- notice:
			default:
			}
		}
	}
}

// Run ticks a heartbeat onto every currently-subscribed topic every
// Config.Heartbeat interval, until ctx-equivalent stop via Close.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeCh:
			return
		case <-ticker.C:
			h.mu.Lock()
			topics := make([]Topic, 0, len(h.subscribers))
			for t := range h.subscribers {
				topics = append(topics, t)
			}
			h.mu.Unlock()
			for _, t := range topics {
				h.Publish(t, EventTypeHeartbeat, nil)
			}
		}
	}
}

// Close stops Run and unblocks any goroutine waiting on it. Subsequent
// Publish/Subscribe calls remain safe but heartbeats stop.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.closeCh)
}
