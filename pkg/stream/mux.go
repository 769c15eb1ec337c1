package stream

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrSlowConsumer is set on a subscriber whose queue filled up.
	ErrSlowConsumer = errors.New("subscriber queue overflow")

	// ErrMuxClosed is returned when publishing to a finished multiplexer.
	ErrMuxClosed = errors.New("multiplexer closed")
)

const (
	defaultQueueBound = 64
	defaultReplaySize = 256
)

// MuxConfig bounds the per-subscriber queue and the replay buffer.
type MuxConfig struct {
	QueueBound int
	ReplaySize int
}

// Subscriber is one attached connection's independently-owned event queue.
// Events arrive in strict sequence order. The channel is closed after the
// terminal event, or early if the subscriber was dropped for backpressure.
type Subscriber struct {
	ch chan Event

	mu     sync.Mutex
	err    error
	closed bool
}

// Events returns the subscriber's ordered event channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Err returns why the subscriber was closed early, if it was.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscriber) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// Mux fans one session's event stream out to N subscribers, each with its
// own bounded queue. A slow subscriber is dropped rather than ever blocking
// the producer or other subscribers. The producer side assigns sequence
// numbers; the replay buffer keeps a bounded tail for reconnects.
type Mux struct {
	sessionID string
	cfg       MuxConfig

	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	replay  []Event
	nextSeq int64
	oldest  int64 // seq of the first retained replay event
	done    bool
}

// NewMux creates a multiplexer for one session.
func NewMux(sessionID string, cfg MuxConfig) *Mux {
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = defaultQueueBound
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = defaultReplaySize
	}
	return &Mux{
		sessionID: sessionID,
		cfg:       cfg,
		subs:      make(map[*Subscriber]struct{}),
	}
}

// Publish stamps the event with the next sequence number, records it in the
// replay buffer and delivers it to every subscriber. Publishing never blocks:
// a subscriber with a full queue is closed with ErrSlowConsumer. Publishing
// the terminal event closes all subscribers after delivery.
func (m *Mux) Publish(evt Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done {
		return Event{}, ErrMuxClosed
	}

	evt.SessionID = m.sessionID
	evt.Seq = m.nextSeq
	evt.Timestamp = time.Now()
	m.nextSeq++

	m.replay = append(m.replay, evt)
	if len(m.replay) > m.cfg.ReplaySize {
		evict := len(m.replay) - m.cfg.ReplaySize
		m.replay = m.replay[evict:]
		m.oldest = m.replay[0].Seq
	}

	for sub := range m.subs {
		select {
		case sub.ch <- evt:
		default:
			delete(m.subs, sub)
			sub.close(ErrSlowConsumer)
		}
	}

	if evt.Terminal() {
		m.done = true
		for sub := range m.subs {
			delete(m.subs, sub)
			sub.close(nil)
		}
	}
	return evt, nil
}

// Subscribe attaches a new subscriber that first receives every retained
// event with sequence greater than afterSeq, then live events. If history
// before afterSeq+1 was already evicted the first delivered event is an
// EventGap marker. A subscription on a finished stream replays the retained
// tail and closes immediately; the sequence is always finite and terminated
// by the done event.
func (m *Mux) Subscribe(afterSeq int64) *Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	// An ack beyond the live stream is a client bug; clamp it so delivered
	// sequence numbers never sit at or below the stated ack.
	if afterSeq >= m.nextSeq {
		afterSeq = m.nextSeq - 1
	}

	backlog := make([]Event, 0, len(m.replay))
	if afterSeq+1 < m.oldest {
		backlog = append(backlog, Event{
			SessionID: m.sessionID,
			Seq:       m.oldest - 1,
			Kind:      EventGap,
			Timestamp: time.Now(),
		})
	}
	for _, evt := range m.replay {
		if evt.Seq > afterSeq {
			backlog = append(backlog, evt)
		}
	}

	// Queue must hold the whole backlog so attaching never drops history.
	bound := m.cfg.QueueBound
	if len(backlog) > bound {
		bound = len(backlog)
	}
	sub := &Subscriber{ch: make(chan Event, bound)}
	for _, evt := range backlog {
		sub.ch <- evt
	}

	if m.done {
		sub.close(nil)
		return sub
	}
	m.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a subscriber and closes its queue.
func (m *Mux) Unsubscribe(sub *Subscriber) {
	m.mu.Lock()
	_, attached := m.subs[sub]
	delete(m.subs, sub)
	m.mu.Unlock()
	if attached {
		sub.close(nil)
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (m *Mux) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// LastSeq returns the sequence number of the most recent published event,
// or -1 when nothing has been published.
func (m *Mux) LastSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq - 1
}

// Done reports whether the terminal event has been published.
func (m *Mux) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}
