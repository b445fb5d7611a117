package publish

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/vio"
)

var streamLogf = monitoring.Component("Stream")

// Message is one item delivered to stream clients. Exactly one of Latest
// and Frame is set.
type Message struct {
	SessionID string
	Latest    *vio.PropagatedState
	Frame     *vio.FrameReport
}

// Stream is a Publisher that copies every message into a bounded channel
// per subscribed client. A client whose channel is full misses the
// message; publishing never blocks.
type Stream struct {
	buffer  int
	metrics *monitoring.Metrics

	clientsMu sync.RWMutex
	clients   map[string]*Subscription
	closed    bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Subscription is one client's view of a Stream.
type Subscription struct {
	ID string
	C  <-chan Message

	ch      chan Message
	dropped atomic.Uint64
}

// Dropped returns how many messages this client missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// NewStream returns a Stream that gives each client a channel of the given
// capacity (at least 1). metrics may be nil.
func NewStream(buffer int, metrics *monitoring.Metrics) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	return &Stream{
		buffer:  buffer,
		metrics: metrics,
		clients: make(map[string]*Subscription),
	}
}

// Subscribe registers a new client. The returned subscription's channel is
// closed by Unsubscribe or Close.
func (st *Stream) Subscribe() *Subscription {
	ch := make(chan Message, st.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	st.clientsMu.Lock()
	if st.closed {
		st.clientsMu.Unlock()
		close(ch)
		return sub
	}
	st.clients[sub.ID] = sub
	n := len(st.clients)
	st.clientsMu.Unlock()

	st.metrics.StreamClients.Set(float64(n))
	streamLogf("client connected: %s (total: %d)", sub.ID, n)
	return sub
}

// Unsubscribe removes a client and closes its channel. Unknown IDs are
// ignored.
func (st *Stream) Unsubscribe(id string) {
	st.clientsMu.Lock()
	sub, ok := st.clients[id]
	if ok {
		delete(st.clients, id)
		close(sub.ch)
	}
	n := len(st.clients)
	st.clientsMu.Unlock()

	if ok {
		st.metrics.StreamClients.Set(float64(n))
		streamLogf("client disconnected: %s (remaining: %d, dropped: %d)", id, n, sub.Dropped())
	}
}

// Close disconnects every client. Later publishes are ignored.
func (st *Stream) Close() {
	st.clientsMu.Lock()
	defer st.clientsMu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	for id, sub := range st.clients {
		close(sub.ch)
		delete(st.clients, id)
	}
	st.metrics.StreamClients.Set(0)
}

func (st *Stream) PublishLatest(sessionID string, state vio.PropagatedState) {
	st.broadcast(Message{SessionID: sessionID, Latest: &state})
}

func (st *Stream) PublishFrame(report vio.FrameReport) {
	st.broadcast(Message{SessionID: report.SessionID, Frame: &report})
}

func (st *Stream) broadcast(msg Message) {
	st.clientsMu.RLock()
	defer st.clientsMu.RUnlock()
	if st.closed {
		return
	}
	st.published.Add(1)
	for _, sub := range st.clients {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			st.dropped.Add(1)
			st.metrics.StreamDropped.Inc()
		}
	}
}

// StreamStats summarizes a Stream.
type StreamStats struct {
	Clients   int    `json:"clients"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (st *Stream) Stats() StreamStats {
	st.clientsMu.RLock()
	n := len(st.clients)
	st.clientsMu.RUnlock()
	return StreamStats{
		Clients:   n,
		Published: st.published.Load(),
		Dropped:   st.dropped.Load(),
	}
}
