package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/logging"
	"github.com/hyposync/hyposync/internal/metrics"
	"github.com/hyposync/hyposync/internal/protocol"
)

// sender is the surface the queue needs from its owning transport.
type sender interface {
	Connect(ctx context.Context) error
	writeFrame(env *protocol.Envelope, frame []byte) error
	dropPending(id uuid.UUID)
}

// QueuedMessage is one buffered outbound envelope. Transient: owned
// exclusively by one transport's queue and never persisted.
type QueuedMessage struct {
	Envelope   *protocol.Envelope
	Frame      []byte
	QueuedAt   time.Time
	RetryCount int
}

// Queue buffers, retries and times out outbound messages for one
// transport. A single drain worker processes it FIFO; Enqueue starts a
// worker only if none is active, so at most one runs per transport.
type Queue struct {
	s   sender
	cfg Config
	log logging.Logger
	met *metrics.Set
	clk clock.Clock

	mu       sync.Mutex
	items    []*QueuedMessage
	inFlight *QueuedMessage
	draining bool
	closed   bool
}

func newQueue(s sender, cfg Config, log logging.Logger, met *metrics.Set, clk clock.Clock) *Queue {
	return &Queue{
		s:   s,
		cfg: cfg,
		log: log.With("transport", cfg.Name, "module", "queue"),
		met: met,
		clk: clk,
	}
}

// Enqueue appends a message and wakes the drain worker if it is idle.
func (q *Queue) Enqueue(env *protocol.Envelope, frame []byte) {
	m := &QueuedMessage{Envelope: env, Frame: frame, QueuedAt: q.clk.Now()}

	q.mu.Lock()
	q.items = append(q.items, m)
	start := !q.draining && !q.closed
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Len reports queued messages, excluding any in-flight large send.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RequeueInFlight puts a large send whose confirm window was interrupted
// by a socket close back at the head of the queue. Completion of the local
// write does not guarantee the peer received the full frame.
func (q *Queue) RequeueInFlight() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight != nil {
		q.items = append([]*QueuedMessage{q.inFlight}, q.items...)
		q.inFlight = nil
	}
}

// Clear drops all queued and in-flight messages. Called on explicit
// disconnect; unexpected socket closures requeue instead.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.inFlight = nil
}

// close stops the drain worker permanently.
func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.inFlight = nil
}

func (q *Queue) pop() (*QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		q.draining = false
		return nil, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

func (q *Queue) requeueFront(m *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.items = append([]*QueuedMessage{m}, q.items...)
	}
}

func (q *Queue) drop(m *QueuedMessage, reason string) {
	q.log.Warn(context.Background(), "dropping outbound message",
		"id", m.Envelope.ID, "reason", reason, "retries", m.RetryCount)
	q.met.QueueDropped.WithLabelValues(q.cfg.Name, reason).Inc()
	q.s.dropPending(m.Envelope.ID)
}

// drain is the single worker loop. Per message: unconditional drop past
// the queue TTL, exponential pre-attempt sleep for retries, connect if
// needed, send, and the large-payload confirm window.
func (q *Queue) drain() {
	ctx := context.Background()

	for {
		m, ok := q.pop()
		if !ok {
			return
		}

		now := q.clk.Now()
		if now.Sub(m.QueuedAt) > q.cfg.QueueTTL {
			q.drop(m, "expired")
			continue
		}

		if m.RetryCount >= 1 {
			<-q.clk.After(time.Second * (1 << m.RetryCount))
		}

		if err := q.s.Connect(ctx); err != nil {
			if errors.Is(err, common.ErrConnectCancelled) {
				q.requeueFront(m)
				q.stopDraining()
				return
			}
			q.retryOrDrop(m)
			continue
		}

		err := q.s.writeFrame(m.Envelope, m.Frame)
		switch {
		case err == nil:
			if len(m.Frame) > q.cfg.LargePayload {
				q.confirmLarge(m)
			}
		case errors.Is(err, common.ErrNotConnected):
			// Transient: requeue without a retry-count increment. The
			// transport has already scheduled its single reconnect.
			q.requeueFront(m)
		default:
			q.retryOrDrop(m)
		}
	}
}

// confirmLarge holds a just-written large message as in-flight for the
// confirm window. If the socket closes inside the window the transport
// requeues it via RequeueInFlight; otherwise it counts as delivered.
func (q *Queue) confirmLarge(m *QueuedMessage) {
	q.mu.Lock()
	q.inFlight = m
	q.mu.Unlock()

	<-q.clk.After(q.cfg.ConfirmWindow)

	q.mu.Lock()
	delivered := q.inFlight == m
	if delivered {
		q.inFlight = nil
	}
	q.mu.Unlock()

	if !delivered {
		q.log.Warn(context.Background(), "large send interrupted, requeued", "id", m.Envelope.ID)
	}
}

func (q *Queue) retryOrDrop(m *QueuedMessage) {
	m.RetryCount++
	if m.RetryCount > q.cfg.MaxRetries {
		q.drop(m, "retries")
		return
	}
	q.requeueFront(m)
}

func (q *Queue) stopDraining() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}
