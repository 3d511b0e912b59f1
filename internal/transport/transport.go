// Package transport implements the connection machinery shared by the LAN
// and cloud-relay transports: a single-owner connection state machine,
// certificate-pinned websocket dialing, keepalive, reconnect with capped
// exponential backoff, the pending round-trip store, and the outbound
// retry queue.
//
// All connection state is owned by one run-loop goroutine. Socket
// callbacks, timers and public methods never touch fields directly; they
// post events into the loop.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/logging"
	"github.com/hyposync/hyposync/internal/metrics"
	"github.com/hyposync/hyposync/internal/protocol"
)

// Status is the connection state of a transport.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "idle"
	}
}

// Handlers receive decoded traffic from the transport. All callbacks run
// on the transport's run loop and must not block.
type Handlers struct {
	// Envelope is called for every successfully decoded envelope, with
	// the transport name it arrived on.
	Envelope func(env *protocol.Envelope, transport string)

	// Control is called for relay error and control messages.
	Control func(msg *protocol.ControlMessage, transport string)

	// Raw is called with the body of pairing frames, which carry their
	// own message format instead of an envelope.
	Raw func(body []byte, transport string)
}

// Deps are the collaborators a Transport needs. Zero-value fields get
// production defaults; tests inject fakes.
type Deps struct {
	Logger  logging.Logger
	Metrics *metrics.Set
	Clock   clock.Clock
	Dial    DialFunc
}

// Transport is one connection (LAN or cloud) to a sync peer or relay.
type Transport struct {
	cfg Config
	log logging.Logger
	met *metrics.Set
	clk clock.Clock

	dial    DialFunc
	queue   *Queue
	pending *pendingStore

	handlers Handlers

	events chan any
	done   chan struct{}

	// Everything below is owned by the run loop.
	status           Status
	conn             Conn
	gen              uint64
	waiters          []chan error
	backoff          retry.Backoff
	reconnectTimer   *clock.Timer
	reconnectPending bool
	watchdog         *clock.Timer
	stopKeepalive    chan struct{}
}

// Loop events. Generation numbers keep notifications from a superseded
// connection from clearing the current one.
type evConnect struct{ reply chan error }

type evDisconnect struct{ reply chan struct{} }

type evStatus struct{ reply chan Status }

type evSend struct {
	env   *protocol.Envelope
	frame []byte
	raw   bool
	reply chan error
}

type evDialDone struct {
	gen       uint64
	conn      Conn
	handshake time.Duration
	err       error
}

type evClosed struct {
	gen uint64
	err error
}

type evFrame struct {
	gen  uint64
	data []byte
}

type evReconnect struct{}

type evIdleTimeout struct{ gen uint64 }

type evDropPending struct{ id uuid.UUID }

// New builds a transport. Start must be called before use.
func New(cfg Config, deps Deps) (*Transport, error) {
	cfg.withDefaults()

	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewSet()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Dial == nil {
		dial, err := NewDialer(cfg)
		if err != nil {
			return nil, err
		}
		deps.Dial = dial
	}

	t := &Transport{
		cfg:     cfg,
		log:     deps.Logger.With("transport", cfg.Name),
		met:     deps.Metrics,
		clk:     deps.Clock,
		dial:    deps.Dial,
		pending: newPendingStore(cfg.PendingMaxAge),
		events:  make(chan any, 64),
		done:    make(chan struct{}),
	}
	t.queue = newQueue(t, cfg, deps.Logger, deps.Metrics, deps.Clock)
	return t, nil
}

// Name returns the transport label ("lan" or "cloud").
func (t *Transport) Name() string { return t.cfg.Name }

// SetHandlers installs the receive callbacks. Must be called before Start.
func (t *Transport) SetHandlers(h Handlers) { t.handlers = h }

// Start launches the run loop. The transport stays Idle until Connect is
// called or a send arrives.
func (t *Transport) Start() {
	go t.run()
}

// Close tears the transport down and stops the run loop.
func (t *Transport) Close() {
	t.Disconnect()
	close(t.done)
}

// Connect transitions Idle → Connecting → Connected. It is idempotent: a
// caller arriving while a connect is in flight waits on that attempt, and
// a caller arriving while Connected returns immediately.
func (t *Transport) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := t.post(ctx, evConnect{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return common.ErrConnectCancelled
	}
}

// Disconnect cancels keepalive and any waiting connect, closes the socket
// and clears queued and pending state for this transport.
func (t *Transport) Disconnect() {
	reply := make(chan struct{})
	if err := t.post(context.Background(), evDisconnect{reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-t.done:
	}
}

// Status reports the current connection state.
func (t *Transport) Status() Status {
	reply := make(chan Status, 1)
	if err := t.post(context.Background(), evStatus{reply: reply}); err != nil {
		return StatusIdle
	}
	select {
	case s := <-reply:
		return s
	case <-t.done:
		return StatusIdle
	}
}

// Connected reports whether the transport currently holds a live socket.
func (t *Transport) Connected() bool { return t.Status() == StatusConnected }

// Enqueue hands an envelope to the outbound retry queue. The frame must be
// the encoded form of env.
func (t *Transport) Enqueue(env *protocol.Envelope, frame []byte) {
	t.queue.Enqueue(env, frame)
}

// QueueLen reports how many messages are waiting in the outbound queue.
func (t *Transport) QueueLen() int { return t.queue.Len() }

// SendRaw frames and writes a raw JSON message outside the envelope
// protocol. Used by the pairing handshake only; no round-trip entry is
// registered and the retry queue is bypassed.
func (t *Transport) SendRaw(ctx context.Context, body []byte) error {
	reply := make(chan error, 1)
	ev := evSend{frame: protocol.EncodeRawFrame(body), raw: true, reply: reply}
	if err := t.post(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return common.ErrConnectCancelled
	}
}

// writeFrame writes one encoded envelope on the live socket, registering
// it in the pending round-trip store. Called by the queue's drain worker.
func (t *Transport) writeFrame(env *protocol.Envelope, frame []byte) error {
	reply := make(chan error, 1)
	ev := evSend{env: env, frame: frame, reply: reply}
	if err := t.post(context.Background(), ev); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-t.done:
		return common.ErrConnectCancelled
	}
}

// dropPending removes the round-trip entry for a message the queue gave
// up on.
func (t *Transport) dropPending(id uuid.UUID) {
	_ = t.post(context.Background(), evDropPending{id: id})
}

func (t *Transport) post(ctx context.Context, ev any) error {
	select {
	case t.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return common.ErrConnectCancelled
	}
}

func (t *Transport) run() {
	for {
		select {
		case <-t.done:
			t.teardown()
			return
		case ev := <-t.events:
			t.handle(ev)
		}
	}
}

func (t *Transport) handle(ev any) {
	switch ev := ev.(type) {
	case evConnect:
		t.handleConnect(ev)
	case evDisconnect:
		t.handleDisconnect(ev)
	case evStatus:
		ev.reply <- t.status
	case evSend:
		t.handleSend(ev)
	case evDialDone:
		t.handleDialDone(ev)
	case evClosed:
		t.handleClosed(ev.gen, ev.err)
	case evFrame:
		t.handleFrame(ev)
	case evReconnect:
		t.handleReconnect()
	case evIdleTimeout:
		t.handleIdleTimeout(ev)
	case evDropPending:
		t.pending.remove(ev.id)
	}
}

func (t *Transport) handleConnect(ev evConnect) {
	switch t.status {
	case StatusConnected:
		ev.reply <- nil
	case StatusConnecting:
		t.waiters = append(t.waiters, ev.reply)
	default:
		t.waiters = append(t.waiters, ev.reply)
		t.startDial()
	}
}

func (t *Transport) startDial() {
	t.status = StatusConnecting
	t.gen++
	gen := t.gen

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
	go func() {
		defer cancel()
		conn, handshake, err := t.dial(ctx)
		select {
		case t.events <- evDialDone{gen: gen, conn: conn, handshake: handshake, err: err}:
		case <-t.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (t *Transport) handleDialDone(ev evDialDone) {
	if ev.gen != t.gen {
		// A disconnect or newer attempt superseded this dial.
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	if ev.err != nil {
		if errors.Is(ev.err, common.ErrPinningMismatch) {
			t.met.PinningMismatches.WithLabelValues(t.cfg.Name).Inc()
			t.log.Error(context.Background(), "certificate pin mismatch", "error", ev.err)
		} else {
			t.log.Warn(context.Background(), "connect failed", "error", ev.err)
		}
		t.status = StatusIdle
		t.resolveWaiters(ev.err)
		t.scheduleReconnect()
		return
	}

	t.status = StatusConnected
	t.conn = ev.conn
	t.backoff = nil
	t.met.HandshakeSeconds.WithLabelValues(t.cfg.Name).Observe(ev.handshake.Seconds())
	t.log.Info(context.Background(), "transport connected", "handshake", ev.handshake)
	t.resolveWaiters(nil)
	t.startKeepalive(ev.conn, t.gen)

	go t.readLoop(ev.conn, t.gen)
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case t.events <- evClosed{gen: gen, err: err}:
			case <-t.done:
			}
			return
		}
		select {
		case t.events <- evFrame{gen: gen, data: data}:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleSend(ev evSend) {
	if t.status != StatusConnected || t.conn == nil {
		ev.reply <- common.ErrNotConnected
		return
	}

	if !ev.raw && ev.env != nil {
		t.pending.store(ev.env.ID, t.clk.Now())
	}
	t.touchWatchdog()

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, ev.frame); err != nil {
		// A mid-write failure means the socket is gone: transient from the
		// queue's point of view, and grounds for a reconnect.
		if !ev.raw && ev.env != nil {
			t.pending.remove(ev.env.ID)
		}
		ev.reply <- fmt.Errorf("%w: %v", common.ErrNotConnected, err)
		t.handleClosed(t.gen, err)
		return
	}
	ev.reply <- nil
}

func (t *Transport) handleFrame(ev evFrame) {
	if ev.gen != t.gen || t.status != StatusConnected {
		return
	}
	now := t.clk.Now()
	defer t.pending.pruneExpired(now)

	t.touchWatchdog()

	body, err := protocol.FrameBody(ev.data)
	if err != nil {
		t.log.Warn(context.Background(), "dropping unreadable frame", "error", err)
		return
	}

	switch kind := protocol.Classify(body); kind {
	case protocol.KindError, protocol.KindControl:
		msg, err := protocol.DecodeControl(kind, body)
		if err != nil {
			t.log.Warn(context.Background(), "dropping bad control frame", "error", err)
			return
		}
		if t.handlers.Control != nil {
			t.handlers.Control(msg, t.cfg.Name)
		}
	case protocol.KindPairing:
		if t.handlers.Raw != nil {
			t.handlers.Raw(body, t.cfg.Name)
		}
	default:
		env, err := protocol.DecodeFrame(ev.data)
		if err != nil {
			// A single bad frame must never close the connection.
			t.log.Warn(context.Background(), "dropping malformed frame", "error", err)
			return
		}
		if sentAt, ok := t.pending.remove(env.ID); ok {
			t.met.RoundTripSeconds.WithLabelValues(t.cfg.Name).Observe(now.Sub(sentAt).Seconds())
		}
		if t.handlers.Envelope != nil {
			t.handlers.Envelope(env, t.cfg.Name)
		}
	}
}

func (t *Transport) handleClosed(gen uint64, err error) {
	if gen != t.gen || t.status == StatusIdle {
		// Stale notification from a superseded connection.
		return
	}
	t.log.Warn(context.Background(), "connection lost", "error", err)

	t.haltKeepalive()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.status = StatusIdle
	t.resolveWaiters(fmt.Errorf("%w: %v", common.ErrNotConnected, err))
	t.queue.RequeueInFlight()
	t.scheduleReconnect()
}

func (t *Transport) handleReconnect() {
	t.reconnectPending = false
	t.reconnectTimer = nil
	if t.status != StatusIdle {
		return
	}
	t.startDial()
}

func (t *Transport) handleIdleTimeout(ev evIdleTimeout) {
	if ev.gen != t.gen || t.status != StatusConnected {
		return
	}
	t.log.Info(context.Background(), "closing idle connection", "window", t.cfg.IdleTimeout)
	t.handleClosed(ev.gen, errors.New("idle timeout"))
}

func (t *Transport) handleDisconnect(ev evDisconnect) {
	t.resolveWaiters(common.ErrConnectCancelled)
	t.haltKeepalive()
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.reconnectPending = false
	t.backoff = nil
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	// gen bump invalidates in-flight dials and read loops.
	t.gen++
	t.status = StatusIdle
	t.pending.clear()
	t.queue.Clear()
	close(ev.reply)
}

// scheduleReconnect arms a single backoff timer. A second trigger while
// one is pending is a no-op; delay for attempt k is min(1s·2^k, cap).
func (t *Transport) scheduleReconnect() {
	if t.reconnectPending {
		return
	}
	t.reconnectPending = true
	t.met.Reconnects.WithLabelValues(t.cfg.Name).Inc()

	if t.backoff == nil {
		t.backoff = retry.WithCappedDuration(t.cfg.MaxBackoff, retry.NewExponential(time.Second))
	}
	delay, _ := t.backoff.Next()
	t.log.Info(context.Background(), "scheduling reconnect", "delay", delay)
	t.reconnectTimer = t.clk.AfterFunc(delay, func() {
		_ = t.post(context.Background(), evReconnect{})
	})
}

func (t *Transport) resolveWaiters(err error) {
	for _, w := range t.waiters {
		w <- err
	}
	t.waiters = nil
}

func (t *Transport) teardown() {
	t.queue.close()
	t.haltKeepalive()
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.resolveWaiters(common.ErrConnectCancelled)
}
