// Package syncer coordinates clipboard traffic between the local device
// and its paired peer across both transports: decrypting and deduplicating
// inbound envelopes, applying the history policy, and broadcasting local
// captures to every reachable transport.
package syncer

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/cryptox"
	"github.com/hyposync/hyposync/internal/devices"
	"github.com/hyposync/hyposync/internal/history"
	"github.com/hyposync/hyposync/internal/logging"
	"github.com/hyposync/hyposync/internal/pairing"
	"github.com/hyposync/hyposync/internal/protocol"
)

// DefaultSeenCacheSize bounds the exact-duplicate suppression cache.
const DefaultSeenCacheSize = 512

// ControlDeregisterKey asks the peer to forget this device's key.
const ControlDeregisterKey = "deregister_key"

// Transport is the surface the coordinator needs from each transport.
// The wiring layer installs the coordinator's Handle* methods as the
// transport's receive handlers.
type Transport interface {
	Name() string
	Connected() bool
	Enqueue(env *protocol.Envelope, frame []byte)
	SendRaw(ctx context.Context, body []byte) error
}

// Config describes the local device and coordinator limits.
type Config struct {
	DeviceID   string
	DeviceName string

	HistoryLimit  int
	SeenCacheSize int

	// AllowPlaintext accepts envelopes with empty nonce and tag, the
	// debug escape hatch of the wire protocol. Off in production.
	AllowPlaintext bool
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Repo        devices.Repository
	Pairing     *pairing.Manager
	Logger      logging.Logger
	Clock       clock.Clock
	OnClipboard func(e *history.Entry)
}

// Coordinator owns the history and the duplicate-suppression cache. All
// mutation happens on its run loop; transports post events into it.
type Coordinator struct {
	cfg        Config
	repo       devices.Repository
	pair       *pairing.Manager
	log        logging.Logger
	clk        clock.Clock
	onClip     func(e *history.Entry)
	transports []Transport

	events chan any
	done   chan struct{}

	// Loop-owned.
	hist *history.History
	seen *lru.Cache[string, struct{}]
}

type evInbound struct {
	env       *protocol.Envelope
	transport string
}

type evControl struct {
	msg       *protocol.ControlMessage
	transport string
}

type evRaw struct {
	body      []byte
	transport string
}

type evCapture struct {
	contentType protocol.ContentType
	value       []byte
	reply       chan error
}

type evSnapshot struct{ reply chan []*history.Entry }

type evPin struct {
	index  int
	pinned bool
	reply  chan error
}

// New builds a coordinator over the given transports.
func New(cfg Config, transports []Transport, deps Deps) (*Coordinator, error) {
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = DefaultSeenCacheSize
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating seen cache: %w", err)
	}

	c := &Coordinator{
		cfg:        cfg,
		repo:       deps.Repo,
		pair:       deps.Pairing,
		log:        deps.Logger.With("module", "syncer"),
		clk:        deps.Clock,
		onClip:     deps.OnClipboard,
		transports: transports,
		events:     make(chan any, 256),
		done:       make(chan struct{}),
		hist:       history.New(cfg.HistoryLimit),
		seen:       seen,
	}

	return c, nil
}

func (c *Coordinator) Start() { go c.run() }

func (c *Coordinator) Close() { close(c.done) }

// HandleEnvelope is installed as each transport's envelope handler. It
// runs on the transport's loop and only posts.
func (c *Coordinator) HandleEnvelope(env *protocol.Envelope, transport string) {
	c.post(evInbound{env: env, transport: transport})
}

// HandleControl is installed as each transport's control handler.
func (c *Coordinator) HandleControl(msg *protocol.ControlMessage, transport string) {
	c.post(evControl{msg: msg, transport: transport})
}

// HandleRawFrame is installed as each transport's raw-frame handler.
func (c *Coordinator) HandleRawFrame(body []byte, transport string) {
	c.post(evRaw{body: body, transport: transport})
}

// Capture broadcasts a local clipboard change to every paired peer over
// every transport. Content beyond the frame limit is rejected up front.
func (c *Coordinator) Capture(ctx context.Context, contentType protocol.ContentType, value []byte) error {
	if len(value) > protocol.DefaultMaxPlaintext {
		return fmt.Errorf("%w: %d bytes", common.ErrPayloadTooLarge, len(value))
	}
	reply := make(chan error, 1)
	select {
	case c.events <- evCapture{contentType: contentType, value: value, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return common.ErrConnectCancelled
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return common.ErrConnectCancelled
	}
}

// History returns a newest-first snapshot of the clipboard history.
func (c *Coordinator) History() []*history.Entry {
	reply := make(chan []*history.Entry, 1)
	select {
	case c.events <- evSnapshot{reply: reply}:
	case <-c.done:
		return nil
	}
	select {
	case entries := <-reply:
		return entries
	case <-c.done:
		return nil
	}
}

// Pin marks the history entry at index (newest first) so trimming skips
// it; pinned=false releases it again.
func (c *Coordinator) Pin(ctx context.Context, index int, pinned bool) error {
	reply := make(chan error, 1)
	select {
	case c.events <- evPin{index: index, pinned: pinned, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return common.ErrConnectCancelled
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return common.ErrConnectCancelled
	}
}

// Unpair tells the peer to drop this device's key, then deletes the peer
// locally. The control message is best-effort.
func (c *Coordinator) Unpair(ctx context.Context, peerID string) error {
	body := []byte(fmt.Sprintf(
		`{"msg_type":"control","payload":{"action":%q,"target_device_id":%q}}`,
		ControlDeregisterKey, c.cfg.DeviceID))
	for _, tr := range c.transports {
		if !tr.Connected() {
			continue
		}
		if err := tr.SendRaw(ctx, body); err != nil {
			c.log.Warn(ctx, "deregister notice failed", "transport", tr.Name(), "error", err)
		}
	}
	return c.repo.Delete(ctx, devices.NormalizeID(peerID))
}

// post drops the event rather than block a transport's run loop when the
// coordinator is saturated.
func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.log.Warn(context.Background(), "coordinator saturated, dropping event")
	}
}

func (c *Coordinator) run() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			switch ev := ev.(type) {
			case evInbound:
				c.handleInbound(ev)
			case evControl:
				c.handleControl(ev)
			case evRaw:
				c.handleRaw(ev)
			case evCapture:
				ev.reply <- c.handleCapture(ev)
			case evSnapshot:
				ev.reply <- append([]*history.Entry(nil), c.hist.Entries()...)
			case evPin:
				ev.reply <- c.handlePin(ev)
			}
		}
	}
}

// handleInbound runs the receive pipeline: loop prevention, exact-id
// suppression, decrypt, then the content-match history policy.
func (c *Coordinator) handleInbound(ev evInbound) {
	ctx := context.Background()
	env := ev.env
	origin := devices.NormalizeID(env.Payload.DeviceID)

	if origin == devices.NormalizeID(c.cfg.DeviceID) {
		return
	}
	if c.alreadySeen(env) {
		return
	}

	value, err := c.decrypt(ctx, origin, &env.Payload)
	if err != nil {
		c.log.Warn(ctx, "dropping undecryptable envelope", "origin", origin, "error", err)
		return
	}

	now := c.clk.Now()
	entry := history.NewEntry(string(env.Payload.ContentType), value, origin, now)
	outcome := c.hist.Apply(entry, now)

	if outcome != history.OutcomeDuplicateTop && c.onClip != nil {
		// Refreshed entries surface too: matching an older item makes it
		// the current clipboard value again.
		c.onClip(c.hist.Top())
	}

	if err := c.repo.TouchSeen(ctx, origin, ev.transport, now); err != nil {
		c.log.Warn(ctx, "updating peer last-seen failed", "peer", origin, "error", err)
	}
}

// alreadySeen records and checks the envelope id and nonce. Runs before
// content matching and is purely a discard.
func (c *Coordinator) alreadySeen(env *protocol.Envelope) bool {
	keys := []string{"id:" + env.ID.String()}
	if len(env.Payload.Encryption.Nonce) > 0 {
		keys = append(keys, "nonce:"+base64.StdEncoding.EncodeToString(env.Payload.Encryption.Nonce))
	}
	dup := false
	for _, k := range keys {
		if _, ok := c.seen.Get(k); ok {
			dup = true
		}
		c.seen.Add(k, struct{}{})
	}
	return dup
}

func (c *Coordinator) decrypt(ctx context.Context, origin string, p *protocol.Payload) ([]byte, error) {
	if p.Plaintext() {
		if !c.cfg.AllowPlaintext {
			return nil, fmt.Errorf("plaintext envelope refused")
		}
		return p.Ciphertext, nil
	}

	peer, err := c.repo.Get(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("no key for device %s: %w", origin, err)
	}
	return cryptox.Open(peer.Key, p.Encryption.Nonce, p.Ciphertext, p.Encryption.Tag)
}

// handleCapture applies the local change to history, then encrypts per
// target and enqueues on every transport. Dual-transport redundancy is
// intentional; the receive-side suppression makes it safe.
func (c *Coordinator) handleCapture(ev evCapture) error {
	ctx := context.Background()
	now := c.clk.Now()

	entry := history.NewEntry(string(ev.contentType), ev.value, devices.NormalizeID(c.cfg.DeviceID), now)
	if c.hist.Apply(entry, now) == history.OutcomeDuplicateTop {
		// Re-copy of the current top: nothing new to tell the peer.
		return nil
	}

	peers, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing peers: %w", err)
	}

	for _, peer := range peers {
		ciphertext, nonce, tag, err := cryptox.Seal(peer.Key, ev.value)
		if err != nil {
			c.log.Error(ctx, "encrypting for peer failed", "peer", peer.ID, "error", err)
			continue
		}
		env := protocol.NewEnvelope(protocol.Payload{
			DeviceID:    c.cfg.DeviceID,
			DeviceName:  c.cfg.DeviceName,
			Ciphertext:  ciphertext,
			ContentType: ev.contentType,
			Target:      peer.ID,
			Encryption:  protocol.Encryption{Nonce: nonce, Tag: tag},
		})
		frame, err := protocol.EncodeFrame(env)
		if err != nil {
			c.log.Error(ctx, "encoding envelope failed", "peer", peer.ID, "error", err)
			continue
		}
		for _, tr := range c.transports {
			tr.Enqueue(env, frame)
		}
	}
	return nil
}

func (c *Coordinator) handlePin(ev evPin) error {
	entries := c.hist.Entries()
	if ev.index < 0 || ev.index >= len(entries) {
		return fmt.Errorf("%w: history entry %d", common.ErrNotFound, ev.index)
	}
	c.hist.Pin(entries[ev.index], ev.pinned)
	return nil
}

func (c *Coordinator) handleControl(ev evControl) {
	ctx := context.Background()
	switch ev.msg.Kind {
	case protocol.KindError:
		c.log.Warn(ctx, "relay error",
			"transport", ev.transport, "code", ev.msg.Error.Code, "message", ev.msg.Error.Message)
	case protocol.KindControl:
		if ev.msg.Control.Action == ControlDeregisterKey && ev.msg.Control.TargetDeviceID != "" {
			id := devices.NormalizeID(ev.msg.Control.TargetDeviceID)
			c.log.Info(ctx, "peer requested unpair", "peer", id)
			if err := c.repo.Delete(ctx, id); err != nil {
				c.log.Warn(ctx, "removing peer failed", "peer", id, "error", err)
			}
			return
		}
		c.log.Debug(ctx, "ignoring control message",
			"transport", ev.transport, "action", ev.msg.Control.Action)
	}
}

// handleRaw forwards pairing frames to the handshake manager. Acks to an
// incoming challenge are sent from a separate goroutine so the coordinator
// loop never blocks on a transport write.
func (c *Coordinator) handleRaw(ev evRaw) {
	ctx := context.Background()
	if c.pair == nil {
		return
	}
	ack, err := c.pair.HandleRaw(ctx, ev.body, ev.transport)
	if err != nil {
		c.log.Warn(ctx, "pairing frame rejected", "transport", ev.transport, "error", err)
		return
	}
	if ack == nil {
		return
	}
	for _, tr := range c.transports {
		if tr.Name() != ev.transport {
			continue
		}
		go func(tr Transport) {
			if err := tr.SendRaw(context.Background(), ack); err != nil {
				c.log.Warn(context.Background(), "sending pairing ack failed",
					"transport", tr.Name(), "error", err)
			}
		}(tr)
	}
}
