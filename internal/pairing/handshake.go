package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/cryptox"
	"github.com/hyposync/hyposync/internal/devices"
	"github.com/hyposync/hyposync/internal/logging"
)

// State is the lifecycle position of a pairing session.
type State int

const (
	StateIdle State = iota
	StateInitiated
	StateAwaitingAck
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Session is one in-flight handshake attempt. At most one exists per
// Manager; a failed or completed session must be observed before a new
// one can start.
type Session struct {
	State       State
	Peer        PeerDescriptor
	ChallengeID string
	Nonce       []byte
	ExpiresAt   time.Time
	Transport   string

	ack chan *Message
}

// RawSender is the transport surface the initiator side needs.
type RawSender interface {
	Name() string
	Connect(ctx context.Context) error
	SendRaw(ctx context.Context, body []byte) error
}

// Config carries this device's pairing identity.
type Config struct {
	DeviceID   string
	DeviceName string

	// PrivateKey and PublicKey are the persistent X25519 keypair.
	PrivateKey []byte
	PublicKey  []byte

	// SigningKey signs handshake messages for code-based pairing. May be
	// nil when only LAN pairing is used.
	SigningKey ed25519.PrivateKey

	// AllowUnsignedLAN lets challenges arriving over the LAN transport
	// skip signature verification. Certificate pinning covers that path.
	AllowUnsignedLAN bool

	ChallengeTTL time.Duration // default 300s
	AckTimeout   time.Duration // default 60s
}

func (c *Config) withDefaults() {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = 300 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 60 * time.Second
	}
}

// Manager runs both sides of the handshake and persists the derived key.
type Manager struct {
	cfg  Config
	repo devices.Repository
	log  logging.Logger
	clk  clock.Clock

	mu      sync.Mutex
	session *Session
}

func NewManager(cfg Config, repo devices.Repository, log logging.Logger, clk clock.Clock) *Manager {
	cfg.withDefaults()
	if log == nil {
		log = logging.NewNopLogger()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{cfg: cfg, repo: repo, log: log.With("module", "pairing"), clk: clk}
}

// SessionState reports the current session state, StateIdle when none is
// active.
func (m *Manager) SessionState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateIdle
	}
	return m.session.State
}

// Initiate validates the peer descriptor and opens a session with a fresh
// random challenge. The challenge expires after the configured TTL.
func (m *Manager) Initiate(peer PeerDescriptor, transport string) (*Session, error) {
	if len(peer.PublicKey) != cryptox.KeySize {
		return nil, fmt.Errorf("peer descriptor: public key must be %d bytes, got %d",
			cryptox.KeySize, len(peer.PublicKey))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && (m.session.State == StateInitiated || m.session.State == StateAwaitingAck) {
		return nil, fmt.Errorf("pairing already in progress with %s", m.session.Peer.DeviceID)
	}

	s := &Session{
		State:       StateInitiated,
		Peer:        peer,
		ChallengeID: uuid.NewString(),
		Nonce:       cryptox.RandBytes(32),
		ExpiresAt:   m.clk.Now().Add(m.cfg.ChallengeTTL),
		Transport:   transport,
		ack:         make(chan *Message, 1),
	}
	m.session = s
	return s, nil
}

// ChallengeBody encodes the session's challenge message, signed when a
// signing key is configured.
func (m *Manager) ChallengeBody(s *Session) ([]byte, error) {
	msg := Message{
		ChallengeID: s.ChallengeID,
		Kind:        kindChallenge,
		DeviceID:    m.cfg.DeviceID,
		DeviceName:  m.cfg.DeviceName,
		PublicKey:   m.cfg.PublicKey,
		Nonce:       s.Nonce,
		ExpiresAt:   s.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if m.cfg.SigningKey != nil {
		msg.SigningKey = m.cfg.SigningKey.Public().(ed25519.PublicKey)
		msg.Signature = ed25519.Sign(m.cfg.SigningKey, signedMaterial(s.ChallengeID, s.Nonce))
	}
	return json.Marshal(msg)
}

// Pair runs the initiator side end to end over tr: connect, send the
// challenge raw, await the ack within the timeout, then Complete. All
// failures surface as pairing errors, never as process faults.
func (m *Manager) Pair(ctx context.Context, peer PeerDescriptor, tr RawSender) (*devices.PeerDevice, error) {
	s, err := m.Initiate(peer, tr.Name())
	if err != nil {
		return nil, err
	}

	body, err := m.ChallengeBody(s)
	if err != nil {
		m.fail(s)
		return nil, err
	}

	if err := tr.Connect(ctx); err != nil {
		m.fail(s)
		return nil, fmt.Errorf("pairing connect: %w", err)
	}
	m.setState(s, StateAwaitingAck)
	if err := tr.SendRaw(ctx, body); err != nil {
		m.fail(s)
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	timer := m.clk.Timer(m.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-s.ack:
		return m.Complete(ctx, s, ack)
	case <-timer.C:
		m.fail(s)
		return nil, common.ErrPairingTimeout
	case <-ctx.Done():
		m.fail(s)
		return nil, ctx.Err()
	}
}

// Complete verifies the ack against the session and persists the peer
// with the derived shared key. Expired challenges fail without touching
// the store.
func (m *Manager) Complete(ctx context.Context, s *Session, ack *Message) (*devices.PeerDevice, error) {
	if s.State != StateAwaitingAck {
		return nil, fmt.Errorf("pairing session in state %s, want %s", s.State, StateAwaitingAck)
	}
	if m.clk.Now().After(s.ExpiresAt) {
		m.fail(s)
		return nil, common.ErrChallengeExpired
	}
	if ack.ChallengeID != s.ChallengeID {
		m.fail(s)
		return nil, fmt.Errorf("%w: ack references challenge %s", common.ErrSignatureInvalid, ack.ChallengeID)
	}
	if !s.Peer.AllowUnsigned {
		if err := verifySignature(s.Peer.SigningKey, ack, s.Nonce); err != nil {
			m.fail(s)
			return nil, err
		}
	}

	key, err := cryptox.DeriveSharedKey(m.cfg.PrivateKey, ack.PublicKey)
	if err != nil {
		m.fail(s)
		return nil, fmt.Errorf("deriving shared key: %w", err)
	}

	name := ack.DeviceName
	if name == "" {
		name = s.Peer.DeviceName
	}
	peer := &devices.PeerDevice{
		ID:            devices.NormalizeID(ack.DeviceID),
		Name:          name,
		Key:           key,
		LastSeen:      m.clk.Now(),
		LastTransport: s.Transport,
	}
	if err := m.repo.Upsert(ctx, peer); err != nil {
		m.fail(s)
		return nil, fmt.Errorf("persisting peer: %w", err)
	}

	m.setState(s, StateCompleted)
	m.log.Info(ctx, "pairing completed", "peer", peer.ID, "transport", s.Transport)
	return peer, nil
}

// HandleRaw routes an incoming raw handshake frame. Challenge bodies get
// the responder treatment and return the ack to send back; ack bodies are
// delivered to the waiting initiator session and return nil.
func (m *Manager) HandleRaw(ctx context.Context, body []byte, transport string) ([]byte, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrFrameMalformed, err)
	}

	switch msg.Kind {
	case kindAck:
		m.mu.Lock()
		s := m.session
		live := s != nil && s.State == StateAwaitingAck && s.ChallengeID == msg.ChallengeID
		m.mu.Unlock()
		if !live {
			m.log.Debug(ctx, "dropping ack for unknown session", "challenge_id", msg.ChallengeID)
			return nil, nil
		}
		select {
		case s.ack <- &msg:
		default:
		}
		return nil, nil
	case kindChallenge:
		return m.HandleChallenge(ctx, &msg, transport)
	default:
		return nil, fmt.Errorf("%w: unknown pairing kind %q", common.ErrFrameMalformed, msg.Kind)
	}
}

// HandleChallenge runs the responder side: verify the challenge, derive
// and persist the shared key, and return the signed ack body.
func (m *Manager) HandleChallenge(ctx context.Context, ch *Message, transport string) ([]byte, error) {
	expiry, err := parseExpiry(ch.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad challenge expiry: %v", common.ErrFrameMalformed, err)
	}
	if m.clk.Now().After(expiry) {
		return nil, common.ErrChallengeExpired
	}

	unsigned := m.cfg.AllowUnsignedLAN && transport == "lan"
	if !unsigned {
		if err := verifySignature(nil, ch, ch.Nonce); err != nil {
			return nil, err
		}
	}

	key, err := cryptox.DeriveSharedKey(m.cfg.PrivateKey, ch.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("deriving shared key: %w", err)
	}

	peer := &devices.PeerDevice{
		ID:            devices.NormalizeID(ch.DeviceID),
		Name:          ch.DeviceName,
		Key:           key,
		LastSeen:      m.clk.Now(),
		LastTransport: transport,
	}
	if err := m.repo.Upsert(ctx, peer); err != nil {
		return nil, fmt.Errorf("persisting peer: %w", err)
	}
	m.log.Info(ctx, "pairing completed", "peer", peer.ID, "transport", transport)

	ack := Message{
		ChallengeID: ch.ChallengeID,
		Kind:        kindAck,
		DeviceID:    m.cfg.DeviceID,
		DeviceName:  m.cfg.DeviceName,
		PublicKey:   m.cfg.PublicKey,
		Nonce:       ch.Nonce,
	}
	if m.cfg.SigningKey != nil {
		ack.SigningKey = m.cfg.SigningKey.Public().(ed25519.PublicKey)
		ack.Signature = ed25519.Sign(m.cfg.SigningKey, signedMaterial(ch.ChallengeID, ch.Nonce))
	}
	return json.Marshal(&ack)
}

func (m *Manager) fail(s *Session) { m.setState(s, StateFailed) }

func (m *Manager) setState(s *Session, st State) {
	m.mu.Lock()
	s.State = st
	m.mu.Unlock()
}

// verifySignature checks an ed25519 signature over the challenge material.
// The expected key comes from the out-of-band descriptor when known; a key
// carried only in the message itself is accepted as a fallback so two
// devices exchanging descriptors solely through the relay can still pair.
func verifySignature(expected ed25519.PublicKey, msg *Message, nonce []byte) error {
	key := expected
	if len(key) == 0 {
		key = msg.SigningKey
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: no usable signing key", common.ErrSignatureInvalid)
	}
	if !ed25519.Verify(key, signedMaterial(msg.ChallengeID, nonce), msg.Signature) {
		return common.ErrSignatureInvalid
	}
	return nil
}
