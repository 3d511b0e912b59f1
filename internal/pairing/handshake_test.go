package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/cryptox"
	"github.com/hyposync/hyposync/internal/devices"
)

// memRepo is an in-memory devices.Repository for handshake tests.
type memRepo struct {
	mu    sync.Mutex
	peers map[string]*devices.PeerDevice
}

func newMemRepo() *memRepo {
	return &memRepo{peers: make(map[string]*devices.PeerDevice)}
}

func (r *memRepo) Upsert(_ context.Context, d *devices.PeerDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[d.ID] = d
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*devices.PeerDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.peers[devices.NormalizeID(id)]
	if !ok {
		return nil, common.ErrNotFound
	}
	return d, nil
}

func (r *memRepo) List(_ context.Context) ([]*devices.PeerDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*devices.PeerDevice, 0, len(r.peers))
	for _, d := range r.peers {
		out = append(out, d)
	}
	return out, nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, devices.NormalizeID(id))
	return nil
}

func (r *memRepo) TouchSeen(_ context.Context, id, transport string, seen time.Time) error {
	return nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

type testDevice struct {
	mgr  *Manager
	repo *memRepo
	desc PeerDescriptor
}

func newTestDevice(t *testing.T, id string, clk clock.Clock, signed bool) *testDevice {
	t.Helper()
	priv, pub, err := cryptox.GenerateKeypair()
	require.NoError(t, err)

	cfg := Config{
		DeviceID:   id,
		DeviceName: id + "-name",
		PrivateKey: priv,
		PublicKey:  pub,
	}
	if signed {
		_, sk, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		cfg.SigningKey = sk
	} else {
		cfg.AllowUnsignedLAN = true
	}

	repo := newMemRepo()
	d := &testDevice{
		mgr:  NewManager(cfg, repo, nil, clk),
		repo: repo,
	}
	d.desc = d.mgr.Descriptor()
	return d
}

// pipeSender connects an initiating Manager directly to a responding one,
// standing in for a transport.
type pipeSender struct {
	name      string
	initiator *Manager
	responder *Manager
}

func (p *pipeSender) Name() string                     { return p.name }
func (p *pipeSender) Connect(context.Context) error    { return nil }
func (p *pipeSender) SendRaw(ctx context.Context, body []byte) error {
	go func() {
		ack, err := p.responder.HandleRaw(ctx, body, p.name)
		if err != nil || ack == nil {
			return
		}
		_, _ = p.initiator.HandleRaw(ctx, ack, p.name)
	}()
	return nil
}

func TestPairEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("signed handshake derives the same key on both sides", func(t *testing.T) {
		a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clock.New(), true)
		b := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clock.New(), true)
		pipe := &pipeSender{name: "lan", initiator: a.mgr, responder: b.mgr}

		peerDesc := b.desc
		peer, err := a.mgr.Pair(ctx, peerDesc, pipe)
		require.NoError(t, err)
		assert.Equal(t, b.desc.DeviceID, peer.ID)
		assert.Equal(t, StateCompleted, a.mgr.SessionState())

		stored, err := b.repo.Get(ctx, a.desc.DeviceID)
		require.NoError(t, err)
		assert.Equal(t, peer.Key, stored.Key, "both sides must derive the same symmetric key")
		assert.Len(t, peer.Key, cryptox.KeySize)
	})

	t.Run("lan pairing without signatures relies on pinning", func(t *testing.T) {
		a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clock.New(), false)
		b := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clock.New(), false)
		pipe := &pipeSender{name: "lan", initiator: a.mgr, responder: b.mgr}

		peerDesc := b.desc
		peerDesc.AllowUnsigned = true
		_, err := a.mgr.Pair(ctx, peerDesc, pipe)
		require.NoError(t, err)
		assert.Equal(t, 1, b.repo.count())
	})

	t.Run("device id is normalized before persisting", func(t *testing.T) {
		a := newTestDevice(t, "macos-ABCDEF00-1111-2222-3333-444444444444", clock.New(), true)
		b := newTestDevice(t, "33333333-cccc-cccc-cccc-cccccccccccc", clock.New(), true)
		pipe := &pipeSender{name: "lan", initiator: a.mgr, responder: b.mgr}

		_, err := a.mgr.Pair(ctx, b.desc, pipe)
		require.NoError(t, err)

		stored, err := b.repo.Get(ctx, "abcdef00-1111-2222-3333-444444444444")
		require.NoError(t, err)
		assert.Equal(t, "abcdef00-1111-2222-3333-444444444444", stored.ID)
	})
}

func TestCompleteAfterExpiryFails(t *testing.T) {
	clk := clock.NewMock()
	a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clk, true)
	b := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clk, true)

	s, err := a.mgr.Initiate(b.desc, "lan")
	require.NoError(t, err)
	body, err := a.mgr.ChallengeBody(s)
	require.NoError(t, err)
	a.mgr.setState(s, StateAwaitingAck)

	ackBody, err := b.mgr.HandleChallenge(context.Background(), mustDecode(t, body), "lan")
	require.NoError(t, err)

	clk.Add(301 * time.Second)

	_, err = a.mgr.Complete(context.Background(), s, mustDecode(t, ackBody))
	assert.ErrorIs(t, err, common.ErrChallengeExpired)
	assert.Equal(t, StateFailed, a.mgr.SessionState())
	assert.Equal(t, 0, a.repo.count(), "no key may be persisted after expiry")
}

func TestResponderRejectsExpiredChallenge(t *testing.T) {
	clk := clock.NewMock()
	a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clk, true)
	b := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clk, true)

	s, err := a.mgr.Initiate(b.desc, "lan")
	require.NoError(t, err)
	body, err := a.mgr.ChallengeBody(s)
	require.NoError(t, err)

	clk.Add(301 * time.Second)

	_, err = b.mgr.HandleChallenge(context.Background(), mustDecode(t, body), "lan")
	assert.ErrorIs(t, err, common.ErrChallengeExpired)
	assert.Equal(t, 0, b.repo.count())
}

func TestCompleteRejectsBadSignature(t *testing.T) {
	a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clock.New(), true)
	b := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clock.New(), true)

	s, err := a.mgr.Initiate(b.desc, "lan")
	require.NoError(t, err)
	body, err := a.mgr.ChallengeBody(s)
	require.NoError(t, err)
	a.mgr.setState(s, StateAwaitingAck)

	ackBody, err := b.mgr.HandleChallenge(context.Background(), mustDecode(t, body), "lan")
	require.NoError(t, err)

	ack := mustDecode(t, ackBody)
	ack.Signature[0] ^= 0xff

	_, err = a.mgr.Complete(context.Background(), s, ack)
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)
	assert.Equal(t, 0, a.repo.count())
}

func TestCompleteRejectsForeignChallengeID(t *testing.T) {
	a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clock.New(), true)
	b := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clock.New(), true)

	s, err := a.mgr.Initiate(b.desc, "lan")
	require.NoError(t, err)
	body, err := a.mgr.ChallengeBody(s)
	require.NoError(t, err)
	a.mgr.setState(s, StateAwaitingAck)

	ackBody, err := b.mgr.HandleChallenge(context.Background(), mustDecode(t, body), "lan")
	require.NoError(t, err)
	ack := mustDecode(t, ackBody)
	ack.ChallengeID = "00000000-0000-0000-0000-000000000000"

	_, err = a.mgr.Complete(context.Background(), s, ack)
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)
}

func TestPairTimesOutWithoutAck(t *testing.T) {
	clk := clock.NewMock()
	a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clk, true)
	b := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clk, true)

	done := make(chan error, 1)
	go func() {
		_, err := a.mgr.Pair(context.Background(), b.desc, dropSender{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return a.mgr.SessionState() == StateAwaitingAck
	}, 2*time.Second, 10*time.Millisecond)

	clk.Add(61 * time.Second)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, common.ErrPairingTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("pair did not time out")
	}
}

func TestInitiateRejectsMissingPublicKey(t *testing.T) {
	a := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clock.New(), true)
	_, err := a.mgr.Initiate(PeerDescriptor{DeviceID: "nobody"}, "lan")
	assert.Error(t, err)
}

// dropSender swallows the challenge so the ack never arrives.
type dropSender struct{}

func (dropSender) Name() string                          { return "lan" }
func (dropSender) Connect(context.Context) error         { return nil }
func (dropSender) SendRaw(context.Context, []byte) error { return nil }

func mustDecode(t *testing.T, body []byte) *Message {
	t.Helper()
	var m Message
	require.NoError(t, json.Unmarshal(body, &m))
	return &m
}
