package pairing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/devices"
	"github.com/hyposync/hyposync/internal/logging"
)

// Relay pairing-code API paths. Codes expire server-side after 60s, so
// clients treat a 404 on claim as "expired or mistyped".
const (
	codeCreatePath = "/pair/code"
	codeClaimPath  = "/pair/claim"

	ackPollInterval = 2 * time.Second
)

// CodeClient talks to the relay's out-of-band pairing-code API. Two
// devices with no LAN path exchange descriptors and handshake messages
// through it: one creates a short code, the other claims it.
type CodeClient struct {
	base string
	http *http.Client
	log  logging.Logger
	clk  clock.Clock
}

func NewCodeClient(base string, log logging.Logger, clk clock.Clock) *CodeClient {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &CodeClient{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log.With("module", "paircode"),
		clk:  clk,
	}
}

// Create registers this device's descriptor with the relay and returns
// the short-lived code to show the user.
func (c *CodeClient) Create(ctx context.Context, self PeerDescriptor) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	if err := c.post(ctx, codeCreatePath, self, &out); err != nil {
		return "", err
	}
	if out.Code == "" {
		return "", fmt.Errorf("relay returned empty pairing code")
	}
	return out.Code, nil
}

// Claim exchanges a typed-in code for the creating device's descriptor.
func (c *CodeClient) Claim(ctx context.Context, code string, self PeerDescriptor) (PeerDescriptor, error) {
	req := struct {
		Code string `json:"code"`
		PeerDescriptor
	}{Code: code, PeerDescriptor: self}

	var peer PeerDescriptor
	if err := c.post(ctx, codeClaimPath, req, &peer); err != nil {
		return PeerDescriptor{}, err
	}
	return peer, nil
}

// SubmitChallenge posts the initiator's challenge body under the code.
func (c *CodeClient) SubmitChallenge(ctx context.Context, code string, body []byte) error {
	return c.postRaw(ctx, "/pair/"+url.PathEscape(code)+"/challenge", body)
}

// SubmitAck posts the responder's ack body under the code.
func (c *CodeClient) SubmitAck(ctx context.Context, code string, body []byte) error {
	return c.postRaw(ctx, "/pair/"+url.PathEscape(code)+"/ack", body)
}

// PollChallenge waits for the initiator's challenge to appear.
func (c *CodeClient) PollChallenge(ctx context.Context, code string, timeout time.Duration) ([]byte, error) {
	return c.poll(ctx, "/pair/"+url.PathEscape(code)+"/challenge", timeout)
}

// PollAck waits for the responder's ack to appear, giving up with
// ErrPairingTimeout after the deadline.
func (c *CodeClient) PollAck(ctx context.Context, code string, timeout time.Duration) ([]byte, error) {
	return c.poll(ctx, "/pair/"+url.PathEscape(code)+"/ack", timeout)
}

func (c *CodeClient) poll(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	deadline := c.clk.Now().Add(timeout)
	ticker := c.clk.Ticker(ackPollInterval)
	defer ticker.Stop()

	for {
		body, found, err := c.get(ctx, path)
		if err != nil {
			return nil, err
		}
		if found {
			return body, nil
		}
		if c.clk.Now().After(deadline) {
			return nil, common.ErrPairingTimeout
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *CodeClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: pairing code not found or expired", common.ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("relay %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *CodeClient) postRaw(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: pairing code not found or expired", common.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// Descriptor builds this device's descriptor for code registration.
func (m *Manager) Descriptor() PeerDescriptor {
	d := PeerDescriptor{
		DeviceID:   m.cfg.DeviceID,
		DeviceName: m.cfg.DeviceName,
		PublicKey:  m.cfg.PublicKey,
	}
	if m.cfg.SigningKey != nil {
		d.SigningKey = m.cfg.SigningKey.Public().(ed25519.PublicKey)
	}
	return d
}

// PairByCode runs the claimer (initiator) side of code-based pairing: the
// typed-in code is exchanged for the peer's descriptor, the challenge is
// submitted through the relay, and the ack is polled for. Code-based
// pairing always verifies signatures.
func (m *Manager) PairByCode(ctx context.Context, cc *CodeClient, code string) (*devices.PeerDevice, error) {
	peer, err := cc.Claim(ctx, code, m.Descriptor())
	if err != nil {
		return nil, err
	}

	s, err := m.Initiate(peer, "cloud")
	if err != nil {
		return nil, err
	}
	body, err := m.ChallengeBody(s)
	if err != nil {
		m.fail(s)
		return nil, err
	}
	if err := cc.SubmitChallenge(ctx, code, body); err != nil {
		m.fail(s)
		return nil, err
	}
	m.setState(s, StateAwaitingAck)

	ackBody, err := cc.PollAck(ctx, code, m.cfg.AckTimeout)
	if err != nil {
		m.fail(s)
		return nil, err
	}
	var ack Message
	if err := json.Unmarshal(ackBody, &ack); err != nil {
		m.fail(s)
		return nil, fmt.Errorf("%w: %v", common.ErrFrameMalformed, err)
	}
	return m.Complete(ctx, s, &ack)
}

// ServeCode runs the creator (responder) side: register a code, hand it to
// onCode for display, then wait for the claimer's challenge and answer it.
func (m *Manager) ServeCode(ctx context.Context, cc *CodeClient, onCode func(string)) error {
	code, err := cc.Create(ctx, m.Descriptor())
	if err != nil {
		return err
	}
	if onCode != nil {
		onCode(code)
	}

	chBody, err := cc.PollChallenge(ctx, code, m.cfg.AckTimeout)
	if err != nil {
		return err
	}
	var ch Message
	if err := json.Unmarshal(chBody, &ch); err != nil {
		return fmt.Errorf("%w: %v", common.ErrFrameMalformed, err)
	}
	ackBody, err := m.HandleChallenge(ctx, &ch, "cloud")
	if err != nil {
		return err
	}
	return cc.SubmitAck(ctx, code, ackBody)
}

// get returns found=false on 404, which poll treats as "not yet".
func (c *CodeClient) get(ctx context.Context, path string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("relay %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}
