package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyposync/hyposync/internal/common"
)

// Conn is the subset of *websocket.Conn the transport uses. Tests satisfy
// it with fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens a connection and reports the handshake duration.
type DialFunc func(ctx context.Context) (Conn, time.Duration, error)

// NewDialer builds the websocket DialFunc for a transport config:
// device identification on the upgrade request, certificate pinning when a
// fingerprint is configured, and LAN/cloud URL normalization. Callers that
// need to re-resolve the target per attempt wrap it in their own DialFunc.
func NewDialer(cfg Config) (DialFunc, error) {
	target, err := prepareURL(cfg)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) (Conn, time.Duration, error) {
		var pinErr error

		dialer := websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
		if cfg.PinSHA256 != "" {
			dialer.TLSClientConfig = &tls.Config{
				// Pin verification replaces chain validation: LAN peers
				// present self-signed certificates.
				InsecureSkipVerify: true,
				VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
					pinErr = verifyPin(rawCerts, cfg.PinSHA256)
					return pinErr
				},
			}
		}

		header := http.Header{}
		header.Set(common.DeviceIDHeader, cfg.DeviceID)
		header.Set(common.PlatformHeader, cfg.Platform)

		start := time.Now()
		conn, resp, err := dialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if pinErr != nil {
				return nil, 0, pinErr
			}
			return nil, 0, fmt.Errorf("dial %s: %w", target, err)
		}
		return conn, time.Since(start), nil
	}, nil
}

// prepareURL normalizes the target URL. LAN targets are stripped of query
// parameters; cloud targets keep theirs and additionally carry the device
// identification as a query fallback for relays that cannot read headers.
func prepareURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing transport url: %w", err)
	}

	if cfg.LAN {
		u.RawQuery = ""
	} else {
		q := u.Query()
		q.Set(common.DeviceIDParam, cfg.DeviceID)
		q.Set(common.PlatformParam, cfg.Platform)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// verifyPin compares the SHA-256 fingerprint of the presented leaf
// certificate against the configured pin, case-insensitively.
func verifyPin(rawCerts [][]byte, pin string) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate presented", common.ErrPinningMismatch)
	}
	sum := sha256.Sum256(rawCerts[0])
	fingerprint := hex.EncodeToString(sum[:])
	if !strings.EqualFold(fingerprint, pin) {
		return fmt.Errorf("%w: got %s", common.ErrPinningMismatch, fingerprint)
	}
	return nil
}
