package agent

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyposync/hyposync/internal/logging"
	"github.com/hyposync/hyposync/internal/protocol"
)

// lanServer accepts websocket connections from LAN peers. Decoded
// envelopes and control frames feed the coordinator exactly as if they
// had arrived on the dialing transport; pairing challenges are answered
// on the same socket. Successfully processed clipboard frames are echoed
// back as the delivery receipt the sender's round-trip store waits for.
type lanServer struct {
	app *App
	log logging.Logger
	srv *http.Server

	upgrader websocket.Upgrader
}

func newLANServer(app *App) *lanServer {
	return &lanServer{
		app: app,
		log: app.logger.With("module", "lanserver"),
		upgrader: websocket.Upgrader{
			// Peers are native agents, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// start listens with a freshly generated self-signed certificate. LAN
// peers either pin its fingerprint or rely on pairing-level verification.
func (s *lanServer) start(ctx context.Context, addr string) error {
	cert, err := selfSignedCert()
	if err != nil {
		return fmt.Errorf("generating lan certificate: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.srv = &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}

	go func() {
		if err := s.srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn(ctx, "lan listener stopped", "error", err)
		}
	}()
	return nil
}

func (s *lanServer) stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func (s *lanServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(ctx, "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	peer := r.Header.Get("X-Device-Id")
	s.log.Info(ctx, "lan peer connected", "remote", r.RemoteAddr, "peer", peer)

	go s.readLoop(conn, peer)
}

func (s *lanServer) readLoop(conn *websocket.Conn, peer string) {
	ctx := context.Background()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info(ctx, "lan peer disconnected", "peer", peer, "error", err)
			return
		}

		body, err := protocol.FrameBody(data)
		if err != nil {
			s.log.Warn(ctx, "dropping unreadable lan frame", "error", err)
			continue
		}

		switch kind := protocol.Classify(body); kind {
		case protocol.KindError, protocol.KindControl:
			msg, err := protocol.DecodeControl(kind, body)
			if err != nil {
				s.log.Warn(ctx, "dropping bad lan control frame", "error", err)
				continue
			}
			s.app.coord.HandleControl(msg, "lan")
		case protocol.KindPairing:
			ack, err := s.app.pair.HandleRaw(ctx, body, "lan")
			if err != nil {
				s.log.Warn(ctx, "lan pairing frame rejected", "error", err)
				continue
			}
			if ack != nil {
				s.write(conn, protocol.EncodeRawFrame(ack))
			}
		default:
			env, err := protocol.DecodeFrame(data)
			if err != nil {
				s.log.Warn(ctx, "dropping malformed lan frame", "error", err)
				continue
			}
			s.app.coord.HandleEnvelope(env, "lan")
			// Receipt echo: the sender's pending store matches on the id.
			s.write(conn, data)
		}
	}
}

func (s *lanServer) write(conn *websocket.Conn, frame []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.log.Warn(context.Background(), "lan write failed", "error", err)
	}
}

// lanPort extracts the port of the configured LAN listen address for the
// discovery record.
func (a *App) lanPort() int {
	_, portStr, err := net.SplitHostPort(a.config.LANListen)
	if err != nil {
		return 8443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8443
	}
	return port
}

// selfSignedCert builds an ephemeral ECDSA certificate for the LAN
// listener.
func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "hyposync-lan"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(0, 0, 0, 0)},
		DNSNames:     []string{"hyposync.local"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
