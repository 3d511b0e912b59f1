package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// startKeepalive arms the mechanism appropriate for the transport kind:
// LAN connections get an idle watchdog that closes the socket when nothing
// has moved within the configured window; cloud connections heartbeat with
// websocket pings, and a failed ping is treated as connection loss.
// Runs on the loop goroutine.
func (t *Transport) startKeepalive(conn Conn, gen uint64) {
	if t.cfg.LAN {
		t.watchdog = t.clk.AfterFunc(t.cfg.IdleTimeout, func() {
			_ = t.post(context.Background(), evIdleTimeout{gen: gen})
		})
		return
	}

	// Pongs extend the read deadline; a peer that stops answering makes
	// the blocked ReadMessage fail, which lands in handleClosed.
	deadline := 2*t.cfg.PingInterval + 5*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	stop := make(chan struct{})
	t.stopKeepalive = stop
	go t.pingLoop(conn, gen, stop)
}

func (t *Transport) pingLoop(conn Conn, gen uint64, stop chan struct{}) {
	ticker := t.clk.Ticker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				select {
				case t.events <- evClosed{gen: gen, err: fmt.Errorf("heartbeat failed: %w", err)}:
				case <-t.done:
				}
				return
			}
		}
	}
}

// touchWatchdog pushes the LAN idle deadline out after socket activity.
// Runs on the loop goroutine.
func (t *Transport) touchWatchdog() {
	if t.watchdog != nil {
		t.watchdog.Reset(t.cfg.IdleTimeout)
	}
}

// haltKeepalive cancels the watchdog or heartbeat for the current
// connection. Runs on the loop goroutine.
func (t *Transport) haltKeepalive() {
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
	if t.stopKeepalive != nil {
		close(t.stopKeepalive)
		t.stopKeepalive = nil
	}
}
