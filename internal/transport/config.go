package transport

import "time"

// Config describes one transport instance. LAN and cloud are
// configurations of the same connection machine: they differ in keepalive
// style and in how the target URL is prepared.
type Config struct {
	// Name labels logs and metrics, conventionally "lan" or "cloud".
	Name string

	// URL is the websocket endpoint. LAN targets have their query
	// parameters stripped before dialing (local servers do not expect
	// them); cloud targets keep theirs for relay routing.
	URL string

	// DeviceID and Platform identify this device on the upgrade request,
	// as headers with a query-parameter fallback on cloud targets.
	DeviceID string
	Platform string

	// PinSHA256 is the hex SHA-256 fingerprint of the expected leaf
	// certificate, compared case-insensitively. Empty disables pinning.
	PinSHA256 string

	// LAN selects the idle-watchdog keepalive; cloud transports send
	// heartbeat pings instead.
	LAN bool

	IdleTimeout      time.Duration // LAN watchdog window
	PingInterval     time.Duration // cloud heartbeat period
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PendingMaxAge    time.Duration // round-trip store TTL
	MaxBackoff       time.Duration // reconnect delay ceiling

	QueueTTL      time.Duration // outbound message validity
	MaxRetries    int           // drop beyond this many retries
	LargePayload  int           // frames above this wait for the confirm window
	ConfirmWindow time.Duration // large-send confirmation delay
}

func (c *Config) withDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = 60 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 128 * time.Second
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = 600 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.LargePayload <= 0 {
		c.LargePayload = 1 << 20
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = 2 * time.Second
	}
}
