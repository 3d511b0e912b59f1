package config

import (
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Config holds runtime settings for the hyposync agent.
//
// Device identity (DeviceID, the X25519 keypair in KeyFile) is stable
// across restarts; everything else can change freely between runs.
type Config struct {
	DeviceID   string
	DeviceName string
	Platform   string

	DatabaseDSN string
	KeyFile     string

	RelayURL    string // websocket endpoint of the cloud relay
	RelayAPIURL string // HTTP base of the relay's pairing-code API
	RelayPin    string // SHA-256 fingerprint of the relay certificate, empty disables pinning
	LANTarget   string // fixed LAN peer endpoint; empty means discover via mDNS
	LANPin      string
	LANListen   string // address the LAN websocket listener binds to

	HistoryLimit   int
	AllowPlaintext bool

	LANIdleTimeout    time.Duration
	CloudPingInterval time.Duration

	// MetricsAddr exposes the prometheus endpoint when non-empty.
	MetricsAddr string
}

// LoadDefaults populates c with sensible defaults. The device id is
// freshly generated; persistent deployments override it via JSON or flag.
func (c *Config) LoadDefaults() {
	c.DeviceID = uuid.NewString()
	if host, err := os.Hostname(); err == nil {
		c.DeviceName = host
	}
	c.Platform = runtime.GOOS
	c.DatabaseDSN = "hyposync.db"
	c.KeyFile = "hyposync.key"
	c.RelayURL = "wss://relay.hyposync.dev/ws"
	c.RelayAPIURL = "https://relay.hyposync.dev"
	c.LANListen = ":8443"
	c.HistoryLimit = 50
	c.LANIdleTimeout = 30 * time.Second
	c.CloudPingInterval = 20 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
