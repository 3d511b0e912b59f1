package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/hyposync/hyposync/internal/flagx"
	"github.com/hyposync/hyposync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies
// on timex.Duration so JSON can specify intervals either as strings like
// "30s" or as integer nanoseconds. After parsing, values are copied into
// the runtime Config.
type JsonConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`

	DatabaseDSN string `json:"database_dsn"`
	KeyFile     string `json:"key_file"`

	RelayURL    string `json:"relay_url"`
	RelayAPIURL string `json:"relay_api_url"`
	RelayPin    string `json:"relay_pin"`
	LANTarget   string `json:"lan_target"`
	LANPin      string `json:"lan_pin"`
	LANListen   string `json:"lan_listen"`

	HistoryLimit   int  `json:"history_limit"`
	AllowPlaintext bool `json:"allow_plaintext"`

	LANIdleTimeout    timex.Duration `json:"lan_idle_timeout"`
	CloudPingInterval timex.Duration `json:"cloud_ping_interval"`

	MetricsAddr string `json:"metrics_addr"`
}

// parseJson overlays Config with values loaded from a JSON file selected
// via the -c or -config flag. Absent file means no changes; read or
// unmarshal errors panic (caller should recover if desired). Empty JSON
// fields do not clobber earlier values.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFileFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DeviceID != "" {
		cfg.DeviceID = jc.DeviceID
	}
	if jc.DeviceName != "" {
		cfg.DeviceName = jc.DeviceName
	}
	if jc.Platform != "" {
		cfg.Platform = jc.Platform
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.KeyFile != "" {
		cfg.KeyFile = jc.KeyFile
	}
	if jc.RelayURL != "" {
		cfg.RelayURL = jc.RelayURL
	}
	if jc.RelayAPIURL != "" {
		cfg.RelayAPIURL = jc.RelayAPIURL
	}
	if jc.RelayPin != "" {
		cfg.RelayPin = jc.RelayPin
	}
	if jc.LANTarget != "" {
		cfg.LANTarget = jc.LANTarget
	}
	if jc.LANPin != "" {
		cfg.LANPin = jc.LANPin
	}
	if jc.LANListen != "" {
		cfg.LANListen = jc.LANListen
	}
	if jc.HistoryLimit > 0 {
		cfg.HistoryLimit = jc.HistoryLimit
	}
	if jc.AllowPlaintext {
		cfg.AllowPlaintext = true
	}
	if jc.LANIdleTimeout.Duration > 0 {
		cfg.LANIdleTimeout = time.Duration(jc.LANIdleTimeout.Duration)
	}
	if jc.CloudPingInterval.Duration > 0 {
		cfg.CloudPingInterval = time.Duration(jc.CloudPingInterval.Duration)
	}
	if jc.MetricsAddr != "" {
		cfg.MetricsAddr = jc.MetricsAddr
	}
}
