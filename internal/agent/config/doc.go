// Package config loads runtime configuration for the hyposync agent.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be
// either strings like "30s" or integer nanoseconds:
//
//	{
//	  "device_id": "9f6d1c1e-6df3-4d65-9f3a-6a2f0a6a8a11",
//	  "device_name": "living-room-desktop",
//	  "relay_url": "wss://relay.hyposync.dev/ws",
//	  "relay_pin": "a3b1...64 hex chars...",
//	  "lan_idle_timeout": "30s",
//	  "cloud_ping_interval": "20s"
//	}
//
// Note: This package does not read environment variables directly; use
// the JSON file or flags to configure values.
package config
