package config

import (
	"flag"
	"os"

	"github.com/hyposync/hyposync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-id string     stable device id
//	-n string      display name shown to peers
//	-r string      relay websocket URL
//	-api string    relay pairing-code API base URL
//	-lan string    fixed LAN peer endpoint (skips discovery)
//	-db string     sqlite database path
//	-m string      metrics listen address, empty disables
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-id", "-n", "-r", "-api", "-lan", "-db", "-m"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DeviceID, "id", cfg.DeviceID, "stable device id")
	fs.StringVar(&cfg.DeviceName, "n", cfg.DeviceName, "display name shown to peers")
	fs.StringVar(&cfg.RelayURL, "r", cfg.RelayURL, "relay websocket URL")
	fs.StringVar(&cfg.RelayAPIURL, "api", cfg.RelayAPIURL, "relay pairing-code API base URL")
	fs.StringVar(&cfg.LANTarget, "lan", cfg.LANTarget, "fixed LAN peer endpoint (skips discovery)")
	fs.StringVar(&cfg.DatabaseDSN, "db", cfg.DatabaseDSN, "sqlite database path")
	fs.StringVar(&cfg.MetricsAddr, "m", cfg.MetricsAddr, "metrics listen address (empty disables)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
