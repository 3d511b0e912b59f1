// Package discovery announces this device on the local network and
// browses for peers, using mDNS/DNS-SD. Browse results carry everything
// pairing needs: device id, persistent public key, optional signing key
// and an optional relay hint for devices that also sit behind a relay.
package discovery

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/hyposync/hyposync/internal/devices"
	"github.com/hyposync/hyposync/internal/logging"
	"github.com/hyposync/hyposync/internal/pairing"
)

const (
	ServiceType = "_hyposync._tcp"
	domain      = "local."
)

// TXT record keys.
const (
	txtDeviceID   = "device_id"
	txtPublicKey  = "pk"
	txtSigningKey = "spk"
	txtRelayHint  = "relay"
)

// Config describes the record this device publishes.
type Config struct {
	Instance   string // display name, defaults to the device id
	Port       int
	DeviceID   string
	PublicKey  []byte
	SigningKey []byte
	RelayHint  string
}

// Announcer keeps this device's mDNS registration alive until Shutdown.
type Announcer struct {
	server *zeroconf.Server
}

// Announce publishes the service record.
func Announce(cfg Config) (*Announcer, error) {
	if cfg.Instance == "" {
		cfg.Instance = cfg.DeviceID
	}
	server, err := zeroconf.Register(cfg.Instance, ServiceType, domain, cfg.Port, encodeTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("registering mdns service: %w", err)
	}
	return &Announcer{server: server}, nil
}

func (a *Announcer) Shutdown() {
	a.server.Shutdown()
}

// Browse streams peer descriptors discovered on the LAN until ctx is
// cancelled. Records missing a device id or public key are skipped; this
// device's own record is filtered out by selfID.
func Browse(ctx context.Context, selfID string, log logging.Logger) (<-chan pairing.PeerDescriptor, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("creating mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("browsing mdns: %w", err)
	}

	out := make(chan pairing.PeerDescriptor, 8)
	go func() {
		defer close(out)
		for entry := range entries {
			desc, err := entryDescriptor(entry)
			if err != nil {
				log.Debug(ctx, "skipping unusable discovery record", "instance", entry.Instance, "error", err)
				continue
			}
			if devices.NormalizeID(desc.DeviceID) == devices.NormalizeID(selfID) {
				continue
			}
			select {
			case out <- desc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func encodeTXT(cfg Config) []string {
	txt := []string{
		txtDeviceID + "=" + cfg.DeviceID,
		txtPublicKey + "=" + base64.StdEncoding.EncodeToString(cfg.PublicKey),
	}
	if len(cfg.SigningKey) > 0 {
		txt = append(txt, txtSigningKey+"="+base64.StdEncoding.EncodeToString(cfg.SigningKey))
	}
	if cfg.RelayHint != "" {
		txt = append(txt, txtRelayHint+"="+cfg.RelayHint)
	}
	return txt
}

// entryDescriptor turns one browse result into a pairing descriptor. LAN
// discovered peers are marked AllowUnsigned: certificate pinning on the
// LAN transport covers them.
func entryDescriptor(entry *zeroconf.ServiceEntry) (pairing.PeerDescriptor, error) {
	fields, err := parseTXT(entry.Text)
	if err != nil {
		return pairing.PeerDescriptor{}, err
	}

	desc := pairing.PeerDescriptor{
		DeviceID:      fields.deviceID,
		DeviceName:    entry.Instance,
		PublicKey:     fields.publicKey,
		SigningKey:    fields.signingKey,
		RelayHint:     fields.relayHint,
		AllowUnsigned: true,
	}
	if addr := pickAddr(entry); addr != "" {
		desc.Addr = fmt.Sprintf("wss://%s/ws", net.JoinHostPort(addr, fmt.Sprint(entry.Port)))
	}
	return desc, nil
}

type txtFields struct {
	deviceID   string
	publicKey  []byte
	signingKey []byte
	relayHint  string
}

func parseTXT(txt []string) (txtFields, error) {
	var f txtFields
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case txtDeviceID:
			f.deviceID = value
		case txtPublicKey:
			pk, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return f, fmt.Errorf("bad public key in txt record: %w", err)
			}
			f.publicKey = pk
		case txtSigningKey:
			spk, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return f, fmt.Errorf("bad signing key in txt record: %w", err)
			}
			f.signingKey = spk
		case txtRelayHint:
			f.relayHint = value
		}
	}
	if f.deviceID == "" {
		return f, fmt.Errorf("txt record missing device_id")
	}
	if len(f.publicKey) == 0 {
		return f, fmt.Errorf("txt record missing public key")
	}
	return f, nil
}

// pickAddr prefers IPv4 addresses; mobile peers often publish both.
func pickAddr(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return ""
}
