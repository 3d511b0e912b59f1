// Package devices stores paired peer devices and their shared symmetric
// keys. Device ids are normalized once at this storage boundary; every
// read and write goes through the same canonicalization.
package devices

import "time"

// PeerDevice is a paired peer. Created at pairing completion, deleted on
// unpair. Key is the 32-byte AES key shared with that peer.
type PeerDevice struct {
	ID            string
	Name          string
	Key           []byte
	LastSeen      time.Time
	LastTransport string
}
