// Package network defines the collaborator the transport core sends and
// receives raw segment bytes through, and a deterministic in-process
// implementation of it for tests and local examples.
package network

import (
	"github.com/arjunk-dev/rdt/pkg/common"
)

// ReceiveFunc is invoked once for every datagram arriving for a registered
// local address, carrying the sender's address and the raw
// segment bytes exactly as received (undecoded). The byte slice is only
// valid until the callback returns; the network layer may recycle it.
type ReceiveFunc func(srcAddr common.IPv4Address, data []byte)

// Network is the external collaborator the transport core relies on to move
// segment bytes between hosts. It models neither routing nor link framing:
// callers hand it already-serialized segment bytes and a destination
// address, and it hands back whatever bytes (in whatever order, with
// whatever loss) a registered receiver should see.
type Network interface {
	// RegisterReceiver arranges for callback to be invoked whenever a
	// datagram addressed to localAddr arrives. Only one receiver may be
	// registered per address; port demultiplexing happens above this
	// interface, inside the segment header the receiver decodes.
	RegisterReceiver(localAddr common.IPv4Address, callback ReceiveFunc) error

	// Unregister removes a previously registered receiver.
	Unregister(localAddr common.IPv4Address)

	// Send transmits data (a fully serialized segment, checksum included)
	// from srcAddr to dstAddr. Send does not block on delivery.
	Send(srcAddr, dstAddr common.IPv4Address, data []byte) error

	// IgnoreChecksum reports whether the demultiplexer above this network
	// should skip checksum verification on inbound segments — set by
	// implementations (real or simulated) that already guarantee payload
	// integrity below this layer.
	IgnoreChecksum() bool
}
