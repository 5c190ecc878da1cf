package network

import (
	"sync"

	"github.com/arjunk-dev/rdt/pkg/common"
)

// SimNetwork is a deterministic in-process Network used by tests and the
// example server: it delivers datagrams synchronously to whatever receiver
// is registered for the destination address, with optional scripted loss
// for exercising retransmission.
//
// SimNetwork never corrupts a segment on the wire. Its SkipChecksum field,
// reported through IgnoreChecksum, only tells a Server layered on top to
// skip checksum verification; when verification is on, bad-checksum
// segments are dropped and logged by that Server — see pkg/tcp.Server.
type SimNetwork struct {
	mu        sync.Mutex
	receivers map[common.IPv4Address]ReceiveFunc

	// Drop, when non-nil, is consulted before every Send; returning true
	// discards the datagram as if it were lost in transit.
	Drop func(srcAddr, dstAddr common.IPv4Address, data []byte) bool

	// SkipChecksum, when true, tells a Server layered on this network to
	// skip checksum verification — this in-process network never
	// corrupts a segment on the wire, so the checksum here only ever
	// catches a bug in the sender, not bit-flips in transit.
	SkipChecksum bool
}

// NewSimNetwork creates an empty simulated network.
func NewSimNetwork() *SimNetwork {
	return &SimNetwork{
		receivers: make(map[common.IPv4Address]ReceiveFunc),
	}
}

// RegisterReceiver implements Network.
func (n *SimNetwork) RegisterReceiver(localAddr common.IPv4Address, callback ReceiveFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[localAddr] = callback
	return nil
}

// Unregister implements Network.
func (n *SimNetwork) Unregister(localAddr common.IPv4Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receivers, localAddr)
}

// IgnoreChecksum implements Network.
func (n *SimNetwork) IgnoreChecksum() bool {
	return n.SkipChecksum
}

// Send implements Network. Delivery is synchronous: the registered
// receiver's callback runs on the caller's goroutine before Send returns.
func (n *SimNetwork) Send(srcAddr, dstAddr common.IPv4Address, data []byte) error {
	if n.Drop != nil && n.Drop(srcAddr, dstAddr, data) {
		return nil
	}

	n.mu.Lock()
	receiver, ok := n.receivers[dstAddr]
	n.mu.Unlock()

	if !ok {
		return nil
	}

	// Deliver a pooled copy so the receiver cannot observe mutations the
	// sender makes to its own buffer, and the sender cannot observe the
	// receiver's. The slice is only valid for the duration of the callback;
	// receivers that need the bytes longer must copy (tcp.Parse does).
	cp := common.GetBuffer(len(data))
	copy(cp, data)

	receiver(srcAddr, cp)
	common.PutBuffer(cp)
	return nil
}
