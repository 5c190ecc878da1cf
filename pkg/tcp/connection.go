package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/arjunk-dev/rdt/pkg/common"
	"github.com/arjunk-dev/rdt/pkg/network"
)

// segmentSink is how a Connection hands a serialized, checksummed segment
// to whatever transmits it — normally network.Network.Send, bound to this
// connection's local/remote addresses, but swappable in tests.
type segmentSink func(wire []byte) error

// Connection is the per-4-tuple reliability and congestion state machine:
// handshake completion, in-order delivery, cumulative/duplicate ACK
// handling with fast retransmit, a single-timer retransmit queue, Karn's
// rule RTT sampling, AIMD congestion control, and FIN-based graceful close
// with no TIME_WAIT.
type Connection struct {
	ID xid.ID

	LocalAddr  common.IPv4Address
	LocalPort  uint16
	RemoteAddr common.IPv4Address
	RemotePort uint16

	state *StateMachine
	mu    sync.RWMutex

	sndUna uint32
	sndNxt uint32
	sndWnd uint16
	iss    uint32

	rcvNxt uint32
	rcvWnd uint16
	irs    uint32

	sendBuffer    *SendBuffer
	receiveBuffer *ReceiveBuffer

	retransmitQueue *RetransmitQueue
	rtt             *RTTEstimator
	retransmitTimer *time.Timer

	cc *CongestionControl

	mss uint16

	net     network.Network
	send    segmentSink
	metrics *Metrics
	log     *logrus.Entry

	// appCallback delivers newly in-order payload bytes to the
	// application; an empty payload signals the peer's FIN. onClose fires
	// once the connection has fully closed.
	appCallback func(*Connection, []byte)
	onClose     func()

	// isnOverride, when non-nil, replaces generateISN's crypto/rand draw.
	// Tests that need a deterministic handshake set this through
	// newConnection's connConfig rather than weakening the production path.
	isnOverride func() uint32

	closed bool
}

// connConfig bundles the collaborators a Connection needs beyond its
// 4-tuple; Server fills this in for accepted connections.
type connConfig struct {
	Net         network.Network
	Metrics     *Metrics
	Logger      *logrus.Logger
	AppCallback func(*Connection, []byte)
	OnClose     func()
	ISNOverride func() uint32
}

// newConnection creates a connection in CLOSED state with the fixed
// reliability parameters: advertised window 8*MSS, MSS 1460.
func newConnection(localAddr common.IPv4Address, localPort uint16, remoteAddr common.IPv4Address, remotePort uint16, cfg connConfig) *Connection {
	id := xid.New()

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Connection{
		ID:              id,
		LocalAddr:       localAddr,
		LocalPort:       localPort,
		RemoteAddr:      remoteAddr,
		RemotePort:      remotePort,
		state:           NewStateMachine(),
		rcvWnd:          AdvertisedWindow,
		sendBuffer:      NewSendBuffer(),
		receiveBuffer:   NewReceiveBuffer(AdvertisedWindow),
		retransmitQueue: NewRetransmitQueue(),
		rtt:             NewRTTEstimator(),
		cc:              NewCongestionControl(DefaultMSS),
		mss:             DefaultMSS,
		net:             cfg.Net,
		send:            nil,
		metrics:         cfg.Metrics,
		appCallback:     cfg.AppCallback,
		onClose:         cfg.OnClose,
		isnOverride:     cfg.ISNOverride,
	}
	c.log = logger.WithFields(logrus.Fields{
		"conn_id":     id.String(),
		"local_addr":  localAddr.String(),
		"local_port":  localPort,
		"remote_addr": remoteAddr.String(),
		"remote_port": remotePort,
	})

	if cfg.Net != nil {
		c.send = func(wire []byte) error {
			return cfg.Net.Send(localAddr, remoteAddr, wire)
		}
	}

	return c
}

// RegisterReceiver sets the callback invoked with each in-order payload
// delivered on this connection; an empty payload signals the peer's FIN.
// The application normally calls this from the Server's accept-monitor
// callback. In-order bytes that were acknowledged before any receiver was
// registered are staged in the receive buffer and delivered here in one
// batch, so registering late never loses data.
func (c *Connection) RegisterReceiver(cb func(conn *Connection, payload []byte)) {
	c.mu.Lock()
	c.appCallback = cb
	var backlog []byte
	if n := c.receiveBuffer.Len(); n > 0 {
		backlog = c.receiveBuffer.Read(n)
	}
	c.mu.Unlock()

	if cb != nil && len(backlog) > 0 {
		cb(c, backlog)
	}
}

// GetState returns the current connection state.
func (c *Connection) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.GetState()
}

// SendNext returns the next sequence number the sender will assign to new
// data (SND.NXT).
func (c *Connection) SendNext() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sndNxt
}

// SendUnacked returns the oldest unacknowledged byte's sequence number
// (SND.UNA).
func (c *Connection) SendUnacked() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sndUna
}

// ReceiveNext returns the next in-order sequence number expected from the
// peer (RCV.NXT); it is also the acknowledgement number stamped on every
// outgoing segment.
func (c *Connection) ReceiveNext() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rcvNxt
}

// Cwnd returns the current congestion window, in bytes.
func (c *Connection) Cwnd() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cc.GetCwnd()
}

// SetCwndForTest overrides the congestion window directly. Exported for
// tests outside this package that need a window wider than the
// post-handshake default to exercise multi-segment send/loss scenarios
// without driving the window up one MSS at a time through ACKs.
func (c *Connection) SetCwndForTest(bytes uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cc.cwnd = bytes
}

// ForceRetransmitTimeout simulates the retransmit timer firing, for tests
// that exercise loss handling without waiting on a real timer.
func (c *Connection) ForceRetransmitTimeout() {
	c.onRetransmitTimeout()
}

// generateISN picks a random initial sequence number, or defers to
// isnOverride when the caller (tests) needs a deterministic handshake.
func (c *Connection) generateISN() uint32 {
	if c.isnOverride != nil {
		return c.isnOverride()
	}
	var isn [4]byte
	rand.Read(isn[:])
	return binary.BigEndian.Uint32(isn[:])
}

// buildAndSend constructs a segment, stamps its checksum, hands it to the
// network, and — for segments that consume a sequence number — records it
// in the retransmit queue with the exact wire bytes sent.
func (c *Connection) buildAndSend(flags uint8, data []byte, trackForRetransmit bool) error {
	seg := NewSegment(c.LocalPort, c.RemotePort, c.sndNxt, c.rcvNxt, flags, c.rcvWnd, data)
	seg.Checksum = seg.CalculateChecksum(c.LocalAddr, c.RemoteAddr)
	wire := seg.Serialize()

	if c.send != nil {
		if err := c.send(wire); err != nil {
			return fmt.Errorf("send segment: %w", err)
		}
	}
	if c.metrics != nil {
		c.metrics.SegmentsSent.Inc()
	}

	if trackForRetransmit {
		now := time.Now()
		c.retransmitQueue.Add(c.sndNxt, wire, len(data), c.RemoteAddr, now)
		c.armRetransmitTimer()
	}

	return nil
}

// PassiveOpen transitions a freshly created connection to LISTEN.
func (c *Connection) PassiveOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.GetState() != StateClosed {
		return fmt.Errorf("connection not in CLOSED state")
	}
	return c.state.Transition(EventPassiveOpen)
}

// HandleSyn processes a SYN seen in LISTEN, replying with SYN+ACK and
// moving to SYN_RECEIVED. The caller (Server) has already verified the
// inbound segment's checksum.
func (c *Connection) HandleSyn(seg *Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.GetState() != StateListen {
		return fmt.Errorf("HandleSyn called outside LISTEN (state=%s)", c.state.GetState())
	}
	if !seg.HasFlag(FlagSYN) || seg.HasFlag(FlagACK) {
		return fmt.Errorf("expected bare SYN in LISTEN state")
	}

	c.irs = seg.SequenceNumber
	c.rcvNxt = seg.SequenceNumber + 1

	c.iss = c.generateISN()
	c.sndUna = c.iss
	c.sndNxt = c.iss

	if err := c.state.Transition(EventReceiveSyn); err != nil {
		return err
	}

	if err := c.buildAndSend(FlagSYN|FlagACK, nil, true); err != nil {
		return err
	}
	c.sndNxt++

	c.log.Debug("sent SYN+ACK, awaiting handshake ACK")
	return nil
}

// HandleSegment dispatches an already checksum-verified inbound segment
// for a connection past the initial SYN. The application callback, if any,
// runs after the internal lock is released: it routinely calls back into
// Send or Close, which would deadlock against a held lock.
func (c *Connection) HandleSegment(seg *Segment) error {
	c.mu.Lock()

	var deliver []byte
	var finNotify bool
	var err error

	switch c.state.GetState() {
	case StateSynReceived:
		err = c.handleSynReceived(seg)
	case StateEstablished, StateCloseWait:
		deliver, finNotify, err = c.handleOpen(seg)
	default:
		if c.metrics != nil {
			c.metrics.SegmentsDropped.WithLabelValues("bad-state").Inc()
		}
		err = fmt.Errorf("segment dropped: connection in state %s", c.state.GetState())
	}

	cb := c.appCallback
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if cb != nil {
		if deliver != nil {
			cb(c, deliver)
		}
		if finNotify {
			cb(c, nil)
		}
	}
	return nil
}

func (c *Connection) handleSynReceived(seg *Segment) error {
	if !seg.HasFlag(FlagACK) || seg.AckNumber != c.sndNxt {
		return fmt.Errorf("expected handshake ACK=%d in SYN_RECEIVED, got flags=%#x ack=%d", c.sndNxt, seg.Flags, seg.AckNumber)
	}

	c.sndUna = seg.AckNumber
	c.sndWnd = seg.WindowSize
	c.retransmitQueue.Remove(c.iss)
	c.cancelRetransmitTimer()

	if err := c.state.Transition(EventReceiveAck); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.LiveConnections.Inc()
	}
	c.log.Info("handshake complete, connection established")
	return nil
}

// handleOpen processes ACKs, in-order data, and FIN for ESTABLISHED and
// CLOSE_WAIT, the two states in which the peer can still send. It reports
// what the caller should deliver to the application callback rather than
// invoking it directly, since handleOpen runs with c.mu held.
func (c *Connection) handleOpen(seg *Segment) (deliver []byte, finNotify bool, err error) {
	if seg.HasFlag(FlagACK) {
		c.processAck(seg)
	}

	if len(seg.Data) > 0 {
		deliver = c.processData(seg)
	}

	if seg.HasFlag(FlagFIN) {
		c.rcvNxt++
		if err = c.buildAndSend(FlagACK, nil, false); err != nil {
			return nil, false, err
		}
		if err = c.state.Transition(EventReceiveFin); err != nil {
			return nil, false, err
		}
		c.log.Info("received FIN, entering CLOSE_WAIT")
		finNotify = true

		// No TIME_WAIT and no requirement that the local side ack our own
		// FIN before cleanup: once the peer's FIN is seen and acked, the
		// server stops dispatching further segments to this connection.
		c.finish()
	}

	return deliver, finNotify, nil
}

// processAck applies the ACK bookkeeping: cumulative ACKs retire
// retransmit-queue entries, sample RTT (Karn's rule permitting), and grow
// cwnd; a duplicate ACK (same ack number, no payload) counts toward fast
// retransmit.
func (c *Connection) processAck(seg *Segment) {
	c.sndWnd = seg.WindowSize

	if seqAfter(seg.AckNumber, c.sndUna) {
		bytesAcked := seg.AckNumber - c.sndUna
		c.sndUna = seg.AckNumber

		// Sample RTT from the most recently drained record still carrying
		// its original send timestamp. Records retransmitted since lost
		// theirs (Karn's rule) and contribute nothing.
		drained := c.retransmitQueue.RemoveBefore(seg.AckNumber)
		for i := len(drained) - 1; i >= 0; i-- {
			if drained[i].Sent() {
				sample := time.Since(drained[i].SentAt)
				c.rtt.UpdateRTT(sample)
				if c.metrics != nil {
					c.metrics.RTTSamples.Observe(sample.Seconds())
				}
				break
			}
		}

		c.cc.OnAck(bytesAcked)

		if c.retransmitQueue.Len() == 0 {
			c.cancelRetransmitTimer()
		} else {
			c.armRetransmitTimer()
		}

		c.trySendPending()
	} else if seg.AckNumber == c.sndUna && len(seg.Data) == 0 && c.retransmitQueue.Len() > 0 {
		// Duplicate ACKs only mean anything while data is outstanding; a
		// pure ACK on an idle connection is not a loss signal.
		if c.cc.OnDuplicateAck() {
			c.fastRetransmit()
		}
	}
}

// processData acks an in-order data segment and returns the payload for the
// caller to deliver once c.mu is released. If no receiver is registered yet
// the bytes are staged in the receive buffer instead, for RegisterReceiver
// to flush. An out-of-order segment is simply dropped and returns nil; no
// payload is buffered for it, and the pure ACK it provokes still carries
// the unchanged cursor.
func (c *Connection) processData(seg *Segment) []byte {
	if seg.SequenceNumber != c.rcvNxt {
		if c.metrics != nil {
			c.metrics.SegmentsDropped.WithLabelValues("out-of-order").Inc()
		}
		c.buildAndSend(FlagACK, nil, false)
		return nil
	}

	c.rcvNxt += uint32(len(seg.Data))
	c.buildAndSend(FlagACK, nil, false)

	if c.appCallback == nil {
		c.receiveBuffer.Write(seg.Data)
		return nil
	}
	return seg.Data
}

// Send enqueues application data for transmission and immediately drains
// as much of it as the congestion and advertised windows allow.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.GetState().CanSendData() {
		return fmt.Errorf("cannot send data in state %s", c.state.GetState())
	}

	c.sendBuffer.Write(data)
	return c.trySendPending()
}

// trySendPending chunks buffered send data into MSS-sized segments while
// both the advertised send window and the congestion window allow it.
func (c *Connection) trySendPending() error {
	for {
		bytesInFlight := c.sndNxt - c.sndUna
		availableWindow := int(c.sndWnd) - int(bytesInFlight)
		if availableWindow <= 0 {
			break
		}
		if !c.cc.CanSend(bytesInFlight) {
			break
		}

		chunkSize := int(c.mss)
		if availableWindow < chunkSize {
			chunkSize = availableWindow
		}
		remainingWindow := int(c.cc.GetCwnd()) - int(bytesInFlight)
		if remainingWindow < chunkSize {
			chunkSize = remainingWindow
		}
		if chunkSize <= 0 {
			break
		}

		data := c.sendBuffer.Read(chunkSize)
		if len(data) == 0 {
			break
		}

		if err := c.buildAndSend(FlagACK, data, true); err != nil {
			return err
		}
		c.sndNxt += uint32(len(data))
	}

	return nil
}

// Close sends a FIN once outstanding application data has been queued for
// transmission. No TIME_WAIT is modeled: a CLOSE_WAIT connection closes
// immediately once its FIN is queued, without waiting on the final ACK.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.state.GetState()
	if state != StateEstablished && state != StateCloseWait {
		return fmt.Errorf("cannot close connection in state %s", state)
	}

	// A CLOSE_WAIT connection has already been dropped from the server's
	// mapping on the peer's FIN, so the ACK for our own FIN can never be
	// dispatched back to it; retransmitting the FIN would fire forever.
	// Send it untracked instead, the same known-limitation category as
	// SYN+ACK loss.
	track := state == StateEstablished
	if err := c.buildAndSend(FlagFIN|FlagACK, nil, track); err != nil {
		return err
	}
	c.sndNxt++

	if state == StateCloseWait {
		if err := c.state.Transition(EventClose); err != nil {
			return err
		}
		c.finish()
	}

	c.log.Info("sent FIN")
	return nil
}

// finish marks the connection fully closed and notifies the owner (Server)
// so it can drop the connection from its table.
func (c *Connection) finish() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancelRetransmitTimer()
	c.sendBuffer.Clear()
	if c.metrics != nil {
		c.metrics.LiveConnections.Dec()
	}
	if c.onClose != nil {
		c.onClose()
	}
}

// armRetransmitTimer (re)starts the single retransmission timer for the
// oldest outstanding segment, per the RTO the RTT estimator currently
// reports.
func (c *Connection) armRetransmitTimer() {
	c.cancelRetransmitTimer()
	c.retransmitTimer = time.AfterFunc(c.rtt.GetRTO(), c.onRetransmitTimeout)
}

func (c *Connection) cancelRetransmitTimer() {
	if c.retransmitTimer != nil {
		c.retransmitTimer.Stop()
		c.retransmitTimer = nil
	}
}

// onRetransmitTimeout fires on the main retransmission timer: it resends
// the oldest outstanding segment unchanged, halves the congestion window,
// clears the Karn's-rule RTT sample for that entry, and reschedules the
// timer with the unchanged RTO.
func (c *Connection) onRetransmitTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.retransmitQueue.GetFirst()
	if entry == nil {
		// The timer is cancelled whenever the queue drains, so this firing
		// indicates a bookkeeping bug rather than a protocol event.
		c.log.Error("retransmit timer fired with an empty queue")
		return
	}

	c.retransmit(entry)
	c.cc.OnTimeout()
}

// fastRetransmit resends the oldest outstanding segment immediately upon
// the third duplicate ACK, without waiting for the retransmission timer.
func (c *Connection) fastRetransmit() {
	entry := c.retransmitQueue.GetFirst()
	if entry == nil {
		return
	}
	c.retransmit(entry)
	c.log.WithField("seq", entry.SeqNum).Debug("fast retransmit on 3 duplicate acks")
}

// retransmit resends entry's exact original bytes and marks it as
// retransmitted so its RTT sample is not reused (Karn's rule).
func (c *Connection) retransmit(entry *RetransmitEntry) {
	if c.net != nil {
		c.net.Send(c.LocalAddr, entry.DestAddr, entry.SegmentBytes)
	}
	if c.metrics != nil {
		c.metrics.SegmentsRetransmitted.Inc()
	}
	c.retransmitQueue.MarkRetransmitted(entry.SeqNum)
	c.armRetransmitTimer()
}
