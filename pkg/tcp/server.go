package tcp

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arjunk-dev/rdt/pkg/common"
	"github.com/arjunk-dev/rdt/pkg/network"
)

// connKey is the ordered 4-tuple identifying one connection: remote
// address, remote port, local address, local port. Two connections with
// identical tuples cannot coexist.
type connKey struct {
	remoteAddr common.IPv4Address
	remotePort uint16
	localAddr  common.IPv4Address
	localPort  uint16
}

func (k connKey) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d", k.remoteAddr, k.remotePort, k.localAddr, k.localPort)
}

// ServerConfig bundles a Server's optional collaborators. The zero value is
// valid: no metrics are recorded, logrus.StandardLogger() is used, and
// initial sequence numbers are drawn from crypto/rand.
type ServerConfig struct {
	Metrics     *Metrics
	Logger      *logrus.Logger
	ISNOverride func() uint32
}

// Server owns one listening port and demultiplexes inbound segments across
// its accepted connections by 4-tuple: SYN handling, checksum/port
// filtering, and dispatch to an existing Connection.
type Server struct {
	localAddr common.IPv4Address
	localPort uint16

	net     network.Network
	metrics *Metrics
	logger  *logrus.Logger
	log     *logrus.Entry
	isn     func() uint32

	mu          sync.Mutex
	connections map[connKey]*Connection

	acceptCB func(*Connection)
}

// NewServer constructs a server bound to localAddr:localPort on top of net.
// It does not yet register with the network; call Listen for that.
func NewServer(net network.Network, localAddr common.IPv4Address, localPort uint16, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Server{
		localAddr:   localAddr,
		localPort:   localPort,
		net:         net,
		metrics:     cfg.Metrics,
		logger:      logger,
		isn:         cfg.ISNOverride,
		connections: make(map[connKey]*Connection),
		log: logger.WithFields(logrus.Fields{
			"local_addr": localAddr.String(),
			"local_port": localPort,
		}),
	}
}

// RegisterAcceptMonitor stores cb to be invoked once per accepted
// connection, immediately after its SYN is processed and its SYN+ACK has
// been sent, before the handshake's final ACK arrives.
func (s *Server) RegisterAcceptMonitor(cb func(conn *Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptCB = cb
}

// Listen registers the server's receive callback with the network layer.
// From this point the server is in the LISTEN state for its port and will
// accept inbound SYNs.
func (s *Server) Listen() error {
	return s.net.RegisterReceiver(s.localAddr, s.receive)
}

// Close unregisters the server from the network. Connections already
// accepted stay in the mapping and can still transmit through their own
// reference to the network, but no further inbound segments are
// dispatched to them.
func (s *Server) Close() {
	s.net.Unregister(s.localAddr)
}

// ConnectionCount returns the number of connections currently tracked in
// the server's mapping (accepted but not yet closed).
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// receive is the entry point the network layer invokes for every inbound
// datagram addressed to this server's local address: port filter, checksum
// verification, then dispatch to the handshake path or an existing
// connection.
func (s *Server) receive(srcAddr common.IPv4Address, raw []byte) {
	seg, err := Parse(raw)
	if err != nil {
		s.log.WithError(err).Debug("dropping unparsable segment")
		if s.metrics != nil {
			s.metrics.SegmentsDropped.WithLabelValues("unparsable").Inc()
		}
		return
	}

	if seg.DestinationPort != s.localPort {
		// Wrong port: silently discard, no diagnostic.
		return
	}

	if s.metrics != nil {
		s.metrics.SegmentsReceived.Inc()
	}

	if !s.net.IgnoreChecksum() && !seg.VerifyChecksum(srcAddr, s.localAddr) {
		s.log.WithFields(logrus.Fields{
			"src_addr": srcAddr.String(),
			"src_port": seg.SourcePort,
		}).Warn("dropping segment with bad checksum")
		if s.metrics != nil {
			s.metrics.SegmentsDropped.WithLabelValues("bad-checksum").Inc()
		}
		return
	}

	key := connKey{
		remoteAddr: srcAddr,
		remotePort: seg.SourcePort,
		localAddr:  s.localAddr,
		localPort:  s.localPort,
	}

	s.mu.Lock()
	conn, exists := s.connections[key]
	s.mu.Unlock()

	if exists {
		if err := conn.HandleSegment(seg); err != nil {
			s.log.WithError(err).WithField("conn", key.String()).Debug("segment dropped by connection")
		}
		return
	}

	if seg.HasFlag(FlagSYN) && !seg.HasFlag(FlagACK) {
		s.acceptSyn(key, srcAddr, seg)
		return
	}

	s.log.WithField("conn", key.String()).Debug("dropping segment for unknown connection")
	if s.metrics != nil {
		s.metrics.SegmentsDropped.WithLabelValues("unknown-connection").Inc()
	}
}

// acceptSyn handles a SYN whose 4-tuple is new: allocate a Connection in
// LISTEN, hand it the SYN (which replies with SYN+ACK and advances to
// SYN_RECEIVED), insert it into the mapping, and fire the accept monitor.
func (s *Server) acceptSyn(key connKey, srcAddr common.IPv4Address, seg *Segment) {
	conn := newConnection(s.localAddr, s.localPort, srcAddr, seg.SourcePort, connConfig{
		Net:         s.net,
		Metrics:     s.metrics,
		Logger:      s.logger,
		ISNOverride: s.isn,
		OnClose: func() {
			s.removeConnection(key)
		},
	})

	if err := conn.PassiveOpen(); err != nil {
		s.log.WithError(err).Error("failed to move new connection to LISTEN")
		return
	}

	if err := conn.HandleSyn(seg); err != nil {
		s.log.WithError(err).WithField("conn", key.String()).Warn("rejected SYN")
		return
	}

	s.mu.Lock()
	s.connections[key] = conn
	s.mu.Unlock()

	s.log.WithField("conn", key.String()).Info("accepted connection")

	s.mu.Lock()
	cb := s.acceptCB
	s.mu.Unlock()
	if cb != nil {
		cb(conn)
	}
}

// removeConnection drops key from the mapping, e.g. once a connection has
// fully closed. A connection calls this via its onClose hook.
func (s *Server) removeConnection(key connKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, key)
}
