package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/arjunk-dev/rdt/pkg/common"
)

const (
	// HeaderLength is the fixed segment header length in bytes. No TCP
	// options are modeled; data offset is always 5 (32-bit words).
	HeaderLength = 20

	// DataOffsetWords is the fixed value of the data-offset field.
	DataOffsetWords = 5

	// DefaultMSS is the default maximum segment size: 1500 (MTU) - 20
	// (IP header) - 20 (segment header).
	DefaultMSS = 1460

	// AdvertisedWindow is the fixed advertised receive window: 8*MSS.
	AdvertisedWindow = 8 * DefaultMSS
)

// Segment flags.
const (
	FlagFIN uint8 = 1 << 0 // Finish - no more data from sender
	FlagSYN uint8 = 1 << 1 // Synchronize - establish connection
	FlagRST uint8 = 1 << 2 // Reset - abort connection
	FlagACK uint8 = 1 << 4 // Acknowledgment - ack number is valid
)

// Segment represents one wire segment: a fixed 20-byte header plus an
// optional payload. There is no options field and no urgent pointer use.
type Segment struct {
	SourcePort      uint16
	DestinationPort uint16
	SequenceNumber  uint32
	AckNumber       uint32
	Flags           uint8
	WindowSize      uint16
	Checksum        uint16

	Data []byte
}

// Parse decodes a segment from raw bytes.
func Parse(data []byte) (*Segment, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("segment too short: %d bytes (minimum %d)", len(data), HeaderLength)
	}

	seg := &Segment{
		SourcePort:      binary.BigEndian.Uint16(data[0:2]),
		DestinationPort: binary.BigEndian.Uint16(data[2:4]),
		SequenceNumber:  binary.BigEndian.Uint32(data[4:8]),
		AckNumber:       binary.BigEndian.Uint32(data[8:12]),
	}

	dataOffset := data[12] >> 4
	if dataOffset != DataOffsetWords {
		return nil, fmt.Errorf("invalid data offset: %d (want %d, options are not supported)", dataOffset, DataOffsetWords)
	}
	seg.Flags = data[13]

	seg.WindowSize = binary.BigEndian.Uint16(data[14:16])
	seg.Checksum = binary.BigEndian.Uint16(data[16:18])
	// Bytes 18:20 are the urgent pointer field; unused, left at zero.

	if len(data) > HeaderLength {
		seg.Data = make([]byte, len(data)-HeaderLength)
		copy(seg.Data, data[HeaderLength:])
	}

	return seg, nil
}

// Serialize encodes the segment to bytes. The checksum field is written
// as-is; callers compute it separately with CalculateChecksum and assign
// it to s.Checksum before serializing the final wire copy.
func (s *Segment) Serialize() []byte {
	buf := make([]byte, HeaderLength+len(s.Data))

	binary.BigEndian.PutUint16(buf[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(buf[8:12], s.AckNumber)

	buf[12] = DataOffsetWords << 4
	buf[13] = s.Flags

	binary.BigEndian.PutUint16(buf[14:16], s.WindowSize)
	binary.BigEndian.PutUint16(buf[16:18], s.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], 0)

	if len(s.Data) > 0 {
		copy(buf[HeaderLength:], s.Data)
	}

	return buf
}

// CalculateChecksum computes the Internet checksum of the segment over the
// IPv4 pseudo-header, matching the RFC 793 TCP checksum construction. The
// segment's own Checksum field is zeroed before the sum is taken, per the
// usual convention.
func (s *Segment) CalculateChecksum(srcIP, dstIP common.IPv4Address) uint16 {
	saved := s.Checksum
	s.Checksum = 0
	wire := s.Serialize()
	s.Checksum = saved

	ph := common.PseudoHeader{
		SourceAddr:      srcIP,
		DestinationAddr: dstIP,
		Protocol:        common.ProtocolTCP,
		Length:          uint16(len(wire)),
	}

	return common.CalculateChecksumWithPseudoHeader(ph, wire)
}

// VerifyChecksum reports whether the segment's stored checksum matches its
// contents.
func (s *Segment) VerifyChecksum(srcIP, dstIP common.IPv4Address) bool {
	return s.CalculateChecksum(srcIP, dstIP) == s.Checksum
}

// FixChecksum zeroes the checksum field, recomputes it over the segment and
// the given pseudo-header addresses, and writes the result back. Callers
// that build a segment field-by-field use this instead of assigning
// CalculateChecksum's result by hand.
func (s *Segment) FixChecksum(srcIP, dstIP common.IPv4Address) {
	s.Checksum = 0
	s.Checksum = s.CalculateChecksum(srcIP, dstIP)
}

// HasFlag reports whether the given flag bit is set.
func (s *Segment) HasFlag(flag uint8) bool {
	return s.Flags&flag != 0
}

// SetFlag sets the given flag bit.
func (s *Segment) SetFlag(flag uint8) {
	s.Flags |= flag
}

// ClearFlag clears the given flag bit.
func (s *Segment) ClearFlag(flag uint8) {
	s.Flags &^= flag
}

// String returns a human-readable representation of the segment, in the
// traditional tcpdump-like flag-letter style.
func (s *Segment) String() string {
	flags := ""
	if s.HasFlag(FlagFIN) {
		flags += "F"
	}
	if s.HasFlag(FlagSYN) {
		flags += "S"
	}
	if s.HasFlag(FlagRST) {
		flags += "R"
	}
	if s.HasFlag(FlagACK) {
		flags += "A"
	}
	if flags == "" {
		flags = "."
	}

	return fmt.Sprintf("Segment{SrcPort=%d, DstPort=%d, Seq=%d, Ack=%d, Flags=%s, Win=%d, DataLen=%d}",
		s.SourcePort, s.DestinationPort, s.SequenceNumber, s.AckNumber, flags, s.WindowSize, len(s.Data))
}

// NewSegment builds a segment with the fixed header shape; the checksum
// field is left at zero for the caller to fill via CalculateChecksum.
func NewSegment(srcPort, dstPort uint16, seqNum, ackNum uint32, flags uint8, window uint16, data []byte) *Segment {
	return &Segment{
		SourcePort:      srcPort,
		DestinationPort: dstPort,
		SequenceNumber:  seqNum,
		AckNumber:       ackNum,
		Flags:           flags,
		WindowSize:      window,
		Data:            data,
	}
}
