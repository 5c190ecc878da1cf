package tcp

import (
	"testing"

	"github.com/arjunk-dev/rdt/pkg/common"
)

func TestSegmentParseAndSerialize(t *testing.T) {
	tests := []struct {
		name string
		seg  *Segment
	}{
		{
			name: "Basic SYN segment",
			seg: &Segment{
				SourcePort:      12345,
				DestinationPort: 80,
				SequenceNumber:  1000,
				AckNumber:       0,
				Flags:           FlagSYN,
				WindowSize:      AdvertisedWindow,
			},
		},
		{
			name: "SYN+ACK segment",
			seg: &Segment{
				SourcePort:      80,
				DestinationPort: 12345,
				SequenceNumber:  2000,
				AckNumber:       1001,
				Flags:           FlagSYN | FlagACK,
				WindowSize:      AdvertisedWindow,
			},
		},
		{
			name: "Data segment with ACK",
			seg: &Segment{
				SourcePort:      12345,
				DestinationPort: 80,
				SequenceNumber:  1001,
				AckNumber:       2001,
				Flags:           FlagACK,
				WindowSize:      AdvertisedWindow,
				Data:            []byte("Hello, World!"),
			},
		},
		{
			name: "FIN segment",
			seg: &Segment{
				SourcePort:      12345,
				DestinationPort: 80,
				SequenceNumber:  5000,
				AckNumber:       9000,
				Flags:           FlagFIN | FlagACK,
				WindowSize:      AdvertisedWindow,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.seg.Serialize()

			parsed, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			if parsed.SourcePort != tt.seg.SourcePort {
				t.Errorf("SourcePort = %d, want %d", parsed.SourcePort, tt.seg.SourcePort)
			}
			if parsed.DestinationPort != tt.seg.DestinationPort {
				t.Errorf("DestinationPort = %d, want %d", parsed.DestinationPort, tt.seg.DestinationPort)
			}
			if parsed.SequenceNumber != tt.seg.SequenceNumber {
				t.Errorf("SequenceNumber = %d, want %d", parsed.SequenceNumber, tt.seg.SequenceNumber)
			}
			if parsed.AckNumber != tt.seg.AckNumber {
				t.Errorf("AckNumber = %d, want %d", parsed.AckNumber, tt.seg.AckNumber)
			}
			if parsed.Flags != tt.seg.Flags {
				t.Errorf("Flags = %d, want %d", parsed.Flags, tt.seg.Flags)
			}
			if parsed.WindowSize != tt.seg.WindowSize {
				t.Errorf("WindowSize = %d, want %d", parsed.WindowSize, tt.seg.WindowSize)
			}
			if string(parsed.Data) != string(tt.seg.Data) {
				t.Errorf("Data = %s, want %s", parsed.Data, tt.seg.Data)
			}
		})
	}
}

func TestParseRejectsShortSegment(t *testing.T) {
	if _, err := Parse(make([]byte, HeaderLength-1)); err == nil {
		t.Error("Parse() of a too-short buffer should return an error")
	}
}

func TestParseRejectsNonStandardDataOffset(t *testing.T) {
	seg := NewSegment(1, 2, 0, 0, FlagSYN, AdvertisedWindow, nil)
	wire := seg.Serialize()
	wire[12] = 6 << 4 // claim a 24-byte header where none exists

	if _, err := Parse(wire); err == nil {
		t.Error("Parse() should reject a data offset other than 5")
	}
}

func TestSegmentChecksum(t *testing.T) {
	srcIP := common.IPv4Address{192, 168, 1, 1}
	dstIP := common.IPv4Address{192, 168, 1, 2}

	seg := NewSegment(12345, 80, 1000, 2000, FlagACK, AdvertisedWindow, []byte("Test data"))

	seg.Checksum = seg.CalculateChecksum(srcIP, dstIP)

	if !seg.VerifyChecksum(srcIP, dstIP) {
		t.Error("Checksum verification failed")
	}

	seg.Data[0] ^= 0xFF
	if seg.VerifyChecksum(srcIP, dstIP) {
		t.Error("Checksum verification should fail after payload corruption")
	}
}

func TestSegmentFlags(t *testing.T) {
	seg := NewSegment(12345, 80, 1000, 2000, 0, AdvertisedWindow, nil)

	seg.SetFlag(FlagSYN)
	if !seg.HasFlag(FlagSYN) {
		t.Error("SYN flag not set")
	}

	seg.SetFlag(FlagACK)
	if !seg.HasFlag(FlagACK) {
		t.Error("ACK flag not set")
	}

	seg.ClearFlag(FlagSYN)
	if seg.HasFlag(FlagSYN) {
		t.Error("SYN flag not cleared")
	}

	if !seg.HasFlag(FlagACK) {
		t.Error("ACK flag should still be set")
	}
}

func TestSegmentString(t *testing.T) {
	seg := NewSegment(12345, 80, 1000, 2000, FlagSYN|FlagACK, AdvertisedWindow, []byte("data"))

	str := seg.String()
	if str == "" {
		t.Error("String() returned empty string")
	}
	t.Logf("Segment string: %s", str)
}
