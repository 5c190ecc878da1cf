package common

import (
	"testing"
)

func TestCalculateChecksum(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "empty data",
			data:     []byte{},
			expected: 0xFFFF,
		},
		{
			name:     "single byte",
			data:     []byte{0x12},
			expected: 0xEDFF, // ~0x1200
		},
		{
			name:     "two bytes",
			data:     []byte{0x12, 0x34},
			expected: 0xEDCB, // ~0x1234
		},
		{
			name: "RFC 1071 example",
			// 0x0001 + 0xf203 + 0xf4f5 + 0xf6f7 = 0x2ddf0
			// Fold: 0xddf0 + 0x0002 = 0xddf2, ~0xddf2 = 0x220d
			data:     []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7},
			expected: 0x220d,
		},
		{
			name:     "all zeros",
			data:     []byte{0x00, 0x00, 0x00, 0x00},
			expected: 0xFFFF,
		},
		{
			name:     "all ones",
			data:     []byte{0xFF, 0xFF, 0xFF, 0xFF},
			expected: 0x0000,
		},
		{
			name: "odd length",
			data: []byte{0x12, 0x34, 0x56},
			// 0x1234 + 0x5600 = 0x6834, ~0x6834 = 0x97CB
			expected: 0x97CB,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateChecksum(tt.data)
			if result != tt.expected {
				t.Errorf("CalculateChecksum() = 0x%04X, want 0x%04X", result, tt.expected)
			}
		})
	}
}

func TestVerifyChecksum(t *testing.T) {
	// Embedding the computed checksum into the data makes the whole buffer
	// sum to zero.
	data := []byte{0x45, 0x00, 0x00, 0x54, 0x00, 0x00, 0x40, 0x00, 0x40, 0x01,
		0x00, 0x00, 0xc0, 0xa8, 0x01, 0x01, 0xc0, 0xa8, 0x01, 0x02}
	checksum := CalculateChecksum(data)
	data[10] = byte(checksum >> 8)
	data[11] = byte(checksum)

	if !VerifyChecksum(data) {
		t.Error("VerifyChecksum() = false for data with its correct checksum embedded")
	}

	data[10] = 0xFF
	data[11] = 0xFF
	if VerifyChecksum(data) {
		t.Error("VerifyChecksum() = true for data with a corrupted checksum field")
	}
}

func TestPseudoHeaderBytes(t *testing.T) {
	ph := PseudoHeader{
		SourceAddr:      IPv4Address{192, 168, 1, 1},
		DestinationAddr: IPv4Address{192, 168, 1, 2},
		Protocol:        ProtocolTCP,
		Length:          20,
	}

	b := ph.Bytes()
	if len(b) != 12 {
		t.Fatalf("Bytes() length = %d, want 12", len(b))
	}
	want := []byte{192, 168, 1, 1, 192, 168, 1, 2, 0, 6, 0, 20}
	for i := range want {
		if b[i] != want[i] {
			t.Errorf("Bytes()[%d] = 0x%02X, want 0x%02X", i, b[i], want[i])
		}
	}
}

func TestChecksumWithPseudoHeaderMatchesConcatenation(t *testing.T) {
	ph := PseudoHeader{
		SourceAddr:      IPv4Address{10, 0, 0, 1},
		DestinationAddr: IPv4Address{10, 0, 0, 2},
		Protocol:        ProtocolTCP,
		Length:          9,
	}

	// Odd length exercises the padding byte landing between pseudo-header
	// and nothing: the pad applies to the tail of the whole sum.
	payloads := [][]byte{
		{},
		{0x01},
		{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0, 0x11},
	}

	for _, data := range payloads {
		ph.Length = uint16(len(data))
		direct := CalculateChecksumWithPseudoHeader(ph, data)

		combined := append(ph.Bytes(), data...)
		reference := CalculateChecksum(combined)

		if direct != reference {
			t.Errorf("pseudo-header checksum of %d bytes = 0x%04X, concatenation reference = 0x%04X",
				len(data), direct, reference)
		}
	}
}

func BenchmarkCalculateChecksumWithPseudoHeader(b *testing.B) {
	ph := PseudoHeader{
		SourceAddr:      IPv4Address{192, 168, 1, 1},
		DestinationAddr: IPv4Address{192, 168, 1, 2},
		Protocol:        ProtocolTCP,
		Length:          1460,
	}

	data := make([]byte, 1460)
	for i := range data {
		data[i] = byte(i)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CalculateChecksumWithPseudoHeader(ph, data)
	}
}
