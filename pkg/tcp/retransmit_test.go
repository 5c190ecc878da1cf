package tcp

import (
	"testing"
	"time"

	"github.com/arjunk-dev/rdt/pkg/common"
)

var testDest = common.IPv4Address{10, 0, 0, 2}

func TestRetransmitQueue(t *testing.T) {
	rq := NewRetransmitQueue()

	if rq.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rq.Len())
	}

	if rq.GetFirst() != nil {
		t.Error("GetFirst() should return nil for empty queue")
	}

	now := time.Now()
	rq.Add(1000, []byte("syn-bytes"), 0, testDest, now)
	rq.Add(1001, []byte("data1-bytes"), 5, testDest, now)
	rq.Add(1006, []byte("data2-bytes"), 5, testDest, now)

	if rq.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rq.Len())
	}

	first := rq.GetFirst()
	if first == nil {
		t.Fatal("GetFirst() returned nil")
	}
	if first.SeqNum != 1000 {
		t.Errorf("GetFirst().SeqNum = %d, want 1000", first.SeqNum)
	}

	rq.Remove(1001)
	if rq.Len() != 2 {
		t.Errorf("Len() after Remove() = %d, want 2", rq.Len())
	}

	// ACK covering up through 1006+5=1011 retires the 1006 entry too.
	drained := rq.RemoveBefore(1011)
	if rq.Len() != 0 {
		t.Errorf("Len() after RemoveBefore() = %d, want 0", rq.Len())
	}
	if len(drained) != 2 {
		t.Fatalf("RemoveBefore() drained %d entries, want 2", len(drained))
	}
	if drained[len(drained)-1].SeqNum != 1006 {
		t.Errorf("most recently drained entry SeqNum = %d, want 1006", drained[len(drained)-1].SeqNum)
	}

	rq.Add(2000, []byte("more"), 4, testDest, now)
	rq.Clear()
	if rq.Len() != 0 {
		t.Errorf("Len() after Clear() = %d, want 0", rq.Len())
	}
}

func TestRetransmitMarkRetransmittedClearsKarnSample(t *testing.T) {
	rq := NewRetransmitQueue()
	sentAt := time.Now()
	rq.Add(1000, []byte("data"), 4, testDest, sentAt)

	entry := rq.GetFirst()
	if !entry.Sent() {
		t.Fatal("freshly added entry should have a usable send timestamp")
	}

	rq.MarkRetransmitted(1000)
	entry = rq.GetFirst()
	if entry.Sent() {
		t.Error("MarkRetransmitted should clear the RTT sample per Karn's rule")
	}
	if entry.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", entry.RetryCount)
	}
}

func TestRetransmitByteIdentical(t *testing.T) {
	rq := NewRetransmitQueue()
	original := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	rq.Add(500, original, 4, testDest, time.Now())

	entry := rq.GetFirst()
	if string(entry.SegmentBytes) != string(original) {
		t.Error("retransmit queue must preserve the exact originally sent bytes")
	}
}

func TestSeqComparison(t *testing.T) {
	tests := []struct {
		name     string
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{"before: 100 < 200", 100, 200, true},
		{"not before: 200 < 100", 200, 100, false},
		{"equal: 100 < 100", 100, 100, false},
		{"wraparound: 0xFFFFFF00 < 0x00000100", 0xFFFFFF00, 0x00000100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := seqBefore(tt.seq1, tt.seq2)
			if result != tt.expected {
				t.Errorf("seqBefore(%d, %d) = %v, want %v", tt.seq1, tt.seq2, result, tt.expected)
			}
		})
	}
}
