package tcp

import (
	"sync"
	"time"

	"github.com/arjunk-dev/rdt/pkg/common"
)

// RetransmitEntry holds the exact bytes placed on the wire for one
// outstanding segment. Retransmission always resends these bytes
// unchanged — never a re-slice of a live send buffer — so a segment that
// is retransmitted is byte-identical to what was originally sent.
type RetransmitEntry struct {
	SeqNum        uint32
	SegmentBytes  []byte
	PayloadLength int
	DestAddr      common.IPv4Address

	// SentAt is the timestamp of the most recent transmission of this
	// entry, or the zero Time if it has been retransmitted since its RTT
	// sample became ambiguous. Karn's rule: a retransmitted segment's ACK
	// must not be used to update the RTT estimate, so SentAt is cleared
	// (not merely bumped) on every retransmission.
	SentAt     time.Time
	RetryCount int
}

// Sent reports whether this entry carries a usable timestamp for RTT
// sampling (Karn's rule: cleared once the entry has been retransmitted).
func (e *RetransmitEntry) Sent() bool {
	return !e.SentAt.IsZero()
}

// RetransmitQueue is the ordered set of segments sent but not yet
// cumulatively acknowledged.
type RetransmitQueue struct {
	entries []*RetransmitEntry
	mu      sync.Mutex
}

// NewRetransmitQueue creates an empty retransmit queue.
func NewRetransmitQueue() *RetransmitQueue {
	return &RetransmitQueue{
		entries: make([]*RetransmitEntry, 0),
	}
}

// Add records a newly sent segment. segmentBytes must be the exact bytes
// written to the network, checksum included.
func (rq *RetransmitQueue) Add(seqNum uint32, segmentBytes []byte, payloadLength int, dest common.IPv4Address, sentAt time.Time) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	rq.entries = append(rq.entries, &RetransmitEntry{
		SeqNum:        seqNum,
		SegmentBytes:  segmentBytes,
		PayloadLength: payloadLength,
		DestAddr:      dest,
		SentAt:        sentAt,
	})
}

// Remove removes the entry with the given starting sequence number.
func (rq *RetransmitQueue) Remove(seqNum uint32) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	for i, entry := range rq.entries {
		if entry.SeqNum == seqNum {
			rq.entries = append(rq.entries[:i], rq.entries[i+1:]...)
			return
		}
	}
}

// RemoveBefore drops every entry whose segment is fully covered by a
// cumulative ACK up to ackNum (wraparound-aware) and returns the drained
// entries in queue order, so the caller can take an RTT sample from the
// most recently drained one still carrying a usable timestamp.
func (rq *RetransmitQueue) RemoveBefore(ackNum uint32) []*RetransmitEntry {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	var drained []*RetransmitEntry
	kept := rq.entries[:0]
	for _, entry := range rq.entries {
		covered := entry.SeqNum + uint32(entry.PayloadLength)
		if entry.PayloadLength == 0 {
			covered = entry.SeqNum + 1 // SYN/FIN consume one sequence number
		}
		if seqAfter(covered, ackNum) {
			kept = append(kept, entry)
		} else {
			drained = append(drained, entry)
		}
	}
	rq.entries = kept
	return drained
}

// MarkRetransmitted bumps the retry count and clears the RTT-sampling
// timestamp per Karn's rule: an ACK arriving after a retransmission is
// ambiguous about which transmission it answers, so the entry can never
// contribute a sample again.
func (rq *RetransmitQueue) MarkRetransmitted(seqNum uint32) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	for _, entry := range rq.entries {
		if entry.SeqNum == seqNum {
			entry.SentAt = time.Time{}
			entry.RetryCount++
			return
		}
	}
}

// GetFirst returns the oldest outstanding entry, or nil if the queue is empty.
func (rq *RetransmitQueue) GetFirst() *RetransmitEntry {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	if len(rq.entries) == 0 {
		return nil
	}
	return rq.entries[0]
}

// Len returns the number of outstanding entries.
func (rq *RetransmitQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.entries)
}

// Clear empties the queue.
func (rq *RetransmitQueue) Clear() {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.entries = rq.entries[:0]
}

// seqBefore returns true if seq1 precedes seq2 under modular sequence
// arithmetic (handles wraparound).
func seqBefore(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

// seqAfter returns true if seq1 follows seq2 under modular sequence
// arithmetic (handles wraparound).
func seqAfter(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}
