package tcp

import (
	"time"
)

// CongestionControl implements a single flat AIMD policy: the congestion
// window opens by one MSS for every round's worth of bytes (cwnd bytes)
// cumulatively acknowledged, and halves — floored at one MSS — whenever
// loss is detected, either via three duplicate ACKs or a retransmission
// timeout. There is no slow-start/congestion-avoidance split and no fast
// recovery phase; growth and backoff are both simple multiplicative/additive
// steps on the same window.
type CongestionControl struct {
	cwnd uint32 // bytes
	mss  uint16

	// ackedSinceGrowth accumulates bytes ACKed since cwnd was last grown;
	// once it reaches cwnd, the window grows by one MSS and the
	// accumulator resets.
	ackedSinceGrowth uint32

	dupAckCount int
}

// NewCongestionControl creates a congestion controller starting at the
// minimum window of one MSS.
func NewCongestionControl(mss uint16) *CongestionControl {
	return &CongestionControl{
		cwnd: uint32(mss),
		mss:  mss,
	}
}

// GetCwnd returns the current congestion window, in bytes.
func (cc *CongestionControl) GetCwnd() uint32 {
	return cc.cwnd
}

// OnAck registers bytesAcked newly-cumulatively-acknowledged bytes and
// resets the duplicate-ACK counter. The window grows by one MSS for every
// cwnd bytes acknowledged.
func (cc *CongestionControl) OnAck(bytesAcked uint32) {
	cc.dupAckCount = 0
	cc.ackedSinceGrowth += bytesAcked

	for cc.ackedSinceGrowth >= cc.cwnd {
		cc.ackedSinceGrowth -= cc.cwnd
		cc.cwnd += uint32(cc.mss)
	}
}

// OnDuplicateAck registers a duplicate ACK and reports whether this is the
// third consecutive one, triggering fast retransmit and a window halving.
func (cc *CongestionControl) OnDuplicateAck() bool {
	cc.dupAckCount++
	if cc.dupAckCount == 3 {
		cc.halve()
		cc.dupAckCount = 0
		return true
	}
	return false
}

// OnTimeout halves the congestion window after a retransmission timeout.
func (cc *CongestionControl) OnTimeout() {
	cc.halve()
	cc.dupAckCount = 0
}

// halve multiplicatively decreases cwnd, floored at one MSS.
func (cc *CongestionControl) halve() {
	cc.cwnd /= 2
	if cc.cwnd < uint32(cc.mss) {
		cc.cwnd = uint32(cc.mss)
	}
	cc.ackedSinceGrowth = 0
}

// CanSend reports whether bytesInFlight leaves room in the congestion
// window for more data.
func (cc *CongestionControl) CanSend(bytesInFlight uint32) bool {
	return bytesInFlight < cc.cwnd
}

// RTTEstimator tracks the smoothed round-trip time and derives the
// retransmission timeout per the standard SRTT/RTTVAR formulas, honoring
// Karn's rule: callers must never feed it a sample measured from a
// retransmitted segment.
type RTTEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration

	alpha float64 // SRTT smoothing factor (1/8)
	beta  float64 // RTTVAR smoothing factor (1/4)

	minRTO time.Duration
	maxRTO time.Duration
}

// NewRTTEstimator creates an RTT estimator with no samples yet and an
// initial RTO of one second.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{
		rto:    time.Second,
		alpha:  1.0 / 8.0,
		beta:   1.0 / 4.0,
		minRTO: time.Second,
		maxRTO: 60 * time.Second,
	}
}

// UpdateRTT folds a new, Karn's-rule-clean RTT sample into the estimate and
// recomputes the RTO as SRTT + 4*RTTVAR, clamped to [minRTO, maxRTO].
func (re *RTTEstimator) UpdateRTT(measuredRTT time.Duration) {
	if re.srtt == 0 {
		re.srtt = measuredRTT
		re.rttvar = measuredRTT / 2
	} else {
		diff := re.srtt - measuredRTT
		if diff < 0 {
			diff = -diff
		}

		re.rttvar = time.Duration(float64(re.rttvar)*(1-re.beta) + float64(diff)*re.beta)
		re.srtt = time.Duration(float64(re.srtt)*(1-re.alpha) + float64(measuredRTT)*re.alpha)
	}

	re.rto = re.srtt + 4*re.rttvar
	if re.rto < re.minRTO {
		re.rto = re.minRTO
	}
	if re.rto > re.maxRTO {
		re.rto = re.maxRTO
	}
}

// GetRTO returns the current retransmission timeout. The RTO only moves
// when a clean sample updates the estimate; a retransmission timeout
// reschedules with the same value.
func (re *RTTEstimator) GetRTO() time.Duration {
	return re.rto
}

// GetSRTT returns the smoothed RTT estimate.
func (re *RTTEstimator) GetSRTT() time.Duration {
	return re.srtt
}
