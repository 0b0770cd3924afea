// Package limit keeps the admission-control state for datagram rate
// limiting.  A DatagramLimit is a fixed tumbling window: elapsed time is
// divided into slices of 1<<shiftMillis milliseconds, and each slice admits
// at most maxPackets packets and maxBytes bytes.  The struct is pure
// arithmetic; callers supply elapsed milliseconds from their own monotonic
// clock and perform the actual receive.  Because the slices are fixed, up
// to twice the per-window budget can be admitted within one window's length
// when it straddles a slice boundary.
//
// DatagramLimit is NOT threadsafe.  Each instance belongs to a single
// receive path.
package limit

// MaxShiftMillis is the largest supported window shift.  A shift of 12
// gives a 4096 ms window, which bounds any delay a check can return.
const MaxShiftMillis = 12

// Result is the outcome of an admission check.
type Result struct {
	// Packets is how many packets may be received now.  Zero means the
	// window is exhausted and the caller must wait.
	Packets int
	// DelayMillis is how long to wait before rechecking.  Only meaningful
	// when Packets is zero.  The checks move to the slice containing the
	// given time before computing it, so a delay they return is always at
	// least 1; a caller that sees zero must complete without sleeping
	// rather than spin.
	DelayMillis uint64
}

// Delayed reports whether the check admitted nothing.
func (r Result) Delayed() bool {
	return r.Packets == 0
}

// DatagramLimit tracks packet and byte budgets within the current time
// slice.  A zero shift disables gating entirely: checks always advance and
// the running counters are maintained opportunistically but never consulted.
// A zero max on either axis leaves that axis unconstrained.
type DatagramLimit struct {
	shiftMillis uint8
	maxPackets  int
	maxBytes    int

	timeSliceID uint64
	curPackets  int
	curBytes    int
}

// New returns a DatagramLimit with the given window shift and per-window
// caps.  Shifts above MaxShiftMillis are clamped.
func New(shiftMillis uint8, maxPackets, maxBytes int) *DatagramLimit {
	if shiftMillis > MaxShiftMillis {
		shiftMillis = MaxShiftMillis
	}
	return &DatagramLimit{
		shiftMillis: shiftMillis,
		maxPackets:  maxPackets,
		maxBytes:    maxBytes,
	}
}

// Enabled reports whether the limit gates at all.
func (l *DatagramLimit) Enabled() bool {
	return l.shiftMillis > 0
}

// rotate advances to the time slice containing durMillis, resetting the
// running counters on every slice change.
func (l *DatagramLimit) rotate(durMillis uint64) {
	id := durMillis >> l.shiftMillis
	if id != l.timeSliceID {
		l.timeSliceID = id
		l.curPackets = 0
		l.curBytes = 0
	}
}

func (l *DatagramLimit) delayResult(durMillis uint64) Result {
	return Result{DelayMillis: ((l.timeSliceID + 1) << l.shiftMillis) - durMillis}
}

// CheckPacket decides whether one packet of at most bufSize bytes may be
// received at durMillis elapsed milliseconds.
func (l *DatagramLimit) CheckPacket(durMillis uint64, bufSize int) Result {
	if !l.Enabled() {
		return Result{Packets: 1}
	}
	l.rotate(durMillis)
	if l.maxPackets > 0 && l.curPackets+1 > l.maxPackets {
		return l.delayResult(durMillis)
	}
	if l.maxBytes > 0 && l.curBytes+bufSize > l.maxBytes {
		return l.delayResult(durMillis)
	}
	return Result{Packets: 1}
}

// CheckPackets decides how many of the buffers described by bufSizes may be
// filled by one batched receive.  It walks the sizes in order and stops at
// the first buffer that would exceed either cap, so the admitted count is an
// upper bound on what the kernel may return; the caller reconciles the
// actual count through SetAdvance afterwards.  A buffer larger than
// maxBytes on its own is never admitted, so a batch whose first buffer
// exceeds the byte cap is delayed in every window.
func (l *DatagramLimit) CheckPackets(durMillis uint64, bufSizes []int) Result {
	if !l.Enabled() {
		return Result{Packets: len(bufSizes)}
	}
	l.rotate(durMillis)
	admit := 0
	bytes := l.curBytes
	for _, size := range bufSizes {
		if l.maxPackets > 0 && l.curPackets+admit+1 > l.maxPackets {
			break
		}
		if l.maxBytes > 0 && bytes+size > l.maxBytes {
			break
		}
		admit++
		bytes += size
	}
	if admit == 0 {
		return l.delayResult(durMillis)
	}
	return Result{Packets: admit}
}

// SetAdvance charges a completed receive of packets datagrams totaling
// size bytes to the current window.  Callers invoke it only after the
// underlying receive succeeded, so an abandoned receive never corrupts
// the counters.
func (l *DatagramLimit) SetAdvance(packets, size int) {
	l.curPackets += packets
	l.curBytes += size
}
