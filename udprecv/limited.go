package udprecv

import (
	"io"
	"net"
	"time"

	"github.com/m-lab/udp-limit/limit"
	"github.com/m-lab/udp-limit/metrics"
	"github.com/m-lab/udp-limit/stats"
)

// pacedFromAddr is the placeholder source address returned with a synthetic
// zero-length RecvFrom result on the delay path.
var pacedFromAddr net.Addr = &net.UDPAddr{IP: net.IPv4zero, Port: 0}

// LimitedRecv layers a dual packet/byte rate limit over any Recver and
// re-exposes the same capability surface.  When the current window's budget
// is exhausted, a receive sleeps until the window reopens and then returns a
// zero-length result without touching the endpoint, so the caller's next
// poll lands in a fresh window.  Counters and the stats sink are updated
// only after a successful receive; errors pass through untouched.
//
// A LimitedRecv is driven by one goroutine at a time and takes ownership of
// its endpoint for its lifetime.
type LimitedRecv struct {
	inner   Recver
	limit   *limit.DatagramLimit
	stats   stats.RecvStats
	started time.Time

	// elapsed and sleep are replaced by tests to pace deterministically.
	elapsed func() time.Duration
	sleep   func(time.Duration)

	sizes []int // scratch for batch admission
}

// NewLimitedRecv wraps inner.  shiftMillis in 1..=12 selects a window of
// 1<<shiftMillis milliseconds; 0 disables gating, leaving a pass-through
// that still feeds st.  A zero maxPackets or maxBytes leaves that axis
// unconstrained.
func NewLimitedRecv(inner Recver, shiftMillis uint8, maxPackets, maxBytes int, st stats.RecvStats) *LimitedRecv {
	r := &LimitedRecv{
		inner:   inner,
		limit:   limit.New(shiftMillis, maxPackets, maxBytes),
		stats:   st,
		started: time.Now(),
		sleep:   time.Sleep,
	}
	r.elapsed = func() time.Duration { return time.Since(r.started) }
	return r
}

// Inner returns the wrapped endpoint.
func (r *LimitedRecv) Inner() Recver {
	return r.inner
}

// ResetStats rebinds the sink used for subsequent receives, e.g. when the
// session's accounting topology changes mid-flow.
func (r *LimitedRecv) ResetStats(st stats.RecvStats) {
	r.stats = st
}

// Close releases the endpoint if it is closable, unblocking any receive in
// flight on another goroutine.
func (r *LimitedRecv) Close() error {
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *LimitedRecv) durMillis() uint64 {
	return uint64(r.elapsed().Milliseconds())
}

// pace sleeps out the window's remaining milliseconds.  A zero delay
// completes immediately rather than spin.
func (r *LimitedRecv) pace(ms uint64) {
	metrics.PacedTotal.Inc()
	metrics.PacedDelayHistogram.Observe(float64(ms) / 1000)
	if ms == 0 {
		return
	}
	r.sleep(time.Duration(ms) * time.Millisecond)
}

// RecvFrom implements Recver.  On the delay path it returns (0, 0.0.0.0:0,
// nil) after the window reopens.
func (r *LimitedRecv) RecvFrom(b []byte) (int, net.Addr, error) {
	if !r.limit.Enabled() {
		n, addr, err := r.inner.RecvFrom(b)
		if err != nil {
			return 0, nil, err
		}
		r.stats.AddRecvPacket()
		r.stats.AddRecvBytes(n)
		return n, addr, nil
	}

	res := r.limit.CheckPacket(r.durMillis(), len(b))
	if res.Delayed() {
		r.pace(res.DelayMillis)
		return 0, pacedFromAddr, nil
	}
	n, addr, err := r.inner.RecvFrom(b)
	if err != nil {
		return 0, nil, err
	}
	r.limit.SetAdvance(1, n)
	r.stats.AddRecvPacket()
	r.stats.AddRecvBytes(n)
	return n, addr, nil
}

// Recv implements Recver.  On the delay path it returns (0, nil) after the
// window reopens.
func (r *LimitedRecv) Recv(b []byte) (int, error) {
	if !r.limit.Enabled() {
		n, err := r.inner.Recv(b)
		if err != nil {
			return 0, err
		}
		r.stats.AddRecvPacket()
		r.stats.AddRecvBytes(n)
		return n, nil
	}

	res := r.limit.CheckPacket(r.durMillis(), len(b))
	if res.Delayed() {
		r.pace(res.DelayMillis)
		return 0, nil
	}
	n, err := r.inner.Recv(b)
	if err != nil {
		return 0, err
	}
	r.limit.SetAdvance(1, n)
	r.stats.AddRecvPacket()
	r.stats.AddRecvBytes(n)
	return n, nil
}

// RecvBatch implements BatchRecver when the endpoint underneath does.  The
// admission check walks the buffer sizes to pre-admit an upper bound on the
// packets one kernel call may return; the count the kernel actually filled
// is what gets charged to the window and the sink.
func (r *LimitedRecv) RecvBatch(ms []Message) (int, error) {
	br, ok := r.inner.(BatchRecver)
	if !ok {
		return 0, ErrBatchUnsupported
	}

	if !r.limit.Enabled() {
		count, err := br.RecvBatch(ms)
		if err != nil {
			return 0, err
		}
		nb := batchBytes(ms[:count])
		r.stats.AddRecvPackets(count)
		r.stats.AddRecvBytes(nb)
		metrics.BatchSizeHistogram.Observe(float64(count))
		return count, nil
	}

	if cap(r.sizes) < len(ms) {
		r.sizes = make([]int, len(ms))
	}
	sizes := r.sizes[:len(ms)]
	for i := range ms {
		sizes[i] = len(ms[i].Buf)
	}

	res := r.limit.CheckPackets(r.durMillis(), sizes)
	if res.Delayed() {
		r.pace(res.DelayMillis)
		return 0, nil
	}
	count, err := br.RecvBatch(ms[:res.Packets])
	if err != nil {
		return 0, err
	}
	nb := batchBytes(ms[:count])
	r.limit.SetAdvance(count, nb)
	r.stats.AddRecvPackets(count)
	r.stats.AddRecvBytes(nb)
	metrics.BatchSizeHistogram.Observe(float64(count))
	return count, nil
}

func batchBytes(ms []Message) int {
	total := 0
	for i := range ms {
		total += ms[i].N
	}
	return total
}
