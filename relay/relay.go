// Package relay repeatedly receives datagrams from rate-limited upstream
// sockets and copies them back to their client, one session per client
// address.  It is the consumer of the udprecv pipeline: every upstream
// socket is wrapped UDPRecver -> LimitedRecv -> ConnectedRecv, so the
// upstream-to-client direction is paced by the configured window while the
// client-to-upstream direction is a plain write.
package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-lab/go/logx"
	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/m-lab/udp-limit/eventsocket"
	"github.com/m-lab/udp-limit/metrics"
	"github.com/m-lab/udp-limit/stats"
	"github.com/m-lab/udp-limit/udprecv"
)

// Config carries the relay's construction parameters.
type Config struct {
	// ListenAddr is the client-facing UDP address, e.g. ":5300".
	ListenAddr string
	// TargetAddr is the upstream every session connects to.
	TargetAddr string

	// ShiftMillis, MaxPackets and MaxBytes configure each session's
	// receive limiter; see udprecv.NewLimitedRecv.
	ShiftMillis uint8
	MaxPackets  int
	MaxBytes    int

	// IdleTimeout retires sessions with no traffic in either direction.
	// Defaults to one minute.
	IdleTimeout time.Duration
	// BatchSlots is how many datagrams one batched receive may return.
	// Defaults to 8.
	BatchSlots int
	// PacketSize is the per-datagram buffer size.  Defaults to 2048,
	// which covers any sane UDP payload on ethernet-sized paths.
	PacketSize int
	// RcvBuf, when positive, enlarges each upstream socket's kernel
	// receive buffer.
	RcvBuf int
}

func (c *Config) setDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = time.Minute
	}
	if c.BatchSlots == 0 {
		c.BatchSlots = 8
	}
	if c.PacketSize == 0 {
		c.PacketSize = 2048
	}
}

// Relay owns the client-facing socket and the session table.
type Relay struct {
	cfg     Config
	events  eventsocket.Server
	traffic *stats.TrafficStats

	listener *net.UDPConn
	target   *net.UDPAddr

	mutex    sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup

	// errLog keeps a datagram flood from turning into a log flood.
	errLog *rate.Limiter
}

var sessionLog = logx.NewLogEvery(nil, 30*time.Second)

type session struct {
	id       string
	client   net.Addr
	upstream *net.UDPConn
	limited  *udprecv.LimitedRecv
	recv     *udprecv.ConnectedRecv

	lastActive int64 // unix nanos, atomic
}

func (s *session) touch() {
	atomic.StoreInt64(&s.lastActive, time.Now().UnixNano())
}

func (s *session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&s.lastActive)))
}

// New binds the client-facing socket and resolves the target.  Pass a nil
// events server to disable session announcements.
func New(cfg Config, events eventsocket.Server) (*Relay, error) {
	cfg.setDefaults()
	if events == nil {
		events = eventsocket.NullServer()
	}

	target, err := net.ResolveUDPAddr("udp", cfg.TargetAddr)
	if err != nil {
		return nil, err
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	return &Relay{
		cfg:      cfg,
		events:   events,
		traffic:  stats.NewTrafficStats(),
		listener: listener,
		target:   target,
		sessions: make(map[string]*session),
		errLog:   rate.NewLimiter(rate.Every(time.Second), 10),
	}, nil
}

// LocalAddr returns the client-facing address, useful when ListenAddr held
// port 0.
func (r *Relay) LocalAddr() net.Addr {
	return r.listener.LocalAddr()
}

// Traffic returns the aggregate upstream-receive counters across all
// sessions, past and present.
func (r *Relay) Traffic() *stats.TrafficStats {
	return r.traffic
}

func (r *Relay) logErr(kind string, err error) {
	metrics.ErrorCount.WithLabelValues(kind).Inc()
	if r.errLog.Allow() {
		log.Printf("%s error: %v", kind, err)
	}
}

// Run serves clients until the context is canceled, then tears down every
// session and returns.
func (r *Relay) Run(ctx context.Context) error {
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	// Closing the listener is what actually unblocks the read loop.
	go func() {
		<-derivedCtx.Done()
		r.listener.Close()
	}()

	r.wg.Add(1)
	go r.reapLoop(derivedCtx)

	buf := make([]byte, r.cfg.PacketSize)
	for derivedCtx.Err() == nil {
		n, addr, err := r.listener.ReadFrom(buf)
		if err != nil {
			if derivedCtx.Err() != nil {
				break
			}
			r.logErr("listen", err)
			continue
		}
		s, err := r.session(addr)
		if err != nil {
			r.logErr("dial", err)
			continue
		}
		s.touch()
		if n > 0 {
			if _, err := s.upstream.Write(buf[:n]); err != nil {
				r.logErr("send", err)
			}
		}
		sessionLog.Printf("%d open sessions, %d packets / %d bytes relayed from upstream",
			r.sessionCount(), r.traffic.RecvPackets(), r.traffic.RecvBytes())
	}

	derivedCancel()
	r.closeAll()
	r.wg.Wait()
	return ctx.Err()
}

func (r *Relay) sessionCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sessions)
}

// session returns the session for addr, creating it on first contact.
func (r *Relay) session(addr net.Addr) (*session, error) {
	key := addr.String()

	r.mutex.Lock()
	s, ok := r.sessions[key]
	r.mutex.Unlock()
	if ok {
		return s, nil
	}

	upstream, err := net.DialUDP("udp", nil, r.target)
	if err != nil {
		return nil, err
	}

	limited := udprecv.NewLimitedRecv(
		udprecv.NewUDPRecver(upstream, r.cfg.RcvBuf),
		r.cfg.ShiftMillis, r.cfg.MaxPackets, r.cfg.MaxBytes,
		stats.Multi(r.traffic, metrics.RecvStats{}))
	s = &session{
		id:       xid.New().String(),
		client:   addr,
		upstream: upstream,
		limited:  limited,
		recv:     udprecv.NewConnectedRecv(limited),
	}
	s.touch()

	r.mutex.Lock()
	if existing, ok := r.sessions[key]; ok {
		// Lost a race with another datagram from the same client.
		r.mutex.Unlock()
		limited.Close()
		return existing, nil
	}
	r.sessions[key] = s
	r.mutex.Unlock()

	metrics.SessionsTotal.Inc()
	metrics.OpenSessions.Inc()
	r.events.SessionOpened(time.Now(), s.id, key, r.cfg.TargetAddr)
	log.Println("New session", s.id, "for", key)

	r.wg.Add(1)
	go r.copyUpstream(s)
	return s, nil
}

// remove takes s out of the table if it is still there and reports whether
// this caller won the removal.  Whoever wins performs the teardown.
func (r *Relay) remove(s *session) bool {
	key := s.client.String()
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.sessions[key] != s {
		return false
	}
	delete(r.sessions, key)
	return true
}

func (r *Relay) closeSession(s *session) {
	if !r.remove(s) {
		return
	}
	s.limited.Close()
	metrics.OpenSessions.Dec()
	r.events.SessionClosed(time.Now(), s.id)
	log.Println("Closed session", s.id)
}

func (r *Relay) closeAll() {
	r.mutex.Lock()
	open := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mutex.Unlock()
	for _, s := range open {
		r.closeSession(s)
	}
}

// reapLoop retires idle sessions.
func (r *Relay) reapLoop(ctx context.Context) {
	defer r.wg.Done()
	tick := r.cfg.IdleTimeout / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		r.mutex.Lock()
		expired := make([]*session, 0)
		for _, s := range r.sessions {
			if s.idle(now) > r.cfg.IdleTimeout {
				expired = append(expired, s)
			}
		}
		r.mutex.Unlock()
		for _, s := range expired {
			r.closeSession(s)
		}
	}
}

// copyUpstream runs one session's upstream-to-client direction until the
// upstream socket is closed.  Zero-length receives are pacing hiccups (or
// empty payloads, which carry nothing to forward anyway) and just poll
// again.
func (r *Relay) copyUpstream(s *session) {
	defer r.wg.Done()
	defer r.closeSession(s)

	if udprecv.BatchCapable(s.limited) {
		r.copyUpstreamBatch(s)
		return
	}

	buf := make([]byte, r.cfg.PacketSize)
	for {
		hdr, n, err := s.recv.RecvPacket(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logErr("recv", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		s.touch()
		if _, err := r.listener.WriteTo(buf[hdr:hdr+n], s.client); err != nil {
			r.logErr("reply", err)
		}
	}
}

func (r *Relay) copyUpstreamBatch(s *session) {
	pkts := make([]udprecv.Packet, r.cfg.BatchSlots)
	for i := range pkts {
		pkts[i].Buf = make([]byte, r.cfg.PacketSize)
	}
	for {
		count, err := s.recv.RecvPackets(pkts)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logErr("recv", err)
			}
			return
		}
		if count == 0 {
			continue
		}
		s.touch()
		for i := 0; i < count; i++ {
			p := &pkts[i]
			if p.Length == p.Offset {
				continue
			}
			if _, err := r.listener.WriteTo(p.Payload(), s.client); err != nil {
				r.logErr("reply", err)
			}
		}
	}
}
