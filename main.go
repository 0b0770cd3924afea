package main

// For a quick smoke test, point the relay at a local DNS resolver:
//   udp-limit -listen :5301 -target 127.0.0.1:53 -shift-millis 4 -max-packets 100
// and run dig @127.0.0.1 -p 5301 against it.

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/m-lab/udp-limit/eventsocket"
	"github.com/m-lab/udp-limit/relay"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	listenAddr  = flag.String("listen", ":5301", "Client-facing UDP address.")
	targetAddr  = flag.String("target", "", "Upstream UDP address every session connects to. Required.")
	shiftMillis = flag.Uint("shift-millis", 0, "Upstream receive window size as 1<<shift milliseconds. 0 disables limiting; the maximum is 12 (4096 ms).")
	maxPackets  = flag.Int("max-packets", 0, "Maximum packets received from upstream per window. 0 means unconstrained.")
	maxBytes    = flag.Int("max-bytes", 0, "Maximum bytes received from upstream per window. 0 means unconstrained.")
	idleTimeout = flag.Duration("idle-timeout", time.Minute, "Retire sessions with no traffic for this long.")
	rcvBuf      = flag.Int("rcvbuf", 0, "If nonzero, enlarge each upstream socket's kernel receive buffer to this many bytes.")
	eventsock   = flag.String("eventsocket", "", "If set, serve session open/close events as JSONL on this unix-domain socket.")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port. Default is ':9090'")
	timeout     = flag.Duration("timeout", 0, "If nonzero, stop after this long. Mostly useful for testing.")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if *targetAddr == "" {
		log.Fatal("-target is required")
	}
	if *timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, *timeout)
		defer timeoutCancel()
	}

	// Expose prometheus and pprof metrics on a separate port.
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	events := eventsocket.NullServer()
	if *eventsock != "" {
		events = eventsocket.New(*eventsock)
		go func() {
			rtx.Must(events.Serve(ctx), "Could not serve session events on %q", *eventsock)
		}()
	}

	r, err := relay.New(relay.Config{
		ListenAddr:  *listenAddr,
		TargetAddr:  *targetAddr,
		ShiftMillis: uint8(*shiftMillis),
		MaxPackets:  *maxPackets,
		MaxBytes:    *maxBytes,
		IdleTimeout: *idleTimeout,
		RcvBuf:      *rcvBuf,
	}, events)
	rtx.Must(err, "Could not create the relay")

	log.Println("Relaying", r.LocalAddr(), "->", *targetAddr)
	r.Run(ctx)

	traffic := r.Traffic()
	log.Println("Relayed", traffic.RecvPackets(), "packets /", traffic.RecvBytes(), "bytes from upstream")
}
