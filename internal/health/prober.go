// Package health implements the TCP-connect liveness prober. Each server
// with a port gets one prober goroutine that resolves its hostname,
// walks both address families, and reports healthy iff any resolved
// address accepts a connection within ConnectTimeout. The prober never
// issues application traffic, so it cannot pollute a child's logs.
package health

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/riverpath/devservers/pkg/hostutil"
)

const (
	Interval        = 5 * time.Second
	ConnectTimeout  = 2 * time.Second
	FirstProbeDelay = 3 * time.Second
)

// Target describes what to probe.
type Target struct {
	Hostname string
	Port     int
}

// Prober runs the periodic probe loop for one server until Stop is called.
type Prober struct {
	target  Target
	onEvent func(healthy bool)
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start begins probing target after FirstProbeDelay, then every Interval,
// invoking onEvent with each result. Returns a handle whose Stop cancels
// the loop; Stop does not itself force a final "unhealthy" callback — the
// caller (the supervisor state machine) is responsible for forcing
// healthy=false on leaving Running.
func Start(target Target, onEvent func(healthy bool)) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		target:  target,
		onEvent: onEvent,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.loop(ctx)
	return p
}

// Stop cancels the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.cancel()
	<-p.done
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)

	timer := time.NewTimer(FirstProbeDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.onEvent(probeOnce(ctx, p.target))
			timer.Reset(Interval)
		}
	}
}

// probeOnce resolves target.Hostname and attempts a TCP connect against
// each resolved address in order, returning true on the first accept.
func probeOnce(ctx context.Context, target Target) bool {
	probeCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	addrs, err := hostutil.ResolveDialAddrs(probeCtx, target.Hostname)
	if err != nil {
		return false
	}

	dialer := net.Dialer{Timeout: ConnectTimeout}
	for _, addr := range addrs {
		conn, err := dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(addr, strconv.Itoa(target.Port)))
		if err != nil {
			continue
		}
		conn.Close()
		return true
	}
	return false
}
