// Package shutdown implements the shutdown coordinator: traps
// SIGTERM/SIGINT with their default action suppressed, and runs an
// idempotent, ordered teardown exactly once no matter how many signals
// arrive.
//
// The trap-then-wait shape is a signal.Notify channel feeding a
// dedicated goroutine, with the main goroutine blocking on a single exit
// channel until teardown completes. This is a single process with no
// binary-upgrade protocol, so only the trap-then-teardown skeleton is
// kept, not any socket-handoff machinery.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/riverpath/devservers/internal/api"
	"github.com/riverpath/devservers/internal/banner"
	"github.com/riverpath/devservers/internal/supervisor"
)

// portReleaseSettle is the brief sleep after forceStopAll before the
// process exits, giving the kernel time to release the API port.
const portReleaseSettle = 300 * time.Millisecond

// Coordinator owns the signal traps and the single teardown sequence.
type Coordinator struct {
	log *zap.Logger
	mgr *supervisor.Manager
	api *api.Server

	once sync.Once
	done chan struct{}
}

// New constructs a Coordinator for mgr/apiSrv. Call Install to start
// trapping signals.
func New(log *zap.Logger, mgr *supervisor.Manager, apiSrv *api.Server) *Coordinator {
	return &Coordinator{
		log:  log.Named("shutdown"),
		mgr:  mgr,
		api:  apiSrv,
		done: make(chan struct{}),
	}
}

// Install traps SIGTERM/SIGINT (suppressing their default action) and
// runs Teardown exactly once on first delivery.
func (c *Coordinator) Install() {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		s := <-sig
		c.Teardown(s.String())
		os.Exit(0)
	}()
}

// Teardown runs the ordered shutdown sequence: banner, stop the Control
// API listener, force-stop every server, settle, done. Safe to call more
// than once — only the first call does anything.
func (c *Coordinator) Teardown(reason string) {
	c.once.Do(func() {
		banner.Shutdown(reason)
		c.log.Info("shutdown signal received", zap.String("signal", reason))

		if err := c.api.Close(); err != nil {
			c.log.Warn("api listener close failed", zap.Error(err))
		}

		c.mgr.ForceStopAll()

		time.Sleep(portReleaseSettle)
		c.log.Info("shutdown complete")
		close(c.done)
	})
}

// Done is closed once Teardown has finished running.
func (c *Coordinator) Done() <-chan struct{} { return c.done }
