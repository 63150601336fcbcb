// Package supervisor implements the per-server lifecycle state machine
// and the Manager that orchestrates it together with the config store,
// log buffer, process runner, and health prober.
//
// All mutable server state is touched from exactly one goroutine
// (Manager.loop), fed by a command channel: a single-goroutine
// serialization point that all state mutation funnels through, modeled
// on a PM2-style mainloop (one goroutine owning every map, woken by a
// coalescing signal channel) rather than a per-method mutex.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riverpath/devservers/internal/config"
	"github.com/riverpath/devservers/internal/health"
	"github.com/riverpath/devservers/internal/procstats"
)

// Manager owns the set of supervised servers and is the single entry
// point every collaborator (Control API, Shutdown Coordinator, CLI
// bootstrap) is handed — constructed explicitly once at process start,
// constructed explicitly by the caller rather than a package singleton.
type Manager struct {
	log        *zap.Logger
	store      *config.Store
	extraPaths []string
	stats      *procstats.Cache

	states map[string]*serverState
	order  []string // configuration order, for ListInfo

	cmds chan func()
	done chan struct{}

	schedMu     sync.Mutex
	sched       *scheduler
	pendingFire map[string]func()
	wake        chan struct{}

	subMu sync.Mutex
	subs  []func(id string, info ServerInfo)
}

// NewManager loads settings via store and constructs a ready Manager.
// A config load/parse error is logged and swallowed: the Manager starts
// with an empty server set so the Control API stays reachable for
// diagnostics.
func NewManager(log *zap.Logger, store *config.Store) *Manager {
	settings, err := store.Load()
	if err != nil {
		log.Error("config load failed; starting with empty server set", zap.Error(err))
		settings = config.Settings{}
	}

	m := &Manager{
		log:         log.Named("supervisor"),
		store:       store,
		extraPaths:  settings.ExtraPaths,
		stats:       procstats.NewCache(),
		states:      make(map[string]*serverState),
		cmds:        make(chan func(), 256),
		done:        make(chan struct{}),
		sched:       newScheduler(),
		pendingFire: make(map[string]func()),
		wake:        make(chan struct{}, 1),
	}
	for _, sp := range settings.Servers {
		m.states[sp.ID] = newServerState(sp)
		m.order = append(m.order, sp.ID)
	}

	go m.loop()
	go m.timerLoop()
	go m.statsLoop()

	return m
}

// AutoStartConfigured starts every server whose spec.AutoStart is true.
// Called exactly once, by the CLI bootstrap, never on reload (a
// reload rebuilds state without re-launching anything).
func (m *Manager) AutoStartConfigured() {
	ids := query(m, func() []string {
		var out []string
		for _, id := range m.order {
			if m.states[id].spec.AutoStart {
				out = append(out, id)
			}
		}
		return out
	})
	for _, id := range ids {
		m.Start(id)
	}
}

// OnChange registers a callback invoked on every ServerInfo-affecting
// mutation.
func (m *Manager) OnChange(fn func(id string, info ServerInfo)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

func (m *Manager) notify(id string) {
	if _, ok := m.states[id]; !ok {
		return
	}
	info := m.infoWithStats(id)

	m.subMu.Lock()
	subs := append([]func(string, ServerInfo){}, m.subs...)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(id, info)
	}
}

// post enqueues fn to run on the loop goroutine without blocking the
// caller for its result.
func (m *Manager) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

// query runs fn on the loop goroutine and blocks the caller for its
// result. fn must not block — no I/O, no locks beyond the Manager's own.
func query[T any](m *Manager, fn func() T) T {
	reply := make(chan T, 1)
	m.post(func() { reply <- fn() })
	select {
	case v := <-reply:
		return v
	case <-m.done:
		var zero T
		return zero
	}
}

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.done:
			return
		}
	}
}

// ---- scheduler plumbing (restart backoff / cooldown expiry timers) ----

func (m *Manager) scheduleFire(id string, after time.Duration, fn func()) {
	m.schedMu.Lock()
	m.sched.push(id, time.Now().Add(after))
	m.pendingFire[id] = fn
	m.schedMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) cancelScheduled(id string) {
	m.schedMu.Lock()
	m.sched.remove(id)
	delete(m.pendingFire, id)
	m.schedMu.Unlock()
}

// timerLoop is the restart/cooldown clock, modeled on a PM2-style
// mainloop: a single goroutine that sleeps until the earliest scheduled
// id is due, re-evaluating whenever scheduleFire/cancelScheduled wake it.
func (m *Manager) timerLoop() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		m.schedMu.Lock()
		id, when, ok := m.sched.next()
		m.schedMu.Unlock()

		if !ok {
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}

		delay := time.Until(when)
		if delay <= 0 {
			m.schedMu.Lock()
			m.sched.pop()
			fn := m.pendingFire[id]
			delete(m.pendingFire, id)
			m.schedMu.Unlock()
			if fn != nil {
				m.post(fn)
			}
			continue
		}

		timer.Reset(delay)
		select {
		case <-timer.C:
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-m.done:
			timer.Stop()
			return
		}
	}
}

// statsLoop periodically samples CPU/RSS for every Running server,
// off the supervisor's serialization point since gopsutil performs
// file I/O under /proc.
func (m *Manager) statsLoop() {
	ticker := time.NewTicker(health.Interval)
	defer ticker.Stop()

	type idpid struct {
		id  string
		pid int
	}

	for {
		select {
		case <-ticker.C:
			pairs := query(m, func() []idpid {
				var out []idpid
				for id, st := range m.states {
					if st.status == Running && st.pid > 0 {
						out = append(out, idpid{id, st.pid})
					}
				}
				return out
			})
			for _, p := range pairs {
				m.stats.Sample(p.id, p.pid)
			}
		case <-m.done:
			return
		}
	}
}

// lastErrorf is a small helper to keep error-message formatting uniform.
func lastErrorf(format string, args ...any) string { return fmt.Sprintf(format, args...) }
