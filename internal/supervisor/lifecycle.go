package supervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riverpath/devservers/internal/config"
	"github.com/riverpath/devservers/internal/health"
	"github.com/riverpath/devservers/internal/runner"
)

// Start begins a server's Stopped→Starting→Running transition. A no-op if
// the server is already Starting or Running.
func (m *Manager) Start(id string) { m.post(func() { m.doStart(id) }) }

func (m *Manager) doStart(id string) {
	st, ok := m.states[id]
	if !ok {
		return
	}
	if st.status == Starting || st.status == Running {
		return
	}

	if st.spec.Port != 0 {
		if owner, collides := m.portCollision(id, st.spec.Port); collides {
			st.lastError = lastErrorf("port %d already in use by %q", st.spec.Port, owner)
			m.notify(id)
			return
		}
	}

	m.cancelScheduled(id)
	st.stopRequested = false
	st.status = Starting
	st.healthy = false
	st.lastError = ""
	m.notify(id)

	spec := st.spec
	logs := st.logs
	extraPaths := m.extraPaths
	attemptID := uuid.New().String()

	go func() {
		runner.Preflight(spec)
		handle, exitCh, err := runner.Spawn(spec, logs, extraPaths)
		if err != nil {
			m.post(func() { m.onSpawnError(id, err) })
			return
		}
		m.post(func() { m.onSpawned(id, handle, attemptID) })

		ev := <-exitCh
		m.post(func() { m.onExit(id, handle, ev.ExitCode) })
	}()
}

// portCollision reports whether port is already held by a currently
// Starting or Running server other than id. Declaration-time duplicate
// ports are legal (see Settings.validate); only two servers actually
// trying to bind the same port at once is an error, so this is checked
// at start time rather than load time.
func (m *Manager) portCollision(id string, port int) (ownerID string, collides bool) {
	for otherID, st := range m.states {
		if otherID == id {
			continue
		}
		if st.spec.Port == port && (st.status == Starting || st.status == Running) {
			return otherID, true
		}
	}
	return "", false
}

func (m *Manager) onSpawned(id string, handle *runner.Handle, attemptID string) {
	st, ok := m.states[id]
	if !ok {
		go handle.Stop()
		return
	}
	if st.stopRequested || st.status != Starting {
		// A stop()/restart()/reload raced the in-flight spawn attempt: let
		// the new child die immediately rather than adopt it as Running.
		st.handle = handle
		st.pid = handle.PID()
		go handle.Stop()
		return
	}

	st.handle = handle
	st.pid = handle.PID()
	st.status = Running
	st.healthy = false
	m.log.Info("spawn attempt adopted as running",
		zap.String("id", id), zap.String("attemptID", attemptID), zap.Int("pid", handle.PID()))
	m.notify(id)

	if st.spec.Port != 0 {
		target := health.Target{Hostname: st.spec.Hostname, Port: st.spec.Port}
		st.prober = health.Start(target, func(healthy bool) {
			m.post(func() { m.onHealth(id, handle, healthy) })
		})
	}
}

func (m *Manager) onHealth(id string, handle *runner.Handle, healthy bool) {
	st, ok := m.states[id]
	if !ok || st.handle != handle || st.status != Running {
		return
	}
	if st.healthy == healthy {
		return
	}
	st.healthy = healthy
	m.notify(id)
}

func (m *Manager) onSpawnError(id string, err error) {
	st, ok := m.states[id]
	if !ok {
		return
	}
	st.handle = nil
	st.pid = 0
	st.lastError = lastErrorf("spawn failed: %v", err)
	m.feedGovernor(id, st)
	m.notify(id)
}

func (m *Manager) onExit(id string, handle *runner.Handle, code int) {
	st, ok := m.states[id]
	if !ok || st.handle != handle {
		return // stale event against a replaced/torn-down state
	}

	m.stopProber(st)
	st.handle = nil
	st.pid = 0

	restartPending := st.restartPending
	st.restartPending = false

	switch {
	case st.stopRequested:
		st.stopRequested = false
		st.status = Stopped
		st.healthy = false
		st.crashTimes = nil
		m.stats.Drop(id)
		m.notify(id)

	case code == 0:
		st.status = Stopped
		st.healthy = false
		st.crashTimes = nil
		m.stats.Drop(id)
		m.notify(id)

	default:
		st.lastError = lastErrorf("exited with code %d", code)
		m.stats.Drop(id)
		m.feedGovernor(id, st)
		m.notify(id)
	}

	if restartPending {
		m.scheduleFire(id, manualRestartSettleMS*time.Millisecond, func() { m.doStart(id) })
	}
}

func (m *Manager) stopProber(st *serverState) {
	if st.prober != nil {
		st.prober.Stop()
		st.prober = nil
	}
}

// feedGovernor records a crash, trims the sliding window, and either
// schedules a backoff restart or enters Cooldown.
func (m *Manager) feedGovernor(id string, st *serverState) {
	now := time.Now()
	cutoff := now.Add(-crashWindowSeconds * time.Second)

	st.crashTimes = append(st.crashTimes, now)
	i := 0
	for i < len(st.crashTimes) && st.crashTimes[i].Before(cutoff) {
		i++
	}
	st.crashTimes = st.crashTimes[i:]

	if len(st.crashTimes) >= maxCrashes {
		st.status = Cooldown
		st.logs.Append(fmt.Sprintf("[system] Too many crashes — cooldown for %d minutes", cooldownSeconds/60))
		m.scheduleFire(id, cooldownSeconds*time.Second, func() { m.onCooldownExpired(id) })
		return
	}

	st.status = Crashed
	st.logs.Append(fmt.Sprintf("[system] Crashed — restarting (%d/%d)", len(st.crashTimes), maxCrashes))
	m.scheduleFire(id, restartBackoffSeconds*time.Second, func() { m.onRestartBackoffFired(id) })
}

func (m *Manager) onCooldownExpired(id string) {
	st, ok := m.states[id]
	if !ok || st.status != Cooldown {
		return
	}
	st.crashTimes = nil
	st.logs.Append("[system] cooldown complete, resuming")
	m.doStart(id)
}

func (m *Manager) onRestartBackoffFired(id string) {
	st, ok := m.states[id]
	if !ok || st.status != Crashed {
		return
	}
	m.doStart(id)
}

// Stop transitions a server toward Stopped. Cooldown/Crashed cancel their
// pending governor timer immediately; Starting/Running signal the child
// and let the eventual exit event finalize Stopped.
func (m *Manager) Stop(id string) { m.post(func() { m.doStop(id) }) }

func (m *Manager) doStop(id string) {
	st, ok := m.states[id]
	if !ok {
		return
	}
	switch st.status {
	case Stopped:
		return

	case Cooldown, Crashed:
		m.cancelScheduled(id)
		st.status = Stopped
		st.crashTimes = nil
		m.notify(id)

	case Starting, Running:
		st.stopRequested = true
		if st.handle != nil {
			go st.handle.Stop()
		}
		m.notify(id)
	}
}

// Restart is stop() followed by start() after a settle delay, clearing the
// crash window and leaving Cooldown unconditionally.
func (m *Manager) Restart(id string) { m.post(func() { m.doRestart(id) }) }

func (m *Manager) doRestart(id string) {
	st, ok := m.states[id]
	if !ok {
		return
	}
	m.cancelScheduled(id)
	st.crashTimes = nil

	switch st.status {
	case Starting, Running:
		st.stopRequested = true
		st.restartPending = true
		if st.handle != nil {
			go st.handle.Stop()
		}
		m.notify(id)

	default: // Stopped, Crashed, Cooldown: no live child to wait for
		st.status = Stopped
		st.healthy = false
		m.notify(id)
		m.scheduleFire(id, manualRestartSettleMS*time.Millisecond, func() { m.doStart(id) })
	}
}

// ClearLogs empties a server's log buffer without affecting its status.
func (m *Manager) ClearLogs(id string) {
	m.post(func() {
		if st, ok := m.states[id]; ok {
			st.logs.Clear()
		}
	})
}

// StartAll starts every configured server in configuration order.
func (m *Manager) StartAll() {
	for _, id := range m.snapshotIDs() {
		m.Start(id)
	}
}

// StopAll stops every configured server in configuration order.
func (m *Manager) StopAll() {
	for _, id := range m.snapshotIDs() {
		m.Stop(id)
	}
}

func (m *Manager) snapshotIDs() []string {
	return query(m, func() []string { return append([]string{}, m.order...) })
}

// ForceStopAll immediately SIGKILLs every live child, then reclaims any
// configured port still held by a survivor. Used during process shutdown
// (ReloadSettings runs its own kill pass). It runs mostly on the caller's goroutine: only the
// map scan happens on the serialization point; the kill, port-reclaim
// probe, and settle sleep all run here, which is the one code path
// allowed to block its caller.
func (m *Manager) ForceStopAll() {
	type live struct {
		id     string
		handle *runner.Handle
	}
	var lives []live
	var ports []int
	query(m, func() any {
		for id, st := range m.states {
			m.cancelScheduled(id)
			m.stopProber(st)
			st.crashTimes = nil
			if st.handle != nil {
				st.stopRequested = true
				lives = append(lives, live{id, st.handle})
			}
			if st.spec.Port != 0 {
				ports = append(ports, st.spec.Port)
			}
			if st.status != Stopped {
				st.status = Stopped
				st.healthy = false
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for _, l := range lives {
		wg.Add(1)
		go func(l live) {
			defer wg.Done()
			l.handle.ForceStop()
		}(l)
	}
	wg.Wait()

	for _, l := range lives {
		id := l.id
		m.stats.Drop(id)
		m.post(func() { m.notify(id) })
	}

	if len(ports) > 0 {
		time.Sleep(500 * time.Millisecond)
		reclaimPorts(ports)
		time.Sleep(1 * time.Second)
	}
}

// reclaimPorts best-effort SIGKILLs any process still bound to one of
// ports, via lsof -ti, a survivor of a killed child's orphaned grandchild
// or a port lingering in TIME_WAIT-adjacent hold. Failures are normal
// operating conditions (lsof absent, port already free) and are swallowed.
func reclaimPorts(ports []int) {
	for _, port := range ports {
		out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
		if err != nil {
			continue
		}
		for _, line := range strings.Fields(string(out)) {
			pid, err := strconv.Atoi(line)
			if err != nil {
				continue
			}
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

// ReloadSettings re-reads the config store, stops every currently running
// server, and rebuilds the managed set from the freshly loaded settings.
// Servers are matched by id: a surviving id keeps its Stopped slate, a
// dropped id disappears, a new id appears Stopped (this is the reload
// semantics) — AutoStart is never honored here, only at bootstrap.
func (m *Manager) ReloadSettings() error {
	newSettings, loadErr := m.store.Load()
	if loadErr != nil {
		m.log.Error("config reload failed; clearing managed server set", zap.Error(loadErr))
		newSettings = config.Settings{}
	}

	type live struct {
		id     string
		handle *runner.Handle
	}
	var lives []live
	query(m, func() any {
		for id, st := range m.states {
			m.cancelScheduled(id)
			m.stopProber(st)
			if st.handle != nil {
				st.stopRequested = true
				lives = append(lives, live{id, st.handle})
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for _, l := range lives {
		wg.Add(1)
		go func(l live) {
			defer wg.Done()
			l.handle.ForceStop()
			m.stats.Drop(l.id)
		}(l)
	}
	wg.Wait()

	query(m, func() any {
		m.extraPaths = newSettings.ExtraPaths
		m.states = make(map[string]*serverState)
		m.order = nil
		for _, sp := range newSettings.Servers {
			m.states[sp.ID] = newServerState(sp)
			m.order = append(m.order, sp.ID)
		}
		return nil
	})

	for _, id := range m.snapshotIDs() {
		m.post(func() { m.notify(id) })
	}

	return loadErr
}

// ListInfo returns a snapshot of every server in configuration order.
func (m *Manager) ListInfo() []ServerInfo {
	return query(m, func() []ServerInfo {
		out := make([]ServerInfo, 0, len(m.order))
		for _, id := range m.order {
			out = append(out, m.infoWithStats(id))
		}
		return out
	})
}

// GetInfo returns one server's snapshot.
func (m *Manager) GetInfo(id string) (ServerInfo, bool) {
	type result struct {
		info ServerInfo
		ok   bool
	}
	r := query(m, func() result {
		if _, ok := m.states[id]; !ok {
			return result{}
		}
		return result{info: m.infoWithStats(id), ok: true}
	})
	return r.info, r.ok
}

func (m *Manager) infoWithStats(id string) ServerInfo {
	info := m.states[id].info()
	if sample, ok := m.stats.Get(id); ok {
		info.Stats = &Stats{CPUPercent: sample.CPUPercent, RSSBytes: sample.RSSBytes}
	}
	return info
}

// GetLogs returns up to lines of the most recent log output for id, oldest
// first, plus the buffer's current total size. ok is false if id is unknown.
func (m *Manager) GetLogs(id string, lines int) (out []string, total int, ok bool) {
	type result struct {
		lines []string
		total int
		ok    bool
	}
	r := query(m, func() result {
		st, found := m.states[id]
		if !found {
			return result{}
		}
		entries := st.logs.Snapshot(lines)
		ls := make([]string, 0, len(entries))
		for _, e := range entries {
			ls = append(ls, e.Line)
		}
		return result{lines: ls, total: st.logs.Size(), ok: true}
	})
	return r.lines, r.total, r.ok
}
