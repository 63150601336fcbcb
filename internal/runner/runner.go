// Package runner implements process spawning: launching a
// ServerSpec's command under /bin/sh -c in its own process group, capturing
// stdout/stderr into a log buffer, and tearing it down via SIGTERM→grace→
// SIGKILL.
//
// Early pipe allocation, Setpgid + Pdeathsig, scanner-based line readers,
// and a race-aware "first pipe, then grace window, then watch Done"
// supervision sequence, generalized from a fixed readiness-marker
// protocol (a literal stdout string) to a plain exit-code-only
// lifecycle, since dev servers have no shared "ready" banner to scan for.
package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riverpath/devservers/internal/config"
	"github.com/riverpath/devservers/internal/logbuf"
)

const stopGracePeriod = 1 * time.Second

// ExitEvent is delivered exactly once, after the child has been fully
// reaped and its pipes drained.
type ExitEvent struct {
	ExitCode int
}

// Handle is the live runner-side representation of one spawned child.
// The zero value is not usable; obtain one from Spawn.
type Handle struct {
	spec config.ServerSpec
	cmd  *exec.Cmd
	pid  int

	stopOnce sync.Once
	done     chan struct{} // closed once Wait() returns and pipes drained
}

// PID returns the child's process id.
func (h *Handle) PID() int { return h.pid }

// EnvAugmenter returns the environment to hand to the child: the parent's
// environment, FORCE_COLOR=1, and PATH prefixed with any directories from
// extraPaths (or a best-effort Node.js toolchain guess) that exist on disk.
func EnvAugmenter(extraPaths []string) []string {
	env := os.Environ()

	candidates := extraPaths
	if len(candidates) == 0 {
		candidates = defaultNodeToolchainPaths()
	}

	var prefix []string
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			prefix = append(prefix, c)
		}
	}

	out := make([]string, 0, len(env)+2)
	sawPath := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			sawPath = true
			existing := strings.TrimPrefix(kv, "PATH=")
			if len(prefix) > 0 {
				existing = strings.Join(prefix, string(os.PathListSeparator)) + string(os.PathListSeparator) + existing
			}
			out = append(out, "PATH="+existing)
			continue
		}
		out = append(out, kv)
	}
	if !sawPath {
		out = append(out, "PATH="+strings.Join(prefix, string(os.PathListSeparator)))
	}
	out = append(out, "FORCE_COLOR=1")
	return out
}

func defaultNodeToolchainPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".nvm", "current", "bin"),
		filepath.Join(home, ".volta", "bin"),
		"/usr/local/bin",
	}
}

// Preflight best-effort kills orphan processes left over from a previous
// run of this spec (matched by working dir + first word of command) and
// removes known stale toolchain lock files. All failures here are normal
// operating conditions and are swallowed.
func Preflight(spec config.ServerSpec) {
	firstWord := strings.Fields(spec.Command)
	pattern := spec.WorkingDir
	if len(firstWord) > 0 {
		pattern += ".*" + firstWord[0]
	}
	// Best-effort; pkill's absence or non-match is not an error condition.
	_ = exec.Command("pkill", "-f", pattern).Run()

	staleLock := filepath.Join(spec.WorkingDir, ".next", "dev", "lock")
	_ = os.Remove(staleLock)
}

// Spawn launches spec.Command under /bin/sh -c, wires stdout/stderr into
// buf, and returns a live Handle. The returned exit channel receives
// exactly one ExitEvent once the child has been reaped; callers must
// drain it.
func Spawn(spec config.ServerSpec, buf *logbuf.Buffer, extraPaths []string) (*Handle, <-chan ExitEvent, error) {
	env := EnvAugmenter(extraPaths)

	shellCmd := fmt.Sprintf("export PATH=%s && exec %s", shQuote(pathEnvValue(env)), spec.Command)
	cmd := exec.Command("/bin/sh", "-c", shellCmd)
	cmd.Dir = spec.WorkingDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn: %w", err)
	}

	h := &Handle{
		spec: spec,
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	buf.Append(fmt.Sprintf("[system] Started with PID %d", h.pid))

	exitCh := make(chan ExitEvent, 1)
	go h.supervise(stdout, stderr, buf, exitCh)

	return h, exitCh, nil
}

// pathEnvValue extracts the PATH entry from an environment slice built by
// EnvAugmenter, for re-export inside the shell -c line (belt and braces:
// cmd.Env already carries it, but the shell line documents the contract
// for anyone reading the spawned command directly).
func pathEnvValue(env []string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return strings.TrimPrefix(kv, "PATH=")
		}
	}
	return ""
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// supervise drains stdout/stderr, waits for the child, and publishes the
// single ExitEvent. Mirrors processmgr.process.supervise()'s pipe-then-wait
// ordering: both readers run to EOF (which tracks pipe closure, not process
// exit) before Wait() is called, so no data is lost to a race between pipe
// teardown and reaping.
func (h *Handle) supervise(stdout, stderr io.ReadCloser, buf *logbuf.Buffer, exitCh chan<- ExitEvent) {
	var g errgroup.Group
	g.Go(func() error {
		drainLines(stdout, buf, "")
		return nil
	})
	g.Go(func() error {
		drainLines(stderr, buf, "[stderr] ")
		return nil
	})
	_ = g.Wait()

	err := h.cmd.Wait()
	close(h.done)

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			buf.Append(fmt.Sprintf("[system] wait failed: %v", err))
		}
	}

	buf.Append(fmt.Sprintf("[system] Process exited with code %d", code))
	exitCh <- ExitEvent{ExitCode: code}
}

// drainLines scans r line by line, decoding invalid UTF-8 byte sequences
// as the replacement character rather than failing, and appends each
// (optionally prefixed) line to buf. bufio.Scanner's default split
// function already flushes a final line with no trailing newline at EOF,
// so no separate end-of-stream handling is needed.
func drainLines(r io.Reader, buf *logbuf.Buffer, prefix string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		buf.Append(prefix + strings.ToValidUTF8(line, "�"))
	}
	// Scanner errors (e.g. a line longer than the max buffer) are treated
	// like any other stream-ended condition: the pipe is draining because
	// the child is tearing down, not a reason to propagate a runner error.
}

// Stop sends SIGTERM to the child's process group, waits up to
// stopGracePeriod, then escalates to SIGKILL. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.signalGroup(syscall.SIGTERM)

		timer := time.NewTimer(stopGracePeriod)
		defer timer.Stop()

		select {
		case <-h.done:
		case <-timer.C:
			h.signalGroup(syscall.SIGKILL)
			<-h.done
		}
	})
}

// ForceStop sends SIGKILL immediately and blocks until reaped.
func (h *Handle) ForceStop() {
	h.stopOnce.Do(func() {
		h.signalGroup(syscall.SIGKILL)
		<-h.done
	})
}

func (h *Handle) signalGroup(sig syscall.Signal) {
	if h.pid <= 0 {
		return
	}
	_ = syscall.Kill(-h.pid, sig)
}
