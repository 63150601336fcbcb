package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/riverpath/devservers/internal/config"
)

func newTestManager(t *testing.T, servers ...config.ServerSpec) *Manager {
	t.Helper()
	store, err := config.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if len(servers) > 0 {
		if err := store.Save(config.Settings{Servers: servers}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	return NewManager(zap.NewNop(), store)
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status, timeout time.Duration) ServerInfo {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if info, ok := m.GetInfo(id); ok && info.Status == want {
				return info
			}
		case <-deadline:
			info, _ := m.GetInfo(id)
			t.Fatalf("timed out waiting for %s to reach %s, last seen %+v", id, want, info)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestManager(t, config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 30"})

	m.Start("a")
	info := waitForStatus(t, m, "a", Running, 3*time.Second)
	if info.PID == 0 {
		t.Fatal("expected non-zero pid once Running")
	}

	logs, _, ok := m.GetLogs("a", 0)
	if !ok {
		t.Fatal("expected logs for known server")
	}
	found := false
	for _, l := range logs {
		if containsAll(l, "Started with PID") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a 'Started with PID' log line, got %v", logs)
	}

	m.Stop("a")
	waitForStatus(t, m, "a", Stopped, 3*time.Second)
}

func TestStartOnRunningIsNoOp(t *testing.T) {
	m := newTestManager(t, config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 30"})

	m.Start("a")
	first := waitForStatus(t, m, "a", Running, 3*time.Second)

	m.Start("a")
	time.Sleep(100 * time.Millisecond)
	second, ok := m.GetInfo("a")
	if !ok {
		t.Fatal("expected server to still be known")
	}
	if second.PID != first.PID {
		t.Fatalf("PID changed across no-op Start: %d -> %d", first.PID, second.PID)
	}

	m.ForceStopAll()
}

func TestStopOnStoppedIsNoOp(t *testing.T) {
	m := newTestManager(t, config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 30"})
	m.Stop("a")
	time.Sleep(50 * time.Millisecond)
	info, ok := m.GetInfo("a")
	if !ok || info.Status != Stopped {
		t.Fatalf("info = %+v, ok = %v, want Stopped", info, ok)
	}
}

func TestCleanExitGoesStoppedNotCrashed(t *testing.T) {
	m := newTestManager(t, config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "sh -c 'exit 0'"})
	m.Start("a")
	waitForStatus(t, m, "a", Stopped, 3*time.Second)
}

func TestCrashGovernorBacksOffBeforeCooldown(t *testing.T) {
	m := newTestManager(t, config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "exit 1"})
	m.Start("a")

	// maxCrashes (3) crash cycles at ~restartBackoffSeconds (2s) apart should
	// land the server in Cooldown well within 15s.
	waitForStatus(t, m, "a", Cooldown, 15*time.Second)

	logs, _, ok := m.GetLogs("a", 0)
	if !ok {
		t.Fatal("expected logs for known server")
	}
	found := false
	backoffs := 0
	for _, l := range logs {
		if containsAll(l, "Too many crashes") {
			found = true
		}
		if containsAll(l, "Crashed — restarting (1/3)") || containsAll(l, "Crashed — restarting (2/3)") {
			backoffs++
		}
	}
	if !found {
		t.Fatalf("expected a cooldown log line, got %v", logs)
	}
	if backoffs != 2 {
		t.Fatalf("backoff restart log lines = %d, want 2 before cooldown, got %v", backoffs, logs)
	}
}

func TestManualRestartClearsCooldown(t *testing.T) {
	m := newTestManager(t, config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "exit 1"})
	m.Start("a")
	waitForStatus(t, m, "a", Cooldown, 15*time.Second)

	m.Restart("a")
	// restart() must leave Cooldown well before cooldownDuration elapses.
	waitForStatus(t, m, "a", Starting, 2*time.Second)
}

func TestListInfoPreservesConfigurationOrder(t *testing.T) {
	m := newTestManager(t,
		config.ServerSpec{ID: "b", WorkingDir: t.TempDir(), Command: "sleep 1"},
		config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 1"},
	)
	infos := m.ListInfo()
	if len(infos) != 2 || infos[0].ID != "b" || infos[1].ID != "a" {
		t.Fatalf("infos = %+v, want [b a] in configuration order", infos)
	}
}

func TestGetInfoUnknownIDNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.GetInfo("nope"); ok {
		t.Fatal("expected ok=false for unknown id")
	}
}

func TestGetLogsUnknownIDNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, _, ok := m.GetLogs("nope", 10); ok {
		t.Fatal("expected ok=false for unknown id")
	}
}

func TestReloadSettingsRebuildsByID(t *testing.T) {
	store, err := config.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Save(config.Settings{Servers: []config.ServerSpec{
		{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 30"},
		{ID: "b", WorkingDir: t.TempDir(), Command: "sleep 30"},
	}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m := NewManager(zap.NewNop(), store)
	m.Start("a")
	m.Start("b")
	waitForStatus(t, m, "a", Running, 3*time.Second)
	waitForStatus(t, m, "b", Running, 3*time.Second)

	if err := store.Save(config.Settings{Servers: []config.ServerSpec{
		{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 30"},
		{ID: "c", WorkingDir: t.TempDir(), Command: "sleep 30"},
	}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := m.ReloadSettings(); err != nil {
		t.Fatalf("ReloadSettings: %v", err)
	}

	aInfo, ok := m.GetInfo("a")
	if !ok || aInfo.Status != Stopped {
		t.Fatalf("a info = %+v, ok = %v, want Stopped", aInfo, ok)
	}
	if _, ok := m.GetInfo("b"); ok {
		t.Fatal("expected b to be gone after reload")
	}
	cInfo, ok := m.GetInfo("c")
	if !ok || cInfo.Status != Stopped {
		t.Fatalf("c info = %+v, ok = %v, want Stopped", cInfo, ok)
	}
}

func TestForceStopAllStopsEveryRunningServer(t *testing.T) {
	m := newTestManager(t,
		config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 30"},
		config.ServerSpec{ID: "b", WorkingDir: t.TempDir(), Command: "sleep 30"},
	)
	m.Start("a")
	m.Start("b")
	waitForStatus(t, m, "a", Running, 3*time.Second)
	waitForStatus(t, m, "b", Running, 3*time.Second)

	m.ForceStopAll()

	aInfo, _ := m.GetInfo("a")
	bInfo, _ := m.GetInfo("b")
	if aInfo.Status != Stopped || bInfo.Status != Stopped {
		t.Fatalf("a = %+v, b = %+v, want both Stopped", aInfo, bInfo)
	}
}

func TestStartRejectsPortAlreadyBoundByAnotherRunningServer(t *testing.T) {
	m := newTestManager(t,
		config.ServerSpec{ID: "a", WorkingDir: t.TempDir(), Command: "sleep 30", Port: 19001},
		config.ServerSpec{ID: "b", WorkingDir: t.TempDir(), Command: "sleep 30", Port: 19001},
	)

	m.Start("a")
	waitForStatus(t, m, "a", Running, 3*time.Second)

	m.Start("b")
	time.Sleep(100 * time.Millisecond)
	bInfo, ok := m.GetInfo("b")
	if !ok {
		t.Fatal("expected b to still be known")
	}
	if bInfo.Status != Stopped {
		t.Fatalf("b status = %v, want Stopped (start rejected)", bInfo.Status)
	}
	if !containsAll(bInfo.LastError, "already in use") {
		t.Fatalf("b LastError = %q, want a port-collision message", bInfo.LastError)
	}

	m.ForceStopAll()
}

func containsAll(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
