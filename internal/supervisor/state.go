package supervisor

import (
	"time"

	"github.com/riverpath/devservers/internal/config"
	"github.com/riverpath/devservers/internal/health"
	"github.com/riverpath/devservers/internal/logbuf"
	"github.com/riverpath/devservers/internal/runner"
)

// serverState is the runtime companion to a ServerSpec, owned exclusively
// by the Manager's single serialization point. Every field here is read
// and written only from inside a closure running on Manager.loop, except
// logs (its own internal mutex) and the pointers handed to background
// goroutines (handle, prober), which are immutable once published.
type serverState struct {
	spec config.ServerSpec

	status    Status
	healthy   bool
	lastError string

	handle *runner.Handle
	pid    int

	logs *logbuf.Buffer

	crashTimes []time.Time

	// stopRequested marks that the next exit event for this id's current
	// handle was caused by an explicit stop()/reload teardown rather than
	// a spawn failure or crash, so it must not feed the crash governor.
	stopRequested bool

	// restartPending marks that a manual restart() is in flight: once the
	// pending stop's exit event lands, start() fires after the settle delay.
	restartPending bool

	prober *health.Prober
}

func newServerState(spec config.ServerSpec) *serverState {
	return &serverState{
		spec:   spec,
		status: Stopped,
		logs:   logbuf.New(maxLogLines),
	}
}

// ServerInfo is the read-only snapshot exposed to the Control API and any
// other collaborator.
type ServerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Healthy   bool   `json:"healthy"`
	Port      int    `json:"port,omitempty"`
	LastError string `json:"lastError,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Stats     *Stats `json:"stats,omitempty"`
}

// Stats is the optional resource-usage sub-object.
type Stats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

func (s *serverState) info() ServerInfo {
	return ServerInfo{
		ID:        s.spec.ID,
		Name:      s.spec.Name,
		Status:    s.status,
		Healthy:   s.healthy,
		Port:      s.spec.Port,
		LastError: s.lastError,
		PID:       s.pid,
	}
}
