package supervisor

// Status is one of the five lifecycle states a server can be in.
type Status string

const (
	Stopped  Status = "stopped"
	Starting Status = "starting"
	Running  Status = "running"
	Crashed  Status = "crashed"
	Cooldown Status = "cooldown"
)

// Crash governor constants.
const (
	maxLogLines           = 5000
	crashWindowSeconds    = 60
	maxCrashes            = 3
	cooldownSeconds       = 300
	restartBackoffSeconds = 2
	manualRestartSettleMS = 500
)
