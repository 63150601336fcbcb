// Package banner prints the colorized startup/shutdown phase separators
// shown on the controlling terminal, grounded on the pack's
// graceful_restarts/tbflip logPhase helper (a colored "====" separator
// line), adapted from a random per-process color to a fixed palette per
// phase kind.
package banner

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	startColor    = color.New(color.FgGreen, color.Bold)
	shutdownColor = color.New(color.FgYellow, color.Bold)
)

// Startup prints the boot banner once the API listener is bound.
func Startup(apiAddr string) {
	startColor.Fprintf(os.Stdout, "==================== devservers starting (api %s) ====================\n", apiAddr)
}

// Phase prints a generic colored separator for a named lifecycle phase.
func Phase(format string, args ...any) {
	startColor.Fprintf(os.Stdout, "==================== %s ====================\n", fmt.Sprintf(format, args...))
}

// Shutdown prints the teardown banner when a shutdown signal is handled.
func Shutdown(reason string) {
	shutdownColor.Fprintf(os.Stdout, "==================== shutting down (%s) ====================\n", reason)
}
