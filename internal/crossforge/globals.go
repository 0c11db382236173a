package crossforge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	WorkDir       string
	ScratchRoot   string
	LogDir        string
	LocalCacheDir string
	ManifestDir   string
	Debug         bool
	WantDebug     string
	ConfigFile    = "/etc/crossforge.conf"
	version       = "dev"     // overridden at build time
	buildDate     = "unknown" // overridden at build time

	errInvalidTarget    = errors.New("invalid target")
	errMissingToolchain = errors.New("toolchain not found")

	// Global executor (declared, to be assigned in Main)
	BuildExec *Executor
)

// InCriticalPhase reports whether a non-interruptible publish step is in
// progress; the signal handler blocks the first Ctrl+C while it is.
func InCriticalPhase() bool {
	return isCriticalAtomic.Load() == 1
}

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
