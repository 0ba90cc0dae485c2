package mizar

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	targetRoot    string
	CacheDir      string
	SourcesDir    string
	ArtifactDir   string
	CacheStore    string
	LogDir        string
	profileDir    string
	checkpointDir string
	tmpDir        string
	buildJobs     string
	targetTriplet string
	hostName      string
	Debug         bool
	Verbose       bool
	buildPriority string
	ConfigFile    = "/etc/mizar.conf"
	BinaryMirror  string
	version       = "dev" // overridden at build time
	arch          = runtime.GOARCH
	buildDate     = "unknown" // overridden at build time

	// ErrStorageUnavailable is returned when the checkpoint storage root
	// cannot be created. Callers treat it as fatal: without checkpointing
	// there is no safe way to resume a multi-hour build.
	ErrStorageUnavailable = errors.New("checkpoint storage unavailable")

	errRecipeNotFound = errors.New("recipe not found")

	// Global executors (declared, to be assigned in Main)
	UserExec *Executor
	RootExec *Executor
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
