package types

import "time"

// AppKind is the execution shape of an Application.
type AppKind string

const (
	AppKindScript AppKind = "script"
	AppKindBinary AppKind = "binary"
)

// AppStatus is the lifecycle state of an Application (spec.md §4.4).
type AppStatus string

const (
	AppStatusAbsent       AppStatus = "absent"
	AppStatusInstalling   AppStatus = "installing"
	AppStatusInstalled    AppStatus = "installed"
	AppStatusStarting     AppStatus = "starting"
	AppStatusRunning      AppStatus = "running"
	AppStatusPaused       AppStatus = "paused"
	AppStatusStopped      AppStatus = "stopped"
	AppStatusError        AppStatus = "error"
	AppStatusUninstalling AppStatus = "uninstalling"
)

// AllAppStatuses enumerates every AppStatus an Application row can carry
// (AppStatusAbsent, which means no row exists, is not listed), used by
// metrics to zero out gauges for statuses with no current members.
var AllAppStatuses = []AppStatus{
	AppStatusInstalling,
	AppStatusInstalled,
	AppStatusStarting,
	AppStatusRunning,
	AppStatusPaused,
	AppStatusStopped,
	AppStatusError,
	AppStatusUninstalling,
}

// Application is the durable record of a deployed unit, identified by appId.
type Application struct {
	ID          string // appId, caller-supplied, opaque
	Name        string
	Version     string
	Description string
	Kind        AppKind

	Source     []byte // stored source bytes (script kind only)
	EntryPoint string // entry-point filename
	Args       []string
	Env        map[string]string // environment overlay; keys prefixed "secret:" are encrypted at rest
	WorkingDir string

	Dependencies []DependencyRef
	SignalPaths  []string // declared signal interests

	Resources *ResourceLimits

	Status AppStatus

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastStartAt time.Time
	RunTime     time.Duration // accumulated run time across executions

	StoragePath string // handle into applications/{script,binary}/<appId>/
}

// DependencyRef is a declared library requirement on an Application.
type DependencyRef struct {
	Ecosystem string // e.g. "pip", "npm"
	Name      string
	Version   string // optional
}

// ResourceLimits are per-container resource caps (spec.md §5).
type ResourceLimits struct {
	MemoryBytes  int64
	CPUQuotaUs   int64 // microseconds per CPUPeriodUs
	CPUPeriodUs  int64
	TmpfsBytes   int64
	NetworkMode  string
	ReadOnlyRoot bool
}

// DefaultResourceLimits mirrors spec.md §5's default caps.
func DefaultResourceLimits() *ResourceLimits {
	return &ResourceLimits{
		MemoryBytes:  512 * 1024 * 1024,
		CPUQuotaUs:   50000,
		CPUPeriodUs:  100000,
		TmpfsBytes:   100 * 1024 * 1024,
		NetworkMode:  "bridge",
		ReadOnlyRoot: false,
	}
}

// RuntimeState is the observed state of an Execution's container.
type RuntimeState string

const (
	RuntimeStateRunning RuntimeState = "running"
	RuntimeStatePaused  RuntimeState = "paused"
	RuntimeStateStopped RuntimeState = "stopped"
	RuntimeStateError   RuntimeState = "error"
)

// Execution is one run of an Application, identified by executionId.
type Execution struct {
	ID     string // executionId
	AppID  string
	Handle string // container runtime handle

	State RuntimeState

	ExitCode      *int // nil until terminal
	LastHeartbeat time.Time

	Resources *ResourceLimits

	StartedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the Execution has reached a terminal state.
func (e *Execution) Terminal() bool {
	return e.State == RuntimeStateStopped || e.State == RuntimeStateError
}

// LogStream identifies which stream a LogRecord belongs to.
type LogStream string

const (
	LogStreamStatus LogStream = "status"
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
	LogStreamSystem LogStream = "system"
)

// LogSeverity is the severity of a LogRecord.
type LogSeverity string

const (
	SeverityInfo    LogSeverity = "info"
	SeverityWarning LogSeverity = "warning"
	SeverityError   LogSeverity = "error"
)

// LogRecord is one append-only entry in the catalog's log table.
type LogRecord struct {
	AppID       string
	ExecutionID string // optional
	Stream      LogStream
	Severity    LogSeverity
	Timestamp   time.Time
	Payload     []byte
}

// DependencyInstallStatus is the outcome of materializing a Dependency.
type DependencyInstallStatus string

const (
	DependencyDeclared  DependencyInstallStatus = "declared"
	DependencyInstalled DependencyInstallStatus = "installed"
	DependencyFailed    DependencyInstallStatus = "failed"
)

// Dependency is a declared library requirement tracked in the catalog.
type Dependency struct {
	AppID     string
	Ecosystem string
	Name      string
	Version   string
	Status    DependencyInstallStatus
	Error     string
}

// DomainEvent is the single event type emitted by TransitionState (design
// notes §9): a catalog write always precedes exactly one of these.
type DomainEvent struct {
	Type        string // "state_changed", "console_output", "signal_update"
	AppID       string
	ExecutionID string
	State       AppStatus
	Stream      LogStream
	Payload     []byte
	Timestamp   time.Time
}

// LogFilter narrows a ReadLogs query.
type LogFilter struct {
	Stream LogStream // empty = all streams
	Tail   int       // most recent N records; 0 = no limit
	Offset int        // skip this many matching records from the start
}

// AppFilter narrows a ListApplications query.
type AppFilter struct {
	Status AppStatus // empty = all statuses
}
