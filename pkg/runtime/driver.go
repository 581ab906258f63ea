// Package runtime is the Container Driver (spec.md C2): a thin, replaceable
// adapter over a local container engine. ContainerdDriver backs production
// use; LocalDriver (local.go) is a pty-backed double used by tests that
// don't have a containerd socket available.
package runtime

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
)

// Sentinel driver errors (spec.md §4.2). Engine code translates these into
// the verrors taxonomy at the boundary.
var (
	ErrNotFound         = errors.New("runtime: not found")
	ErrConflict         = errors.New("runtime: name in use")
	ErrImageMissing     = errors.New("runtime: image missing")
	ErrEngineUnavailable = errors.New("runtime: engine unavailable")
)

// NameLabel and AppLabel are attached to every runtime-owned container so
// the Reconciler can discover orphans (spec.md §6 "Container naming").
const (
	NameLabel = "runtime"
	AppLabel  = "appId"

	namePrefix = "VEA-"
	maxNameLen = 50
)

var invalidNameChar = regexp.MustCompile(`[^a-z0-9_-]`)
var repeatedDash = regexp.MustCompile(`-+`)

// SanitizeContainerName derives a container name from an appId per
// spec.md §4.2: lowercase, replace invalid characters with '-', collapse
// runs of '-', trim, cap length, and prefix with "VEA-".
func SanitizeContainerName(appID string) string {
	lower := strings.ToLower(appID)
	replaced := invalidNameChar.ReplaceAllString(lower, "-")
	collapsed := repeatedDash.ReplaceAllString(replaced, "-")
	trimmed := strings.Trim(collapsed, "-")

	budget := maxNameLen - len(namePrefix)
	if len(trimmed) > budget {
		trimmed = trimmed[:budget]
		trimmed = strings.Trim(trimmed, "-")
	}
	if trimmed == "" {
		trimmed = "app"
	}
	return namePrefix + trimmed
}

// Mount is a bind mount into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Tmpfs is an in-memory filesystem mount.
type Tmpfs struct {
	Target    string
	SizeBytes int64
	NoExec    bool
	NoSuid    bool
}

// Spec describes a container to be created (spec.md §4.2).
type Spec struct {
	Name       string // derived via SanitizeContainerName
	Image      string
	WorkingDir string
	Command    []string
	Env        []string
	Mounts     []Mount
	Tmpfs      []Tmpfs

	MemoryBytes int64
	CPUQuotaUs  int64
	CPUPeriodUs int64

	NetworkMode   string
	RestartPolicy string
	Labels        map[string]string
}

// Status is the observed lifecycle state of a container (spec.md §4.2 Inspect).
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusExited  Status = "exited"
	StatusMissing Status = "missing"
)

// Inspection is the result of Inspect.
type Inspection struct {
	Status      Status
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  time.Time
	Name        string
	Labels      map[string]string
	Environment []string
}

// Info is a summary entry returned by ListByLabel.
type Info struct {
	Handle string
	Name   string
	Labels map[string]string
}

// Attachment carries the two output streams of an attached container.
type Attachment struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Driver is the Container Driver interface (spec.md C2). Every method may
// return ErrNotFound, ErrConflict, ErrImageMissing, or ErrEngineUnavailable.
type Driver interface {
	EnsureImage(ctx context.Context, imageRef string) (present bool, err error)
	Create(ctx context.Context, spec Spec) (handle string, err error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string, gracefulTimeout time.Duration) error
	Pause(ctx context.Context, handle string) error
	Resume(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string, force bool) error
	Attach(ctx context.Context, handle string) (*Attachment, error)
	Wait(ctx context.Context, handle string) (exitCode int, err error)
	Inspect(ctx context.Context, handle string) (*Inspection, error)
	ListByLabel(ctx context.Context, key, value string) ([]Info, error)
	Close() error
}
