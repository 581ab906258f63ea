// Package fleet declares the Fleet Client interface (spec.md C9): outbound
// registration/heartbeat to a remote coordinator. Per spec.md §1 this
// collaborator is interface-only — the coordinator's server side and any
// production transport are out of scope. Grounded on the teacher's
// pkg/client/client.go call shape (context-scoped methods with a bounded
// timeout, a Close method) but carrying plain HTTP registration/heartbeat
// calls instead of the teacher's mTLS gRPc cluster-join protocol, since
// there is no multi-node cluster here to join.
package fleet

import (
	"context"
	"time"
)

// RegistrationInfo identifies this runtime instance to the fleet
// coordinator at registration time.
type RegistrationInfo struct {
	RuntimeID    string
	Version      string
	Capabilities []string
}

// HeartbeatInfo is sent on every heartbeat tick.
type HeartbeatInfo struct {
	RuntimeID        string
	Timestamp        time.Time
	ApplicationCount int
}

// Client is the Fleet Client interface (spec.md C9). The core calls
// Register once at startup and Heartbeat on a timer; both are best-effort
// and must never block the engine on a slow or unreachable coordinator.
type Client interface {
	Register(ctx context.Context, info RegistrationInfo) error
	Heartbeat(ctx context.Context, info HeartbeatInfo) error
	Close() error
}

// DefaultTimeout bounds a single Register or Heartbeat call so a wedged
// coordinator can never stall the runtime's startup or tick loop.
const DefaultTimeout = 10 * time.Second

// noop is wired in when fleet_client_enabled=false (spec.md §6): every call
// succeeds immediately and does nothing, so callers need no special-case
// branch for "no fleet client configured".
type noop struct{}

// NewNoop returns a Client that silently discards every call.
func NewNoop() Client {
	return noop{}
}

func (noop) Register(ctx context.Context, info RegistrationInfo) error { return nil }
func (noop) Heartbeat(ctx context.Context, info HeartbeatInfo) error   { return nil }
func (noop) Close() error                                              { return nil }
