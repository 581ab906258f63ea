// Package output is the Output Pipeline (spec.md C5): per-stream forwarders
// that persist container stdout/stderr into the catalog and fan them out to
// live dispatcher subscribers, plus a bounded in-memory tail ring per
// stream. Grounded on the teacher's pkg/events.Broker plumbing, generalized
// to per-execution byte streams instead of discrete cluster events.
package output

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/vea-project/runtime/pkg/events"
	"github.com/vea-project/runtime/pkg/log"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
)

// DefaultTailBytes bounds the in-memory ring kept per (appId, stream) for
// fast tail queries without hitting the catalog.
const DefaultTailBytes = 64 * 1024

// ring is a small fixed-capacity byte ring buffer.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

func newRing(capBytes int) *ring {
	return &ring{cap: capBytes}
}

func (r *ring) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

func (r *ring) snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Pipeline forwards a running Execution's stdout/stderr into the catalog and
// to live subscribers.
type Pipeline struct {
	store     storage.Store
	broker    *events.Broker
	tailBytes int

	mu    sync.Mutex
	rings map[string]*ring // key: appId+"/"+stream
}

// New constructs a Pipeline. broker is shared with the dispatcher so its
// subscribers receive console_output events.
func New(store storage.Store, broker *events.Broker) *Pipeline {
	return &Pipeline{
		store:     store,
		broker:    broker,
		tailBytes: DefaultTailBytes,
		rings:     make(map[string]*ring),
	}
}

func (p *Pipeline) ringFor(appID string, stream types.LogStream) *ring {
	key := appID + "/" + string(stream)
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rings[key]
	if !ok {
		r = newRing(p.tailBytes)
		p.rings[key] = r
	}
	return r
}

// Tail returns the most recently buffered bytes for (appId, stream).
func (p *Pipeline) Tail(appID string, stream types.LogStream) []byte {
	return p.ringFor(appID, stream).snapshot()
}

// ForwardStdout forwards r in the calling goroutine and blocks until the
// stream reaches EOF or a read error; callers typically run it via `go`.
// severity is "info" for stdout per spec.md §4.5.
func (p *Pipeline) ForwardStdout(appID, executionID string, r io.Reader) {
	p.forward(appID, executionID, types.LogStreamStdout, types.SeverityInfo, r)
}

// ForwardStderr is ForwardStdout's stderr counterpart (severity "error").
func (p *Pipeline) ForwardStderr(appID, executionID string, r io.Reader) {
	p.forward(appID, executionID, types.LogStreamStderr, types.SeverityError, r)
}

func (p *Pipeline) forward(appID, executionID string, stream types.LogStream, severity types.LogSeverity, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	logger := log.WithAppID(appID)
	ring := p.ringFor(appID, stream)

	for scanner.Scan() {
		chunk := append([]byte(nil), scanner.Bytes()...)
		chunk = append(chunk, '\n')

		ring.write(chunk)

		rec := &types.LogRecord{
			AppID:       appID,
			ExecutionID: executionID,
			Stream:      stream,
			Severity:    severity,
			Payload:     chunk,
			Timestamp:   time.Now(),
		}
		if err := p.store.AppendLog(rec); err != nil {
			logger.Error().Err(err).Msg("failed to persist log record")
		}

		if p.broker != nil {
			p.broker.Publish(&types.DomainEvent{
				Type:        "console_output",
				AppID:       appID,
				ExecutionID: executionID,
				Stream:      stream,
				Payload:     chunk,
			})
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Str("stream", string(stream)).Msg("output stream forwarder ended with error")
	}
}

// EmitDropWarning records the single warning LogRecord spec.md §4.5 requires
// when a subscriber's delivery queue overflows.
func (p *Pipeline) EmitDropWarning(appID string) {
	_ = p.store.AppendLog(&types.LogRecord{
		AppID:     appID,
		Stream:    types.LogStreamSystem,
		Severity:  types.SeverityWarning,
		Payload:   []byte("subscriber delivery queue full; oldest pending chunk dropped"),
		Timestamp: time.Now(),
	})
}
