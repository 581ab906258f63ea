package output

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vea-project/runtime/pkg/events"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
)

func TestForwardStdoutPersistsAndPublishes(t *testing.T) {
	store := storage.NewMemStore()
	broker := events.NewBroker(nil)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	p := New(store, broker)
	p.ForwardStdout("app1", "exec1", strings.NewReader("hello\nworld\n"))

	logs, err := store.ReadLogs("app1", types.LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "hello\n", string(logs[0].Payload))

	select {
	case evt := <-sub:
		require.Equal(t, "console_output", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for console_output event")
	}
}

func TestTailReturnsRecentBytes(t *testing.T) {
	store := storage.NewMemStore()
	p := New(store, nil)
	p.ForwardStdout("app1", "exec1", strings.NewReader("line1\nline2\n"))

	tail := p.Tail("app1", types.LogStreamStdout)
	require.Contains(t, string(tail), "line2")
}

func TestEmitDropWarningWritesSystemRecord(t *testing.T) {
	store := storage.NewMemStore()
	p := New(store, nil)
	p.EmitDropWarning("app1")

	logs, err := store.ReadLogs("app1", types.LogFilter{Stream: types.LogStreamSystem})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, types.SeverityWarning, logs[0].Severity)
}
