package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vea-project/runtime/pkg/types"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&types.DomainEvent{Type: "state_changed", AppID: "app1"})

	select {
	case evt := <-sub:
		require.Equal(t, "app1", evt.AppID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcastDropsOldestOnFull(t *testing.T) {
	var dropped []string
	b := NewBroker(func(appID string) { dropped = append(dropped, appID) })
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < subscriberBufferSize+5; i++ {
		b.Publish(&types.DomainEvent{Type: "console_output", AppID: "app1", Payload: []byte{byte(i)}})
	}

	time.Sleep(50 * time.Millisecond)

	first := <-sub
	require.NotEqual(t, byte(0), first.Payload[0], "oldest entries should have been dropped, not retained")
	require.NotEmpty(t, dropped)
}

func TestSubscriberCount(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	require.Equal(t, 0, b.SubscriberCount())
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())
}
