package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(TicketCreated, map[string]any{"ticketId": "t1"})

	select {
	case e := <-ch:
		require.Equal(t, TicketCreated, e.Type)
		require.Equal(t, "t1", e.Data["ticketId"])
		require.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPublishNonBlockingOnFullSubscriber(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish more. Neither call may block.
	b.Publish(ExecutionStarted, nil)
	b.Publish(ExecutionCompleted, nil)
	b.Publish(ExecutionFailed, nil)

	e := <-ch
	require.Equal(t, ExecutionStarted, e.Type)
	select {
	case e := <-ch:
		t.Fatalf("expected dropped events, got %s", e.Type)
	default:
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(AlertRaised, nil) // must not panic
	require.Equal(t, 0, b.SubscriberCount())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // idempotent

	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestBase(t *testing.T) {
	require.Equal(t, "execution", ExecutionStarted.Base())
	require.Equal(t, "circuit", CircuitHalfOpen.Base())
	require.Equal(t, "custom", Type("custom").Base())
}
