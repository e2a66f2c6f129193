package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishOnlyReachesMatchingRun(t *testing.T) {
	h := NewHub()
	a1 := h.Subscribe("run-a")
	a2 := h.Subscribe("run-a")
	b := h.Subscribe("run-b")

	h.Publish(Event{SyncRunID: "run-a", Status: StatusFetching, TransactionsFetched: 10})

	require.Equal(t, 10, (<-a1.C).TransactionsFetched)
	require.Equal(t, 10, (<-a2.C).TransactionsFetched)
	select {
	case ev := <-b.C:
		t.Fatalf("run-b received %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannelAndCleansUp(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("run-a")
	require.Equal(t, 1, h.SubscriberCount("run-a"))

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	_, ok := <-sub.C
	require.False(t, ok)
	require.Equal(t, 0, h.SubscriberCount("run-a"))

	h.Publish(Event{SyncRunID: "run-a", Status: StatusCompleted})
}

func TestPublishNeverBlocksAndKeepsLatest(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("run-a")
	for i := 0; i < subscriberBuffer*3; i++ {
		h.Publish(Event{SyncRunID: "run-a", Status: StatusFetching, CurrentBatch: i})
	}
	h.Publish(Event{SyncRunID: "run-a", Status: StatusCompleted})

	var last Event
	for i := 0; i < subscriberBuffer; i++ {
		last = <-sub.C
	}
	require.Equal(t, StatusCompleted, last.Status)
	require.True(t, last.IsTerminal())
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("run-a")
	h.Close()
	_, ok := <-sub.C
	require.False(t, ok)

	late := h.Subscribe("run-b")
	_, ok = <-late.C
	require.False(t, ok)
	h.Unsubscribe(late)
}
