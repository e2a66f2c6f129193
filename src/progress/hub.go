package progress

import (
	"sync"
)

type Status string

const (
	StatusFetching  Status = "fetching"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is one progress update for a sync run.
type Event struct {
	SyncRunID             string `json:"syncRunId"`
	Status                Status `json:"status"`
	TransactionsFetched   int    `json:"transactionsFetched"`
	TransactionsProcessed int    `json:"transactionsProcessed"`
	DuplicatesSkipped     int    `json:"duplicatesSkipped"`
	CurrentBatch          int    `json:"currentBatch,omitempty"`
	TotalBatches          int    `json:"totalBatches,omitempty"`
	Message               string `json:"message,omitempty"`
}

func (e Event) IsTerminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

const subscriberBuffer = 32

// Subscription receives events for one run. C is closed on Unsubscribe or hub Close.
type Subscription struct {
	RunID string
	C     <-chan Event

	ch chan Event
}

// Hub fans progress events out to subscribers keyed by sync run id. Publishing never
// blocks: when a subscriber falls behind its oldest pending event is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(runID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{RunID: runID, C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[runID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it twice is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.RunID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, sub.RunID)
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.SyncRunID] {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports live subscribers for runID.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

// Close disconnects every subscriber. Later subscriptions receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for runID, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, runID)
	}
}
