package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBuffer bounds per-subscriber queues. A slow client drops its
// oldest events rather than back-pressuring the executor; durable history
// lives in the store, the hub is best-effort for live UI.
const subscriberBuffer = 64

// NodeUpdate is the status event fanned out to subscribers. NodeID is empty
// for execution-level updates.
type NodeUpdate struct {
	ExecutionID uuid.UUID      `json:"executionId"`
	NodeID      string         `json:"nodeId,omitempty"`
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Emitter publishes node updates; satisfied by Hub and by the redis bridge
type Emitter interface {
	Emit(update NodeUpdate)
}

type subscriber struct {
	ch chan NodeUpdate
}

// Hub is the in-process pub/sub for node-status events, keyed by execution
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[int]*subscriber
	nextID int
}

// NewHub creates an event hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uuid.UUID]map[int]*subscriber),
	}
}

// Subscribe registers for updates on one execution. The returned cancel
// func removes the subscription and closes the channel.
func (h *Hub) Subscribe(executionID uuid.UUID) (<-chan NodeUpdate, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	sub := &subscriber{ch: make(chan NodeUpdate, subscriberBuffer)}

	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[int]*subscriber)
	}
	h.subs[executionID][id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[executionID]; ok {
			if s, ok := subs[id]; ok {
				delete(subs, id)
				close(s.ch)
			}
			if len(subs) == 0 {
				delete(h.subs, executionID)
			}
		}
	}
	return sub.ch, cancel
}

// Emit fans the update out to every subscriber of its execution.
// Full buffers drop their oldest event to make room.
func (h *Hub) Emit(update NodeUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[update.ExecutionID] {
		select {
		case sub.ch <- update:
		default:
			// Drop oldest, then deliver
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- update:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers across executions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.subs {
		count += len(subs)
	}
	return count
}
