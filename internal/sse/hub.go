// Package sse fans out server-sent events to live mailbox preview
// subscribers, keyed by mailbox account id.
package sse

import (
	"encoding/json"
	"fmt"
	"sync"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[int64]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[chan []byte]struct{})}
}

func (h *Hub) Subscribe(accountID int64) (chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[accountID]; !ok {
		h.subs[accountID] = make(map[chan []byte]struct{})
	}
	h.subs[accountID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[accountID]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, accountID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports how many live subscribers a mailbox has.
func (h *Hub) Subscribers(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// Broadcast delivers payload to every subscriber of accountID. Slow
// subscribers miss events rather than block the sender.
func (h *Hub) Broadcast(accountID int64, payload []byte) {
	if accountID == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[accountID] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Event frames v as a named SSE event.
func Event(name string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)), nil
}
