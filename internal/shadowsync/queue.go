package shadowsync

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
)

// PendingUpdate is a card mutation waiting to be mirrored.
type PendingUpdate struct {
	CardID        string
	Card          cards.Card
	CollectionKey string
	Tag           MutationTag
	QueuedAt      time.Time
}

// UpdateQueue holds at most one pending update per card. A later enqueue
// replaces the payload and keeps the original position.
type UpdateQueue struct {
	mu    sync.Mutex
	order []string
	items map[string]PendingUpdate
}

func NewUpdateQueue() *UpdateQueue {
	return &UpdateQueue{items: make(map[string]PendingUpdate)}
}

// Upsert stores update and reports whether it replaced an earlier entry.
func (q *UpdateQueue) Upsert(update PendingUpdate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, replaced := q.items[update.CardID]
	if !replaced {
		q.order = append(q.order, update.CardID)
	}
	q.items[update.CardID] = update
	return replaced
}

// Drain removes and returns every pending update in first-enqueue order.
func (q *UpdateQueue) Drain() []PendingUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil
	}
	drained := make([]PendingUpdate, 0, len(q.order))
	for _, cardID := range q.order {
		drained = append(drained, q.items[cardID])
	}
	q.order = nil
	q.items = make(map[string]PendingUpdate)
	return drained
}

// Remove drops the pending update of cardID and reports whether one existed.
func (q *UpdateQueue) Remove(cardID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[cardID]; !ok {
		return false
	}
	delete(q.items, cardID)
	for index, queued := range q.order {
		if queued == cardID {
			q.order = append(q.order[:index], q.order[index+1:]...)
			break
		}
	}
	return true
}

func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Clear discards every pending update and returns how many were dropped.
func (q *UpdateQueue) Clear() int {
	return len(q.Drain())
}
