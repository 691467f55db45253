package feed

import (
	"context"
	"sync"
	"time"
)

const (
	EventCardUpserted        = "card-upsert"
	EventCardDeleted         = "card-delete"
	EventCardSold            = "card-sold"
	EventCollectionDeleted   = "collection-delete"
	EventCollectionRecounted = "collection-recount"
	EventHeartbeat           = "heartbeat"

	defaultBufferSize = 16
)

// Message describes a change to an owner's card set.
type Message struct {
	OwnerID   string
	EventType string
	CardIDs   []string
	Timestamp time.Time
}

// Dispatcher fans change messages out to per-owner subscribers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
	once   sync.Once
}

func NewDispatcher() *Dispatcher {
	return NewDispatcherWithBuffer(defaultBufferSize)
}

// NewDispatcherWithBuffer sizes each subscriber stream. Publishing never blocks;
// messages for a full stream are dropped.
func NewDispatcherWithBuffer(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for ownerID. The stream is closed once the
// returned cleanup runs or ctx is done, whichever comes first.
func (d *Dispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan Message, func()) {
	if ownerID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(ownerID, sub)
	cleanup := func() {
		d.unregister(ownerID, sub)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(message Message) {
	if message.OwnerID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[message.OwnerID] {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscriptions for ownerID.
func (d *Dispatcher) SubscriberCount(ownerID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[ownerID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(ownerID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*subscriber)
	}
	d.subscribers[ownerID][sub.id] = sub
}

func (d *Dispatcher) unregister(ownerID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerID)
		}
	}
	sub.once.Do(func() {
		close(sub.stream)
	})
}
