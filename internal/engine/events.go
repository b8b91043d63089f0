package engine

import (
	"context"
	"sync"
	"time"
)

const (
	// EventCycleFinished fires after every sync cycle, successful or not.
	EventCycleFinished = "cycle-finished"
	// EventConflictPending fires when a cycle leaves conflicts awaiting resolution.
	EventConflictPending = "conflict-pending"
)

// Event is one sync lifecycle notification for the shell application's UI.
type Event struct {
	Type          string    `json:"type"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	PendingCount  int64     `json:"pending_count"`
	ConflictCount int64     `json:"conflict_count"`
	Timestamp     time.Time `json:"timestamp"`
}

type eventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

func (d *eventDispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		if _, ok := d.subscribers[subscriber.id]; ok {
			delete(d.subscribers, subscriber.id)
			close(subscriber.stream)
		}
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the event out; a subscriber with a full buffer misses it
// rather than blocking the sync loop.
func (d *eventDispatcher) Publish(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *eventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
