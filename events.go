package ghostdrop

import (
	"sync"
	"time"

	"github.com/ghostdrop/ghostdrop/internal/transport"
)

// EventKind identifies a variant of Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventNearbyDevicesUpdated
	EventConnected
	EventTransportSelected
	EventHandshakeSAS
	EventVerificationRequired
	EventTransferProgress
	EventTransferCompleted
	EventTransferFailed
	EventLog
)

// TransferProgress is the payload of an EventTransferProgress event.
type TransferProgress struct {
	Bytes        uint64
	Total        uint64
	BytesPerSec  float64
	ETASeconds   *float64
	TransportKind transport.Kind
}

// Event is the tagged union of everything the session emits to UI
// subscribers. Exactly the field matching Kind is meaningful.
type Event struct {
	Kind EventKind
	Time time.Time

	State            SessionState
	NearbyDevices    []NearbyDevice
	Device           NearbyDevice
	TransportKind    transport.Kind
	SASCode          string
	Progress         TransferProgress
	Filename         string
	FailureMessage   string
	LogLine          string
}

// subscriberQueueSize bounds each subscriber's event channel so a slow
// subscriber cannot block the session producer.
const subscriberQueueSize = 64

// eventBus fans a single producer's events out to many bounded, dropping
// subscribers.
type eventBus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

func newEventBus() *eventBus {
	return &eventBus{subscribers: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and an unsubscribe func.
func (b *eventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberQueueSize)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

// Publish fans out ev to every subscriber. A subscriber whose queue is
// full has the event dropped rather than blocking the producer.
func (b *eventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
