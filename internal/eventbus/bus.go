package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple dispatch from
// observers (metrics, tests, debug logging).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Signal types published by herald components.
const (
	DispatchStarted  = "dispatch.started"
	DispatchFinished = "dispatch.finished"
	DispatchPanicked = "dispatch.panicked"
	DispatchSkipped  = "dispatch.skipped"

	EmailSent   = "email.sent"
	EmailFailed = "email.failed"

	NotificationCreated = "notification.created"
	NotificationFailed  = "notification.failed"

	ActivityLogged = "activity.logged"
	ActivityFailed = "activity.failed"

	LookupFailed = "lookup.failed"

	ConfigReloaded = "config.reloaded"
)

// DispatchInfo is carried by dispatch.* signals.
type DispatchInfo struct {
	Operation  string
	Type       string
	Recipients int
	Duration   time.Duration
}

// DeliveryInfo is carried by email.* and notification.* signals.
type DeliveryInfo struct {
	Type   string
	UserID string
	Err    string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
