package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives published events. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus is a synchronous fan-out of core events.
// The subscriber list is copy-on-write, so Subscribe and the returned
// unsubscribe func are safe against concurrent Publish calls.
type Bus struct {
	mu     sync.Mutex
	subs   atomic.Pointer[[]subscription]
	nextID uint64
	seq    atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	b := &Bus{}
	empty := []subscription{}
	b.subs.Store(&empty)
	return b
}

// Stamp returns a BaseEvent carrying the next bus sequence number.
func (b *Bus) Stamp(ts time.Time) BaseEvent {
	if b == nil {
		return BaseEvent{Ts: ts}
	}
	return BaseEvent{Seq: b.seq.Add(1), Ts: ts}
}

// Subscribe registers fn and returns a func that removes it again.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	cur := *b.subs.Load()
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscription{id: id, fn: fn})
	b.subs.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeType registers fn for a single event type only.
func (b *Bus) SubscribeType(t Type, fn Handler) (unsubscribe func()) {
	return b.Subscribe(func(ev Event) {
		if ev.GetType() == t {
			fn(ev)
		}
	})
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.subs.Load()
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
}

// Publish delivers ev to every subscriber registered at the time of the call.
// A panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	for _, s := range *b.subs.Load() {
		deliver(s.fn, ev)
	}
}

func deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panic recovered",
				slog.Any("panic", r),
				slog.Int("type", int(ev.GetType())))
		}
	}()
	fn(ev)
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	return len(*b.subs.Load())
}
