package service

import (
	"sync"
	"time"

	"retainer_go/internal/domain"
	"retainer_go/internal/event"
)

// DefaultQuietWindow is how long the debouncer waits after the last signal.
const DefaultQuietWindow = 2 * time.Second

// NotificationDebouncer buffers raw undercut signals and flushes them once
// no new signal has arrived for the quiet window. The window restarts on
// every signal and is not capped.
type NotificationDebouncer struct {
	mu      sync.Mutex
	pending []event.UndercutItem
	timer   *time.Timer
	gen     uint64
	closed  bool

	quiet    time.Duration
	grouping func() domain.GroupingMode
	bus      *event.Bus
	emit     func(event.GroupedUndercutNotification)
}

// NewNotificationDebouncer creates a debouncer publishing grouped
// notifications on bus. grouping is read at flush time.
func NewNotificationDebouncer(quiet time.Duration, grouping func() domain.GroupingMode, bus *event.Bus) *NotificationDebouncer {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	d := &NotificationDebouncer{
		quiet:    quiet,
		grouping: grouping,
		bus:      bus,
	}
	d.emit = func(n event.GroupedUndercutNotification) { d.bus.Publish(n) }
	return d
}

// Attach subscribes the debouncer to raw ItemUndercut events on bus.
func (d *NotificationDebouncer) Attach(bus *event.Bus) (unsubscribe func()) {
	return bus.SubscribeType(event.EvItemUndercut, func(ev event.Event) {
		if u, ok := ev.(event.ItemUndercut); ok {
			d.Signal(u.AgentID, u.ItemID)
		}
	})
}

// Signal buffers one undercut and restarts the quiet window.
func (d *NotificationDebouncer) Signal(agentID uint64, itemID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.pending = append(d.pending, event.UndercutItem{AgentID: agentID, ItemID: itemID})

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.flush(gen) })
}

// flush fires from the timer; a stale generation means a newer signal
// restarted the window.
func (d *NotificationDebouncer) flush(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen {
		d.mu.Unlock()
		return
	}
	batch := d.takeLocked()
	d.mu.Unlock()

	d.deliver(batch)
}

func (d *NotificationDebouncer) takeLocked() []event.UndercutItem {
	batch := d.pending
	d.pending = nil
	d.timer = nil
	return batch
}

// Close stops the timer and flushes whatever is buffered, exactly once.
// Signals after Close are ignored.
func (d *NotificationDebouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	batch := d.takeLocked()
	d.mu.Unlock()

	d.deliver(batch)
}

// Pending returns the number of buffered signals.
func (d *NotificationDebouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *NotificationDebouncer) deliver(batch []event.UndercutItem) {
	if len(batch) == 0 {
		return
	}
	mode := domain.GroupIndividually
	if d.grouping != nil {
		mode = d.grouping()
	}
	now := time.Now()
	for _, group := range GroupUndercuts(batch, mode) {
		d.emit(event.GroupedUndercutNotification{
			BaseEvent: d.bus.Stamp(now),
			Items:     group,
			Grouping:  mode,
		})
	}
}

// GroupUndercuts deduplicates batch and splits it by mode. Groups and the
// items within them keep first-seen order.
func GroupUndercuts(batch []event.UndercutItem, mode domain.GroupingMode) [][]event.UndercutItem {
	seen := make(map[event.UndercutItem]bool, len(batch))
	unique := make([]event.UndercutItem, 0, len(batch))
	for _, it := range batch {
		if !seen[it] {
			seen[it] = true
			unique = append(unique, it)
		}
	}

	switch mode {
	case domain.GroupAll:
		return [][]event.UndercutItem{unique}
	case domain.GroupByItem:
		return groupBy(unique, func(it event.UndercutItem) uint64 { return uint64(it.ItemID) })
	case domain.GroupByAgent:
		return groupBy(unique, func(it event.UndercutItem) uint64 { return it.AgentID })
	default:
		out := make([][]event.UndercutItem, len(unique))
		for i, it := range unique {
			out[i] = []event.UndercutItem{it}
		}
		return out
	}
}

func groupBy(items []event.UndercutItem, keyOf func(event.UndercutItem) uint64) [][]event.UndercutItem {
	index := make(map[uint64]int)
	var out [][]event.UndercutItem
	for _, it := range items {
		k := keyOf(it)
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], it)
	}
	return out
}
