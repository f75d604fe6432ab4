package watch

import (
	"sync"
	"time"
)

// mergeType combines two raw events seen for the same path within one
// debounce window. Create always wins over Modify (a path that was
// created then modified before settling is still new), Delete wins
// over everything (the final disposition is "gone").
func mergeType(prev, next EventType) EventType {
	if prev == Delete || next == Delete {
		return Delete
	}
	if prev == Create || next == Create {
		return Create
	}
	return Modify
}

// Debouncer holds a per-path timer that resets on every new event for
// that path; when the timer finally fires with no further activity, the
// path is considered settled and handed to settle (spec §4.J).
type Debouncer struct {
	delay  time.Duration
	settle func(path string, t EventType)

	mu     sync.Mutex
	latest map[string]EventType
	timers map[string]*time.Timer
}

// NewDebouncer creates a Debouncer with the given per-path quiet window.
func NewDebouncer(delay time.Duration, settle func(path string, t EventType)) *Debouncer {
	return &Debouncer{
		delay:  delay,
		settle: settle,
		latest: make(map[string]EventType),
		timers: make(map[string]*time.Timer),
	}
}

// Record registers a raw normalized event for path, resetting its
// settle timer.
func (d *Debouncer) Record(path string, t EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.latest[path]; ok {
		d.latest[path] = mergeType(existing, t)
	} else {
		d.latest[path] = t
	}

	if timer, ok := d.timers[path]; ok {
		timer.Reset(d.delay)
		return
	}
	d.timers[path] = time.AfterFunc(d.delay, func() { d.fire(path) })
}

func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	t, ok := d.latest[path]
	delete(d.latest, path)
	delete(d.timers, path)
	d.mu.Unlock()
	if ok {
		d.settle(path, t)
	}
}

// Pending reports how many paths are currently within their debounce
// window, for diagnostics.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.latest)
}

// Flush settles every path still inside its debounce window immediately,
// synchronously, without waiting for its timer to expire (spec §4.L:
// Flush "synchronously drains pending dirty paths").
func (d *Debouncer) Flush() {
	d.mu.Lock()
	pending := d.latest
	timers := d.timers
	d.latest = make(map[string]EventType)
	d.timers = make(map[string]*time.Timer)
	d.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	for path, t := range pending {
		d.settle(path, t)
	}
}

// Stop cancels all outstanding timers without firing them, used on
// shutdown.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, timer := range d.timers {
		timer.Stop()
	}
	d.latest = make(map[string]EventType)
	d.timers = make(map[string]*time.Timer)
}
