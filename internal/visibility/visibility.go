// Package visibility tracks whether anyone is looking at a live view.
package visibility

import "sync"

// Signal is the visibility capability consumed by the fetcher.
type Signal interface {
	Visible() bool
}

// Tracker aggregates per-subscriber focus reports. The view counts as
// visible while at least one subscriber reports visible.
type Tracker struct {
	mu       sync.Mutex
	states   map[string]bool
	visible  int
	onRegain []func()
}

// NewTracker creates an empty tracker. With no subscribers the view is
// not visible.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]bool)}
}

// Visible reports whether any subscriber is currently visible.
func (t *Tracker) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible > 0
}

// OnRegain registers fn to run on every false -> true transition.
// Callbacks run outside the tracker lock.
func (t *Tracker) OnRegain(fn func()) {
	t.mu.Lock()
	t.onRegain = append(t.onRegain, fn)
	t.mu.Unlock()
}

// Set records the focus state of one subscriber and runs the regain
// callbacks if the view just became visible. New subscribers are added on
// their first report.
func (t *Tracker) Set(subscriber string, visible bool) {
	if t.Update(subscriber, visible) {
		t.NotifyRegain()
	}
}

// Update records the focus state of one subscriber without running any
// callbacks. It reports whether the view went from hidden to visible, in
// which case the caller owes a NotifyRegain.
func (t *Tracker) Update(subscriber string, visible bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.visible > 0
	prev, known := t.states[subscriber]
	if !known || prev != visible {
		if known && prev {
			t.visible--
		}
		if visible {
			t.visible++
		}
		t.states[subscriber] = visible
	}
	return !was && t.visible > 0
}

// NotifyRegain runs the regain callbacks outside the tracker lock.
func (t *Tracker) NotifyRegain() {
	t.mu.Lock()
	callbacks := t.onRegain
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Remove forgets a subscriber.
func (t *Tracker) Remove(subscriber string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.states[subscriber]; ok {
		if prev {
			t.visible--
		}
		delete(t.states, subscriber)
	}
}

// Subscribers returns how many subscribers are tracked.
func (t *Tracker) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Always is a Signal that is always visible. Headless views use it.
type Always struct{}

// Visible implements Signal.
func (Always) Visible() bool { return true }
