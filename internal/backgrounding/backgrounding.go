// Package backgrounding publishes foreground/background transitions of the
// host process. A transition to the background invalidates every open span.
package backgrounding

import "sync"

// State is the process's execution state.
type State int

const (
	InForeground State = iota
	InBackground
)

func (s State) String() string {
	if s == InBackground {
		return "in-background"
	}
	return "in-foreground"
}

// Callback receives state transitions.
type Callback func(State)

// Listener is the subscription contract consumed by the span factory. If the
// process is already in the background when OnStateChange is called, the
// callback fires immediately with InBackground.
type Listener interface {
	OnStateChange(cb Callback)
}

// Controllable is a Listener driven by explicit calls. Subscribers are
// invoked synchronously, in registration order, on the goroutine that
// reports the transition. Transitions are delivered one at a time, so every
// subscriber observes them in the order they were reported.
type Controllable struct {
	// dispatch serialises callback delivery. Callbacks may call State but
	// must not report a transition themselves.
	dispatch sync.Mutex

	mu        sync.Mutex
	state     State
	callbacks []Callback
}

// NewControllable returns a listener that starts in the foreground.
func NewControllable() *Controllable {
	return &Controllable{}
}

// OnStateChange registers cb.
func (c *Controllable) OnStateChange(cb Callback) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	c.callbacks = append(c.callbacks, cb)
	state := c.state
	c.mu.Unlock()

	if state == InBackground {
		cb(state)
	}
}

// State returns the last reported state.
func (c *Controllable) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendToBackground reports a transition to the background.
func (c *Controllable) SendToBackground() { c.publish(InBackground) }

// SendToForeground reports a transition to the foreground.
func (c *Controllable) SendToForeground() { c.publish(InForeground) }

func (c *Controllable) publish(state State) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	c.state = state
	callbacks := make([]Callback, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
}
