package events

import "sync"

// Collector keeps every event it receives. It backs the status snapshot and
// is handy in tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (c *Collector) Publish(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything collected.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Kinds returns the kinds collected, in order.
func (c *Collector) Kinds() []Kind {
	evs := c.Events()
	out := make([]Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

// Has reports whether an event of kind k was collected.
func (c *Collector) Has(k Kind) bool {
	for _, ev := range c.Events() {
		if ev.Kind == k {
			return true
		}
	}
	return false
}
