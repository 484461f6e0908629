package catalog

import "time"

// EventType names a catalog change
type EventType string

const (
	EventLayerAdded    EventType = "layer.added"
	EventLayerRemoved  EventType = "layer.removed"
	EventLayerUpdated  EventType = "layer.updated"
	EventFilterApplied EventType = "filter.applied"
	EventFilterCleared EventType = "filter.cleared"
)

// Event is published after every catalog mutation
type Event struct {
	Type    EventType `json:"type"`
	LayerID string    `json:"layerId,omitempty"`
	Title   string    `json:"title,omitempty"`
	Count   int       `json:"count,omitempty"`
	At      time.Time `json:"at"`
}

// Subscribe registers a listener. Events are dropped for a subscriber
// whose buffer is full. The returned function unsubscribes and closes
// the channel; it is safe to call more than once.
func (c *Catalog) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Catalog) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
