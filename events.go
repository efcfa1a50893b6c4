package iotests

import (
	"fmt"
	"time"

	"github.com/KarpelesLab/iotests/qmp"
)

// EventSource is the transport side of the event stream, as implemented by
// *qmp.Monitor.
type EventSource interface {
	PullEvent(wait qmp.Wait) (*qmp.Event, error)
	GetEvents(wait qmp.Wait) ([]*qmp.Event, error)
	ClearEvents()
}

// EventCache buffers events that a caller looked at but did not consume,
// so that a wait for one event never loses another. An event is handed to
// exactly one successful consumer; until then it stays in the cache, in the
// order it was received.
//
// EventCache is not safe for concurrent use.
type EventCache struct {
	src    EventSource
	cached []*qmp.Event
}

// NewEventCache returns an empty cache in front of src.
func NewEventCache(src EventSource) *EventCache {
	return &EventCache{src: src}
}

// Enqueue appends ev to the tail of the cache.
func (c *EventCache) Enqueue(ev *qmp.Event) {
	c.cached = append(c.cached, ev)
}

// Len returns the number of cached events.
func (c *EventCache) Len() int {
	return len(c.cached)
}

// PullCached removes and returns the first cached event named name that
// matches match, or nil. It never touches the transport.
func (c *EventCache) PullCached(name string, match map[string]any) *qmp.Event {
	for i, ev := range c.cached {
		if ev.Name == name && EventMatch(ev.Dict(), match) {
			c.cached = append(c.cached[:i:i], c.cached[i+1:]...)
			return ev
		}
	}
	return nil
}

// Next returns the oldest cached event, or pulls one from the transport.
// It returns nil and no error when wait is qmp.NoWait and nothing is pending.
func (c *EventCache) Next(wait qmp.Wait) (*qmp.Event, error) {
	if len(c.cached) > 0 {
		ev := c.cached[0]
		c.cached = c.cached[1:]
		return ev, nil
	}
	return c.src.PullEvent(wait)
}

// DrainNew returns every event queued on the transport followed by every
// cached event, and empties both. The transport is not waited on while the
// cache holds events.
func (c *EventCache) DrainNew(wait qmp.Wait) ([]*qmp.Event, error) {
	if len(c.cached) > 0 {
		wait = qmp.NoWait
	}
	events, err := c.src.GetEvents(wait)
	if err != nil {
		return nil, err
	}
	events = append(events, c.cached...)
	c.cached = nil
	c.src.ClearEvents()
	return events, nil
}

// WaitFor returns the first event named name that matches match. Cached
// events are searched first; then events are pulled from the transport,
// each pull blocking for at most timeout (zero or less blocks forever).
// Every pulled event that does not match is cached. A transport error,
// including a timeout, is returned as is.
func (c *EventCache) WaitFor(name string, match map[string]any, timeout time.Duration) (*qmp.Event, error) {
	if ev := c.PullCached(name, match); ev != nil {
		return ev, nil
	}

	for {
		ev, err := c.src.PullEvent(qmp.Timeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", name, err)
		}
		if ev == nil {
			continue
		}
		if ev.Name == name && EventMatch(ev.Dict(), match) {
			return ev, nil
		}
		c.Enqueue(ev)
	}
}
