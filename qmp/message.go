package qmp

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wait controls how long event retrieval may block.
//
// NoWait only checks what is already readable, Forever blocks until an event
// arrives, and any positive value is a timeout.
type Wait time.Duration

const (
	NoWait  Wait = 0
	Forever Wait = -1
)

// Timeout returns a Wait that blocks for at most d.
func Timeout(d time.Duration) Wait {
	if d <= 0 {
		return Forever
	}
	return Wait(d)
}

func (w Wait) deadline() time.Time {
	if w <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(w))
}

func (w Wait) String() string {
	switch {
	case w == NoWait:
		return "nowait"
	case w < 0:
		return "forever"
	default:
		return time.Duration(w).String()
	}
}

// Event represents a QMP event from QEMU.
type Event struct {
	Name      string
	Data      map[string]any
	Timestamp time.Time

	raw map[string]any
}

// NewEvent builds an event from its parts, as a test double or a replayed
// log would. Dict reports it as QEMU would have sent it.
func NewEvent(name string, data map[string]any) *Event {
	raw := map[string]any{"event": name}
	if data != nil {
		raw["data"] = data
	}
	return &Event{Name: name, Data: data, raw: raw}
}

// Dict returns the event as received on the wire, with "event", "data" and
// "timestamp" keys. Path lookups and pattern matches operate on it.
func (e *Event) Dict() map[string]any {
	return e.raw
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %v", e.Name, e.Data)
}

// eventFromMessage returns nil when msg is not an event.
func eventFromMessage(msg map[string]any) *Event {
	name, ok := msg["event"].(string)
	if !ok {
		return nil
	}

	ev := &Event{Name: name, raw: msg}
	if data, ok := msg["data"].(map[string]any); ok {
		ev.Data = data
	}

	ev.Timestamp = time.Now()
	if ts, ok := msg["timestamp"].(map[string]any); ok {
		ev.Timestamp = time.Unix(number(ts["seconds"]), number(ts["microseconds"])*1000)
	}
	return ev
}

func number(v any) int64 {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	i, _ := n.Int64()
	return i
}

// Response is a decoded command response, holding either a "return" or an
// "error" key.
type Response map[string]any

// Return returns the "return" payload and whether it was present.
func (r Response) Return() (any, bool) {
	v, ok := r["return"]
	return v, ok
}

// Err converts an "error" payload to a *QMPError, or returns nil.
func (r Response) Err() *QMPError {
	e, ok := r["error"].(map[string]any)
	if !ok {
		return nil
	}
	class, _ := e["class"].(string)
	desc, _ := e["desc"].(string)
	return &QMPError{Class: class, Description: desc}
}
