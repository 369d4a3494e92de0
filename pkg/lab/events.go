// Copyright 2025 The Nublado Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lab

import (
	"context"
	"sync"
)

// EventKind classifies one progress event.
type EventKind string

const (
	EventInfo     EventKind = "info"
	EventWarning  EventKind = "warning"
	EventError    EventKind = "error"
	EventFailed   EventKind = "failed"
	EventComplete EventKind = "complete"
)

// Event is one entry in a spawn's progress stream.
type Event struct {
	Kind     EventKind `json:"-"`
	Message  string    `json:"message"`
	Progress int       `json:"progress"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventFailed || e.Kind == EventComplete
}

// EventLog is an append-only, replayable progress log. Any number of
// cursors read it concurrently; each sees the full sequence from the
// start. The log is done once a terminal event is appended.
type EventLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	done   bool
}

// NewEventLog builds an empty log.
func NewEventLog() *EventLog {
	l := &EventLog{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Publish appends an event and wakes all cursors. Appending after a
// terminal event is a no-op; the spawn and its watchers may race on
// shutdown and the first terminal event wins.
func (l *EventLog) Publish(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.events = append(l.events, event)
	if event.Terminal() {
		l.done = true
	}
	l.cond.Broadcast()
}

// Done reports whether a terminal event has been published.
func (l *EventLog) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Events returns a snapshot of the log so far.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Cursor is one subscriber's position in the log. Cursors are
// independent: a slow or abandoned cursor never blocks the producer or
// other cursors.
type Cursor struct {
	log   *EventLog
	index int
}

// Subscribe returns a cursor positioned at the start of the log.
func (l *EventLog) Subscribe() *Cursor {
	return &Cursor{log: l}
}

// Next blocks until an unread event is available and returns it. It
// returns false once the log is done and fully read, or when the context
// is cancelled.
func (c *Cursor) Next(ctx context.Context) (Event, bool) {
	l := c.log

	// Wake the cond wait when the subscriber goes away.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if c.index < len(l.events) {
			event := l.events[c.index]
			c.index++
			return event, true
		}
		if l.done || ctx.Err() != nil {
			return Event{}, false
		}
		l.cond.Wait()
	}
}
