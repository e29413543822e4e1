/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Page
	EventPageClose          string = "close"
	EventPageConsole        string = "console"
	EventPageFrameAttached  string = "frameattached"
	EventPageFrameDetached  string = "framedetached"
	EventPageFrameNavigated string = "framenavigated"
)

// Event as emitted by an EventDispatcher.
type Event struct {
	typ  string
	data any
}

// Type returns the event name.
func (e Event) Type() string { return e.typ }

// Data returns the event payload.
func (e Event) Data() any { return e.data }

// Listener receives events from an EventDispatcher.
// It is called on the dispatching goroutine and must not block.
type Listener func(Event)

// Subscription is a registered listener. It is removed by Unsubscribe.
type Subscription struct {
	dispatcher *EventDispatcher
	events     []string // nil means all events
	fn         Listener
	removed    atomic.Bool
}

// Unsubscribe removes the listener. It is safe to call from within the
// listener itself and more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.dispatcher.Off(s)
}

func (s *Subscription) wants(event string) bool {
	if s.events == nil {
		return true
	}
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

// EventDispatcher delivers the events of one page to its listeners in
// emission order.
//
// Delivery is synchronous: the goroutine calling Emit runs the listeners. An
// Emit made while a dispatch is in progress, either from a listener or from
// another goroutine, is queued and delivered by the dispatching goroutine
// once the current event has reached every listener.
type EventDispatcher struct {
	mu          sync.Mutex
	listeners   []*Subscription
	queue       []Event
	dispatching bool
}

// NewEventDispatcher creates a new dispatcher without listeners.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{}
}

// On registers fn for the given event.
func (d *EventDispatcher) On(event string, fn Listener) *Subscription {
	return d.OnAny([]string{event}, fn)
}

// OnAny registers fn for each of the given events.
func (d *EventDispatcher) OnAny(events []string, fn Listener) *Subscription {
	s := &Subscription{dispatcher: d, events: append([]string{}, events...), fn: fn}
	d.subscribe(s)
	return s
}

// OnAll registers fn for every event.
func (d *EventDispatcher) OnAll(fn Listener) *Subscription {
	s := &Subscription{dispatcher: d, fn: fn}
	d.subscribe(s)
	return s
}

func (d *EventDispatcher) subscribe(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, s)
}

// Off removes the subscription s. A listener removed during a dispatch
// receives nothing further, including the rest of the in-flight batch.
func (d *EventDispatcher) Off(s *Subscription) {
	if s == nil || s.removed.Swap(true) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.listeners {
		if l == s {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (d *EventDispatcher) ListenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Emit delivers event to the listeners registered for it.
func (d *EventDispatcher) Emit(event string, data any) {
	d.mu.Lock()
	d.queue = append(d.queue, Event{event, data})
	if d.dispatching {
		d.mu.Unlock()
		return
	}
	d.dispatching = true
	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]

		// Listeners added while ev is dispatched only see later events.
		snapshot := make([]*Subscription, 0, len(d.listeners))
		for _, l := range d.listeners {
			if l.wants(ev.typ) {
				snapshot = append(snapshot, l)
			}
		}
		d.mu.Unlock()

		for _, l := range snapshot {
			if l.removed.Load() {
				continue
			}
			l.fn(ev)
		}

		d.mu.Lock()
	}
	d.queue = nil
	d.dispatching = false
	d.mu.Unlock()
}

// WaitForEvent waits for the first of events that satisfies predicateFn and
// returns its data. A nil predicateFn matches any event.
func (d *EventDispatcher) WaitForEvent(
	ctx context.Context, events []string, predicateFn func(data any) bool, timeout time.Duration,
) (any, error) {
	ch, evCancelFn := createWaitForEventHandler(ctx, d, events, predicateFn)
	defer evCancelFn() // Remove event handler

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, &TimeoutError{
			Timeout:   timeout,
			Condition: "waiting for event " + strings.Join(events, ", "),
		}
	case evData := <-ch:
		return evData, nil
	}
}

// createWaitForEventHandler registers a one-shot listener for events. The
// returned channel receives the data of the first event satisfying predicateFn
// and is closed right after. The listener is removed after that first match,
// or when ctx is done or the returned cancel function is called.
func createWaitForEventHandler(
	ctx context.Context,
	d *EventDispatcher, events []string,
	predicateFn func(data any) bool,
) (
	chan any, context.CancelFunc,
) {
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	ch := make(chan any, 1)

	var once sync.Once
	s := &Subscription{dispatcher: d, events: append([]string{}, events...)}
	s.fn = func(ev Event) {
		if predicateFn != nil && !predicateFn(ev.data) {
			return
		}
		once.Do(func() {
			ch <- ev.data
			close(ch)

			// We wait for one matching event only.
			d.Off(s)
			evCancelFn()
		})
	}
	d.subscribe(s)

	go func() {
		<-evCancelCtx.Done()
		d.Off(s)
	}()

	return ch, evCancelFn
}
