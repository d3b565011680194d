// Package bus is the in-process fan-out between the connection layer and the
// many consumers that render its output.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"schoolmsg/internal/domain"
)

// Event is one publication on a channel.
type Event struct {
	Channel   domain.Channel
	Name      string // e.g. "new_message", "connected"
	Payload   any
	Timestamp time.Time
}

// Listener handles events. A returned error, like a panic, is reported to the
// bus error sink and never reaches the publisher.
type Listener func(Event) error

// Subscription identifies a registered listener for Unsubscribe.
type Subscription struct {
	Channel domain.Channel
	id      uint64
}

// ErrorSink receives listener failures.
type ErrorSink func(ev Event, sub Subscription, err error)

type entry struct {
	sub      Subscription
	listener Listener
}

// ListenerBus delivers each event to every listener of its channel,
// synchronously and in subscription order. One failing listener does not stop
// the others.
type ListenerBus struct {
	mu        sync.RWMutex
	listeners map[domain.Channel][]entry
	nextID    uint64
	logger    *slog.Logger
	sink      ErrorSink
}

// New creates an empty ListenerBus. Failures are logged until SetErrorSink
// installs another sink.
func New(logger *slog.Logger) *ListenerBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &ListenerBus{
		listeners: make(map[domain.Channel][]entry),
		logger:    logger,
	}
	b.sink = b.logFailure
	return b
}

func (b *ListenerBus) logFailure(ev Event, sub Subscription, err error) {
	b.logger.Error("listener failed",
		"channel", ev.Channel,
		"event", ev.Name,
		"subscription", sub.id,
		"err", err,
	)
}

// SetErrorSink replaces the failure sink. The sink runs on the publishing
// goroutine.
func (b *ListenerBus) SetErrorSink(sink ErrorSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sink == nil {
		sink = b.logFailure
	}
	b.sink = sink
}

// Subscribe registers l on channel.
func (b *ListenerBus) Subscribe(channel domain.Channel, l Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := Subscription{Channel: channel, id: b.nextID}
	b.listeners[channel] = append(b.listeners[channel], entry{sub: sub, listener: l})
	return sub
}

// SubscribeFunc registers a listener that cannot fail.
func (b *ListenerBus) SubscribeFunc(channel domain.Channel, fn func(Event)) Subscription {
	return b.Subscribe(channel, func(ev Event) error {
		fn(ev)
		return nil
	})
}

// Unsubscribe removes a listener. It reports whether the subscription was found.
func (b *ListenerBus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[sub.Channel]
	for i, e := range entries {
		if e.sub.id == sub.id {
			next := make([]entry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			b.listeners[sub.Channel] = append(next, entries[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers an event to the listeners registered on channel when the
// call starts. Listeners added or removed during delivery take effect on the
// next Publish.
func (b *ListenerBus) Publish(channel domain.Channel, name string, payload any) {
	ev := Event{Channel: channel, Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	entries := b.listeners[channel]
	sink := b.sink
	b.mu.RUnlock()

	for _, e := range entries {
		if err := b.invoke(e, ev); err != nil {
			sink(ev, e.sub, err)
		}
	}
}

func (b *ListenerBus) invoke(e entry, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return e.listener(ev)
}

// Count returns the number of listeners on channel.
func (b *ListenerBus) Count(channel domain.Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[channel])
}
