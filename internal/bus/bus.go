package bus

import (
	"log/slog"
	"sync"
	"time"

	"schoolmsg/internal/domain"
)

const enqueueTimeout = 10 * time.Second

type queued struct {
	channel domain.Channel
	name    string
	payload any
}

// Queue hands events from a producer goroutine (the websocket reader) to a
// single dispatch goroutine that publishes them on a ListenerBus in FIFO order,
// so slow listeners never stall the reader.
type Queue struct {
	bus    domain.Publisher
	ch     chan queued
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// NewQueue starts the dispatch goroutine. Close must be called to stop it.
func NewQueue(target domain.Publisher, bufferSize int, logger *slog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		bus:    target,
		ch:     make(chan queued, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for item := range q.ch {
		q.bus.Publish(item.channel, item.name, item.payload)
	}
}

// Publish enqueues an event. Blocks up to 10 seconds if the queue is full
// instead of dropping.
func (q *Queue) Publish(channel domain.Channel, name string, payload any) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue", "event", name)
		return
	}

	item := queued{channel: channel, name: name, payload: payload}
	select {
	case q.ch <- item:
	default:
		q.logger.Warn("event queue full, waiting...", "channel", channel, "event", name)
		timer := time.NewTimer(enqueueTimeout)
		defer timer.Stop()
		select {
		case q.ch <- item:
		case <-timer.C:
			q.logger.Error("event dropped: queue full for 10s", "channel", channel, "event", name)
		}
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}
