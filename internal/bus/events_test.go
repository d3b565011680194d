package bus

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"schoolmsg/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestListenerBus_PublishAndReceive(t *testing.T) {
	b := New(testLogger())

	var got Event
	b.SubscribeFunc(domain.ChannelMessage, func(e Event) { got = e })

	b.Publish(domain.ChannelMessage, domain.EventNewMessage, "payload")

	if got.Name != domain.EventNewMessage || got.Payload != "payload" || got.Channel != domain.ChannelMessage {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestListenerBus_SubscriptionOrder(t *testing.T) {
	b := New(testLogger())

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		b.SubscribeFunc(domain.ChannelMessage, func(Event) { order = append(order, i) })
	}
	b.Publish(domain.ChannelMessage, "x", nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", order)
	}
}

func TestListenerBus_ChannelsAreSeparate(t *testing.T) {
	b := New(testLogger())

	var msg, conn int32
	b.SubscribeFunc(domain.ChannelMessage, func(Event) { atomic.AddInt32(&msg, 1) })
	b.SubscribeFunc(domain.ChannelConnection, func(Event) { atomic.AddInt32(&conn, 1) })

	b.Publish(domain.ChannelConnection, domain.EventConnected, nil)

	if msg != 0 || conn != 1 {
		t.Fatalf("message=%d connection=%d", msg, conn)
	}
}

func TestListenerBus_PanickingListenerIsIsolated(t *testing.T) {
	b := New(testLogger())

	var failures []error
	b.SetErrorSink(func(ev Event, sub Subscription, err error) { failures = append(failures, err) })

	var second int32
	b.SubscribeFunc(domain.ChannelMessage, func(Event) { panic("broken surface") })
	b.SubscribeFunc(domain.ChannelMessage, func(Event) { atomic.AddInt32(&second, 1) })

	// Must not panic the caller.
	b.Publish(domain.ChannelMessage, domain.EventNewMessage, nil)

	if atomic.LoadInt32(&second) != 1 {
		t.Fatal("second listener should still run")
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 reported failure, got %d", len(failures))
	}
}

func TestListenerBus_ErroringListenerIsIsolated(t *testing.T) {
	b := New(testLogger())

	var reported int32
	b.SetErrorSink(func(Event, Subscription, error) { atomic.AddInt32(&reported, 1) })

	var ran int32
	b.Subscribe(domain.ChannelMessage, func(Event) error { return errors.New("render failed") })
	b.Subscribe(domain.ChannelMessage, func(Event) error { atomic.AddInt32(&ran, 1); return nil })

	b.Publish(domain.ChannelMessage, domain.EventMessageRead, nil)

	if ran != 1 || reported != 1 {
		t.Fatalf("ran=%d reported=%d", ran, reported)
	}
}

func TestListenerBus_Unsubscribe(t *testing.T) {
	b := New(testLogger())

	var count int32
	sub := b.SubscribeFunc(domain.ChannelMessage, func(Event) { atomic.AddInt32(&count, 1) })

	b.Publish(domain.ChannelMessage, "x", nil)
	if !b.Unsubscribe(sub) {
		t.Fatal("unsubscribe should find the subscription")
	}
	b.Publish(domain.ChannelMessage, "x", nil)

	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}
	if b.Unsubscribe(sub) {
		t.Fatal("second unsubscribe should report false")
	}
	if b.Count(domain.ChannelMessage) != 0 {
		t.Fatal("no listeners should remain")
	}
}

func TestListenerBus_UnsubscribeDuringPublish(t *testing.T) {
	b := New(testLogger())

	var second int32
	var sub2 Subscription
	b.SubscribeFunc(domain.ChannelMessage, func(Event) { b.Unsubscribe(sub2) })
	sub2 = b.SubscribeFunc(domain.ChannelMessage, func(Event) { atomic.AddInt32(&second, 1) })

	b.Publish(domain.ChannelMessage, "x", nil)
	b.Publish(domain.ChannelMessage, "x", nil)

	if second != 1 {
		t.Fatalf("removal should apply from the next publish; second ran %d times", second)
	}
}

func TestQueue_DeliversInOrder(t *testing.T) {
	b := New(testLogger())

	var mu sync.Mutex
	var names []string
	b.SubscribeFunc(domain.ChannelMessage, func(e Event) {
		mu.Lock()
		names = append(names, e.Name)
		mu.Unlock()
	})

	q := NewQueue(b, 2, testLogger())
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		q.Publish(domain.ChannelMessage, n, nil)
	}
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 5 || names[0] != "a" || names[4] != "e" {
		t.Fatalf("unexpected delivery %v", names)
	}
}

func TestQueue_PublishAfterClose(t *testing.T) {
	b := New(testLogger())
	q := NewQueue(b, 1, testLogger())
	q.Close()
	q.Publish(domain.ChannelMessage, "late", nil) // dropped, no panic
	q.Close()
}
