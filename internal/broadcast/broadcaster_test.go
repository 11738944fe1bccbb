package broadcast_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/opsbridge/opsbridge/internal/broadcast"
)

type fakeSubscriber struct {
	id      string
	sendErr error

	mu       sync.Mutex
	received []broadcast.Message
	closed   bool
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(msg broadcast.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) Received() []broadcast.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcast.Message(nil), f.received...)
}

func (f *fakeSubscriber) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newBroadcaster() *broadcast.Broadcaster {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return broadcast.New(broadcast.Config{
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})
}

func TestBroadcaster_DeliversToTenantOnly(t *testing.T) {
	b := newBroadcaster()
	a1 := &fakeSubscriber{id: "a1"}
	a2 := &fakeSubscriber{id: "a2"}
	other := &fakeSubscriber{id: "b1"}
	b.Subscribe("t1", a1)
	b.Subscribe("t1", a2)
	b.Subscribe("t2", other)

	n := b.Broadcast("t1", "monitor.updated", map[string]string{"id": "m1"})

	assert.Equal(t, 2, n)
	assert.Len(t, a1.Received(), 1)
	assert.Len(t, a2.Received(), 1)
	assert.Empty(t, other.Received())

	msg := a1.Received()[0]
	assert.Equal(t, "monitor.updated", msg.Type)
	assert.Equal(t, "t1", msg.TenantID)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), msg.SentAt)
}

func TestBroadcaster_NoSubscribers(t *testing.T) {
	b := newBroadcaster()
	assert.Equal(t, 0, b.Broadcast("t1", "alert.created", nil))
}

func TestBroadcaster_FailedSendDropsSubscriber(t *testing.T) {
	b := newBroadcaster()
	healthy := &fakeSubscriber{id: "ok"}
	broken := &fakeSubscriber{id: "broken", sendErr: errors.New("broken pipe")}
	b.Subscribe("t1", healthy)
	b.Subscribe("t1", broken)

	n := b.Broadcast("t1", "alert.created", nil)

	assert.Equal(t, 1, n)
	assert.Len(t, healthy.Received(), 1)
	assert.True(t, broken.Closed())
	assert.False(t, healthy.Closed())
	assert.Equal(t, 1, b.Count("t1"))

	// The dropped subscriber gets nothing further.
	assert.Equal(t, 1, b.Broadcast("t1", "alert.resolved", nil))
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := newBroadcaster()
	s := &fakeSubscriber{id: "s1"}
	b.Subscribe("t1", s)

	assert.True(t, b.Unsubscribe("t1", "s1"))
	assert.False(t, b.Unsubscribe("t1", "s1"))
	assert.Equal(t, 0, b.Count("t1"))
	assert.Equal(t, 0, b.Broadcast("t1", "alert.created", nil))
}

func TestBroadcaster_Close(t *testing.T) {
	b := newBroadcaster()
	s1 := &fakeSubscriber{id: "s1"}
	s2 := &fakeSubscriber{id: "s2"}
	b.Subscribe("t1", s1)
	b.Subscribe("t2", s2)

	b.Close()

	assert.True(t, s1.Closed())
	assert.True(t, s2.Closed())
	assert.Equal(t, 0, b.Count("t1"))
}

func TestBroadcaster_Concurrent(t *testing.T) {
	b := newBroadcaster()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			b.Subscribe("t1", &fakeSubscriber{id: string(rune('a' + i))})
		}(i)
		go func() {
			defer wg.Done()
			b.Broadcast("t1", "monitor.updated", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, b.Count("t1"))
}
