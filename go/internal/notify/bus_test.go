package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recorder) handle(n Notification) {
	r.mu.Lock()
	r.seen = append(r.seen, n)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func startBus(t *testing.T, cfg LocalBusConfig) *LocalBus {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := NewLocalBus(cfg)
	go bus.Start(ctx)
	return bus
}

func TestLocalBusDeliversToKeySubscribersOnly(t *testing.T) {
	bus := startBus(t, DefaultLocalBusConfig())

	var a, b, other recorder
	_, err := bus.Subscribe("ballot:e1:t1", a.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("ballot:e1:t1", b.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("ballot:e1:t2", other.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "ballot:e1:t1", "tab-1", []byte(`{"locked":true}`)))

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, other.count())

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, "tab-1", a.seen[0].Origin)
	assert.JSONEq(t, `{"locked":true}`, string(a.seen[0].Payload))
}

func TestLocalBusUnsubscribe(t *testing.T) {
	bus := startBus(t, DefaultLocalBusConfig())

	var r recorder
	sub, err := bus.Subscribe("k", r.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("k"))

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, bus.SubscriberCount("k"))

	require.NoError(t, bus.Publish(context.Background(), "k", "x", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.count())
}

func TestLocalBusDropsWhenFull(t *testing.T) {
	// Not started: nothing drains the buffer.
	bus := NewLocalBus(LocalBusConfig{BufferSize: 1})

	require.NoError(t, bus.Publish(context.Background(), "k", "a", nil))
	require.NoError(t, bus.Publish(context.Background(), "k", "b", nil))

	assert.Len(t, bus.broadcastCh, 1)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "judgesync.changes.ballot.e1.t1", subjectFor("judgesync.changes", "ballot:e1:t1"))
	assert.Equal(t, "p.a_b._", subjectFor("p", "a b:>"))
}
