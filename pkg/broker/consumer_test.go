package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
	assert "github.com/stretchr/testify/assert"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// stubListener yields queued notifications and then blocks until the
// context is done.
type stubListener struct {
	ch chan *pg.Notification
}

func (s *stubListener) Listen(context.Context, string) error {
	return nil
}

func (s *stubListener) WaitForNotification(ctx context.Context) (*pg.Notification, error) {
	select {
	case n := <-s.ch:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubListener) Close(context.Context) error {
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// TESTS

func Test_Consumer_ForwarderExit(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := &stubListener{ch: make(chan *pg.Notification, 2)}
	stub.ch <- &pg.Notification{Channel: "test.q.enqueue", Payload: "1"}
	stub.ch <- &pg.Notification{Channel: "test.q.enqueue", Payload: "2"}

	// One slot, never drained, so the second forward has to block
	notifyCh := make(chan *pg.Notification, 1)
	errCh := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		listenForNotifications(ctx, stub, notifyCh, errCh)
	}()

	// Let the forwarder block on the full channel, then cancel
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not exit after cancellation")
	}
	assert.Len(errCh, 0)
}

func Test_Consumer_IdleBackoff(t *testing.T) {
	assert := assert.New(t)
	limit := 30 * time.Second

	t.Run("Doubles", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := idleBackoff(time.Second, limit)
			assert.GreaterOrEqual(d, time.Second)
			assert.Less(d, 2*time.Second)
		}
	})

	t.Run("Saturates", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := idleBackoff(time.Hour, limit)
			assert.GreaterOrEqual(d, limit/2)
			assert.Less(d, limit)
		}
	})
}
