package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClient struct {
	id      string
	ticks   atomic.Int32
	delay   time.Duration
	failAt  int32
}

func (c *countingClient) ClientID() string { return c.id }

func (c *countingClient) Tick() (time.Duration, error) {
	n := c.ticks.Add(1)
	if c.failAt > 0 && n >= c.failAt {
		return 0, assert.AnError
	}
	return c.delay, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_TicksClientRepeatedly(t *testing.T) {
	var terminated sync.Map
	pool := NewPool(2, testLogger(), func(c Client, err error) {
		terminated.Store(c.ClientID(), err)
	})

	c := &countingClient{id: "a", delay: 5 * time.Millisecond}
	pool.Add(c)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		cancel()
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		return c.ticks.Load() >= 3
	}, time.Second, time.Millisecond)
}

func TestPool_TerminatesOnTickError(t *testing.T) {
	var terminated sync.Map
	pool := NewPool(1, testLogger(), func(c Client, err error) {
		terminated.Store(c.ClientID(), err)
	})

	c := &countingClient{id: "b", delay: time.Millisecond, failAt: 2}
	pool.Add(c)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		cancel()
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		_, ok := terminated.Load("b")
		return ok
	}, time.Second, time.Millisecond)
}

func TestPool_MigrateMovesOwnership(t *testing.T) {
	pool := NewPool(3, testLogger(), func(Client, error) {})
	c := &countingClient{id: "c", delay: time.Hour}
	pool.Add(c)

	v, ok := pool.owner.Load("c")
	require.True(t, ok)
	original := v.(*worker)

	moved := pool.Migrate("c")
	assert.True(t, moved)

	v2, ok := pool.owner.Load("c")
	require.True(t, ok)
	assert.NotSame(t, original, v2.(*worker))
}

func TestPool_RemoveDetachesClient(t *testing.T) {
	pool := NewPool(1, testLogger(), func(Client, error) {})
	c := &countingClient{id: "d", delay: time.Hour}
	pool.Add(c)

	pool.Remove("d")
	_, ok := pool.owner.Load("d")
	assert.False(t, ok)
}
