package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsHooksInPriorityOrder(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())

	var order []string
	c.Register("database", PriorityDatabase, func(context.Context) error {
		order = append(order, "database")
		return nil
	})
	c.Register("server", PriorityHTTPServer, func(context.Context) error {
		order = append(order, "server")
		return nil
	})
	c.Register("scheduler", PriorityScheduler, func(context.Context) error {
		order = append(order, "scheduler")
		return nil
	})

	require.NoError(t, c.Shutdown())
	assert.Equal(t, []string{"server", "scheduler", "database"}, order)
}

func TestShutdownCollectsFirstError(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())

	boom := errors.New("boom")
	var ranLast bool
	c.Register("failing", 10, func(context.Context) error { return boom })
	c.Register("last", 20, func(context.Context) error {
		ranLast = true
		return nil
	})

	assert.ErrorIs(t, c.Shutdown(), boom)
	assert.True(t, ranLast, "later hooks should still run after a failure")
}

func TestShutdownIdempotent(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())

	calls := 0
	c.Register("once", 10, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.Equal(t, 1, calls)
}

func TestShutdownTimeout(t *testing.T) {
	c := New(20*time.Millisecond, zerolog.Nop())

	var ranSecond bool
	c.Register("slow", 10, func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	c.Register("after", 20, func(context.Context) error {
		ranSecond = true
		return nil
	})

	assert.ErrorIs(t, c.Shutdown(), context.DeadlineExceeded)
	assert.False(t, ranSecond)
}

type closeRecorder struct {
	closed bool
}

func (r *closeRecorder) Close() error {
	r.closed = true
	return nil
}

func TestRegisterCloser(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	rec := &closeRecorder{}
	c.RegisterCloser("db", PriorityDatabase, rec)

	require.NoError(t, c.Shutdown())
	assert.True(t, rec.closed)
}

func TestTriggerUnblocksWait(t *testing.T) {
	c := New(time.Second, zerolog.Nop())

	got := make(chan struct{})
	go func() {
		c.WaitForSignal()
		close(got)
	}()

	c.Trigger()
	c.Trigger() // safe to call twice

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return after Trigger")
	}
}
