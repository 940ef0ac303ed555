package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ExecutesSubmittedTasks(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 2, QueueSize: 16})
	defer pool.Stop(time.Second)

	var executed int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(Task{
			ID: fmt.Sprintf("task-%d", i),
			Fn: func(context.Context) error {
				atomic.AddInt64(&executed, 1)
				return nil
			},
		}))
	}
	pool.Drain()
	assert.Equal(t, int64(10), atomic.LoadInt64(&executed))

	completed, failed, rejected := pool.Stats()
	assert.Equal(t, uint64(10), completed)
	assert.Equal(t, uint64(0), failed)
	assert.Equal(t, uint64(0), rejected)
}

func TestPool_RecoversFromPanics(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(Task{
		ID: "panics",
		Fn: func(context.Context) error { panic("boom") },
	}))
	pool.Drain()

	_, failed, _ := pool.Stats()
	assert.Equal(t, uint64(1), failed)

	// The worker survives and keeps processing.
	done := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		ID: "after",
		Fn: func(context.Context) error {
			close(done)
			return nil
		},
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestPool_TrySubmitRejectsWhenFull(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	block := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		ID: "blocker",
		Fn: func(context.Context) error {
			<-block
			return nil
		},
	}))

	// Fill the queue, then overflow it.
	for submitted := 0; submitted < 16; submitted++ {
		if !pool.TrySubmit(Task{ID: "filler", Fn: func(context.Context) error { return nil }}) {
			close(block)
			pool.Drain()
			_, _, rejected := pool.Stats()
			assert.True(t, rejected > 0)
			return
		}
	}
	close(block)
	t.Fatal("queue never filled")
}

func TestPool_SubmitAfterStopFails(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))
	assert.Error(t, pool.Submit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
	assert.False(t, pool.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
}
