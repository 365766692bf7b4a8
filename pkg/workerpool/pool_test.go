package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsResultsInTaskOrder(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 8}, func(ctx context.Context, task *Task) *Result {
		n := task.Payload.(int)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return &Result{TaskID: task.ID, Success: true, Data: n * n}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	tasks := make([]*Task, 10)
	for i := range tasks {
		tasks[i] = &Task{ID: fmt.Sprintf("t-%d", i), Payload: i}
	}

	results := pool.Run(context.Background(), tasks)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("t-%d", i), r.TaskID)
		assert.True(t, r.Success)
		assert.Equal(t, i*i, r.Data)
	}
}

func TestRunWaitsForQueuedTasksAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var done int32
	pool, err := New(Config{Workers: 1, QueueSize: 4}, func(_ context.Context, task *Task) *Result {
		cancel()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		return &Result{TaskID: task.ID, Success: true, Data: "posted"}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	results := pool.Run(ctx, []*Task{{ID: "g-1", Context: context.Background()}})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "posted", results[0].Data)
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestRunQueuesNothingOnceCancelled(t *testing.T) {
	var calls int32
	pool, err := New(Config{Workers: 2, QueueSize: 4}, func(_ context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := pool.Run(ctx, []*Task{{ID: "a"}, {ID: "b"}})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.ErrorIs(t, r.Error, context.Canceled)
	}
	require.NoError(t, pool.Stop())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSubmitWaitGetsOwnResult(t *testing.T) {
	pool, err := New(Config{Workers: 8, QueueSize: 64}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true, Data: task.ID}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		go func(i int) {
			id := fmt.Sprintf("task-%d", i)
			r, err := pool.SubmitWait(context.Background(), &Task{ID: id})
			if err == nil && r.Data != id {
				err = fmt.Errorf("got result %v for %s", r.Data, id)
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 32; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestRetriesThenFails(t *testing.T) {
	var calls int32
	boom := errors.New("boom")
	pool, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{TaskID: task.ID, Error: boom}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	r, err := pool.SubmitWait(context.Background(), &Task{ID: "x"})
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Error, boom)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestPanicBecomesFailedResult(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		panic("bad line")
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	r, err := pool.SubmitWait(context.Background(), &Task{ID: "p"})
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error.Error(), "bad line")
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(&Task{ID: "late"}), ErrPoolStopped)
	_, err = pool.SubmitWait(context.Background(), &Task{ID: "late"})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
