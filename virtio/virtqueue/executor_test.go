package virtqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Executor_RunsQueueRequestsToCompletion(t *testing.T) {
	q, a, _ := newTestQueue(t, 4, modern)
	dev := &fakeDevice{q: q}
	stop := make(chan struct{})
	defer close(stop)
	go dev.serve(stop)

	const tasks = 12
	var finished atomic.Int32
	ex := NewExecutor()
	for range tasks {
		b := testBuffer(t, a, 32)
		var fut *ResponseFuture
		ex.Spawn(func(w Waker) bool {
			if fut == nil {
				r := q.SendRecv(b, 8, NoLegacyLen)
				switch r.Status {
				case Retry:
					q.ProcessUsed()
					w.Wake()
					return false
				case Err:
					t.Error(r.Err)
					return true
				}
				fut = r.Future
			}
			resp, err := fut.Poll(w)
			if errors.Is(err, ErrPending) {
				return false
			}
			require.NoError(t, err)
			require.Equal(t, uint64(24), resp.Valid)
			finished.Add(1)
			return true
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, int32(tasks), finished.Load())
}

func Test_Executor_IdleRepollsParkedTasks(t *testing.T) {
	var polls atomic.Int32
	ex := NewExecutor()
	ex.Idle = time.Millisecond
	ex.Spawn(func(Waker) bool {
		// Never arranges a wake-up; only the idle sweep brings it back.
		return polls.Add(1) == 3
	})
	require.NoError(t, ex.Run(context.Background()))
	require.Equal(t, int32(3), polls.Load())
}

func Test_Executor_StopsOnContext(t *testing.T) {
	ex := NewExecutor()
	ex.Idle = time.Hour
	ex.Spawn(func(Waker) bool { return false })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ex.Run(ctx), context.DeadlineExceeded)
}
