package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTickExecutor(t *testing.T) {
	var wg sync.WaitGroup
	var calls, local atomic.Int32
	ex := newTickExecutor("test-executor", 5*time.Millisecond, func(ctx context.Context, now time.Time) (int, error) {
		if now.Location() != time.UTC {
			local.Add(1)
		}
		if calls.Add(1)%2 == 0 {
			return 0, errors.New("sweep failed")
		}
		return 1, nil
	}, &wg)
	require.Equal(t, "test-executor", ex.Name())
	require.NoError(t, ex.Start())
	require.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, ex.Stop())
	wg.Wait()
	require.Error(t, ex.ctx.Err())
	require.Zero(t, local.Load())
}
