package xfr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPPoolAcquireUpToMax(t *testing.T) {
	p := NewTCPPool(2)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))
	assert.Equal(t, 2, p.InUse())

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Acquire(ctx2))
}

func TestTCPPoolFIFORelease(t *testing.T) {
	p := NewTCPPool(1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, p.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		time.Sleep(5 * time.Millisecond) // stable FIFO arrival order
	}

	p.Release() // wakes goroutine 0
	time.Sleep(10 * time.Millisecond)
	p.Release() // wakes goroutine 1
	time.Sleep(10 * time.Millisecond)
	p.Release() // wakes goroutine 2

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestTCPPoolCancelWaiterDoesNotLeakSlot(t *testing.T) {
	p := NewTCPPool(1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))

	ctx2, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Acquire(ctx2))
	assert.Equal(t, 0, p.Waiting())

	p.Release()
	assert.Equal(t, 0, p.InUse())

	require.NoError(t, p.Acquire(context.Background()))
	assert.Equal(t, 1, p.InUse())
}
