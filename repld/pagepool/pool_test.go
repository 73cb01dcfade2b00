package pagepool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFree(t *testing.T) {
	pool := NewPool(16, 4096)
	budget := NewBudget(8)

	chain, err := pool.Alloc(context.Background(), budget, 3*4096, nil)
	require.NoError(t, err)
	assert.Len(t, chain.Pages(), 3)
	assert.Equal(t, 3*4096, chain.Len())
	assert.Equal(t, 13, pool.Vacant())
	assert.Equal(t, int64(3), budget.Held())

	require.True(t, chain.Put())
	assert.Equal(t, 16, pool.Vacant())
	assert.Equal(t, int64(0), budget.Held())
}

func TestBudgetNeverExceeded(t *testing.T) {
	pool := NewPool(64, 4096)
	budget := NewBudget(4)

	var chains []*Chain
	for i := 0; i < 4; i++ {
		c, err := pool.TryAlloc(budget, 4096)
		require.NoError(t, err)
		chains = append(chains, c)
	}
	// The budget is full; allocation must fail, not overshoot.
	_, err := pool.TryAlloc(budget, 4096)
	assert.Equal(t, ErrPoolExhausted, err)
	assert.LessOrEqual(t, budget.Held(), budget.Limit())

	for _, c := range chains {
		c.Put()
	}
	assert.Equal(t, int64(0), budget.Held())
	assert.Equal(t, 64, pool.Vacant())
}

func TestAllocBlocksUntilReclaim(t *testing.T) {
	pool := NewPool(8, 4096)
	budget := NewBudget(2)

	held, err := pool.Alloc(context.Background(), budget, 2*4096, nil)
	require.NoError(t, err)

	reclaimed := make(chan struct{}, 4)
	release := func() {
		select {
		case reclaimed <- struct{}{}:
			held.Put()
		default:
		}
	}

	type result struct {
		chain *Chain
		err   error
	}
	done := make(chan result)
	go func() {
		c, err := pool.Alloc(context.Background(), budget, 4096, release)
		done <- result{chain: c, err: err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		res.chain.Put()
	case <-time.After(5 * time.Second):
		t.Fatal("allocation never unblocked after reclaim")
	}
	assert.NotEmpty(t, reclaimed, "reclaim callback must run when the budget is full")
}

func TestAllocRespectsCancellation(t *testing.T) {
	pool := NewPool(8, 4096)
	budget := NewBudget(1)

	held, err := pool.Alloc(context.Background(), budget, 4096, nil)
	require.NoError(t, err)
	defer held.Put()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = pool.Alloc(ctx, budget, 4096, nil)
	assert.Equal(t, context.Canceled, err)
	// The failed allocation must not leak budget.
	assert.Equal(t, int64(1), budget.Held())
}

func TestChainRefCounting(t *testing.T) {
	pool := NewPool(4, 4096)
	budget := NewBudget(4)

	chain, err := pool.TryAlloc(budget, 4096)
	require.NoError(t, err)
	chain.Get() // sender takes a reference

	assert.False(t, chain.Put(), "first put must not free while referenced")
	assert.Equal(t, 3, pool.Vacant())
	assert.True(t, chain.Put(), "last put frees")
	assert.Equal(t, 4, pool.Vacant())
}

func TestChainFillBytes(t *testing.T) {
	pool := NewPool(4, 8)
	budget := NewBudget(4)
	chain, err := pool.TryAlloc(budget, 20)
	require.NoError(t, err)
	defer chain.Put()

	src := make([]byte, 20)
	for i := range src {
		src[i] = byte(i)
	}
	chain.Fill(src)
	assert.Equal(t, src, chain.Bytes())
	assert.Len(t, chain.Pages(), 3)
}
