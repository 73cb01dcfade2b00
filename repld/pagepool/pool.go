// Package pagepool implements the bounded page-chain allocator backing
// incoming data buffers. A process-wide pool owns the pages; every
// device draws from it under its own budget so that one busy peer
// cannot starve the rest of the resource.
package pagepool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrPoolExhausted is returned by TryAlloc when the pool has no vacant
// pages and the caller did not want to wait.
var ErrPoolExhausted = errors.New("page pool exhausted")

// Pool is a process-wide page allocator. Pages are fixed size and
// recycled through a free list; the total page count is bounded at
// construction.
type Pool struct {
	pageSize int

	mu     sync.Mutex
	freed  [][]byte
	vacant int
	wake   chan struct{}

	total int
}

// NewPool allocates a pool of total pages of pageSize bytes each.
func NewPool(total, pageSize int) *Pool {
	p := &Pool{
		pageSize: pageSize,
		freed:    make([][]byte, 0, total),
		vacant:   total,
		wake:     make(chan struct{}, 1),
		total:    total,
	}
	return p
}

// PageSize returns the allocation granularity of the pool.
func (p *Pool) PageSize() int { return p.pageSize }

// Total returns the page capacity of the pool.
func (p *Pool) Total() int { return p.total }

// Vacant returns the number of pages not currently handed out.
func (p *Pool) Vacant() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vacant
}

// InUse returns the number of pages currently handed out.
func (p *Pool) InUse() int {
	return p.total - p.Vacant()
}

func (p *Pool) takePages(n int) ([][]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vacant < n {
		return nil, false
	}
	pages := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if l := len(p.freed); l > 0 {
			pages = append(pages, p.freed[l-1])
			p.freed = p.freed[:l-1]
		} else {
			pages = append(pages, make([]byte, p.pageSize))
		}
	}
	p.vacant -= n
	poolPagesInUse.Set(float64(p.total - p.vacant))
	return pages, true
}

func (p *Pool) putPages(pages [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed = append(p.freed, pages...)
	p.vacant += len(pages)
	poolPagesInUse.Set(float64(p.total - p.vacant))
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Chain is a reference-counted run of pages sized for one peer request.
// The last reference returns the pages to the pool and releases the
// owning budget.
type Chain struct {
	pool   *Pool
	budget *Budget
	pages  [][]byte
	length int
	refs   int32
}

// Pages exposes the raw page slices of the chain.
func (c *Chain) Pages() [][]byte { return c.pages }

// Len returns the usable byte length of the chain.
func (c *Chain) Len() int { return c.length }

// Bytes flattens the chain into one contiguous slice of its usable
// length.
func (c *Chain) Bytes() []byte {
	out := make([]byte, 0, c.length)
	remaining := c.length
	for _, pg := range c.pages {
		n := len(pg)
		if n > remaining {
			n = remaining
		}
		out = append(out, pg[:n]...)
		remaining -= n
	}
	return out
}

// Fill copies src across the page boundaries of the chain.
func (c *Chain) Fill(src []byte) {
	off := 0
	for _, pg := range c.pages {
		if off >= len(src) {
			break
		}
		off += copy(pg, src[off:])
	}
	c.length = len(src)
}

// Get takes an additional reference on the chain, keeping its pages
// alive past the lifetime of the request that allocated it.
func (c *Chain) Get() {
	atomic.AddInt32(&c.refs, 1)
}

// Put drops one reference. When the last reference is dropped the pages
// return to the pool and the device budget is credited.
func (c *Chain) Put() bool {
	if atomic.AddInt32(&c.refs, -1) != 0 {
		return false
	}
	c.pool.putPages(c.pages)
	c.budget.release(int64(len(c.pages)))
	c.pages = nil
	return true
}

// Refs reports the current reference count; used by reclaim passes to
// find chains the sender no longer holds.
func (c *Chain) Refs() int32 {
	return atomic.LoadInt32(&c.refs)
}

// Budget bounds the pages one device may hold simultaneously. The
// receiver blocks on the budget; ack paths never allocate.
type Budget struct {
	sem   *semaphore.Weighted
	limit int64
	held  int64
}

// NewBudget creates a budget of limit pages.
func NewBudget(limit int) *Budget {
	return &Budget{sem: semaphore.NewWeighted(int64(limit)), limit: int64(limit)}
}

// Held returns the number of pages currently charged to the budget.
func (b *Budget) Held() int64 {
	return atomic.LoadInt64(&b.held)
}

// Limit returns the page budget.
func (b *Budget) Limit() int64 { return b.limit }

func (b *Budget) release(n int64) {
	atomic.AddInt64(&b.held, -n)
	b.sem.Release(n)
}

// Alloc obtains a chain of enough pages to hold size bytes, charged to
// budget. When the budget is exhausted, reclaim is invoked to return
// finished chains and the call blocks until pages free up or ctx is
// canceled. The chain starts with one reference.
func (p *Pool) Alloc(ctx context.Context, budget *Budget, size int, reclaim func()) (*Chain, error) {
	n := (size + p.pageSize - 1) / p.pageSize
	if n == 0 {
		n = 1
	}
	if int64(n) > budget.limit {
		return nil, errors.Errorf("allocation of %d pages exceeds device budget of %d", n, budget.limit)
	}
	if !budget.sem.TryAcquire(int64(n)) {
		if reclaim != nil {
			reclaim()
		}
		allocWaits.Inc()
		if err := budget.sem.Acquire(ctx, int64(n)); err != nil {
			return nil, err
		}
	}
	atomic.AddInt64(&budget.held, int64(n))

	for {
		pages, ok := p.takePages(n)
		if ok {
			return &Chain{pool: p, budget: budget, pages: pages, length: size, refs: 1}, nil
		}
		// Budget admitted us but the global pool is short; another
		// device is over-extended. Back off until pages return.
		if reclaim != nil {
			reclaim()
		}
		select {
		case <-ctx.Done():
			budget.release(int64(n))
			return nil, ctx.Err()
		case <-p.wake:
		}
	}
}

// TryAlloc is the non-blocking variant of Alloc used by paths that must
// not sleep.
func (p *Pool) TryAlloc(budget *Budget, size int) (*Chain, error) {
	n := (size + p.pageSize - 1) / p.pageSize
	if n == 0 {
		n = 1
	}
	if !budget.sem.TryAcquire(int64(n)) {
		return nil, ErrPoolExhausted
	}
	pages, ok := p.takePages(n)
	if !ok {
		budget.sem.Release(int64(n))
		return nil, ErrPoolExhausted
	}
	atomic.AddInt64(&budget.held, int64(n))
	return &Chain{pool: p, budget: budget, pages: pages, length: size, refs: 1}, nil
}
