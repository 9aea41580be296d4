package chunk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Pool issues and reclaims chunks.
type Pool interface {
	// Borrow returns an exclusively owned chunk. It never blocks.
	Borrow() *Chunk

	// ChunkSize returns the capacity of the chunks the pool issues.
	ChunkSize() int

	// Recycle takes back a chunk whose last reference was released.
	// It is called by [Chunk.Release] and should not be called directly.
	Recycle(c *Chunk)
}

// Allocator defines the contract for a memory arena that manages fixed-size
// memory regions.
type Allocator interface {
	Sizes() []int                      // Returns supported region sizes.
	IsSupported(size int) bool         // Checks if a region size is supported.
	Get(size int) []byte               // Get retrieves a region of the specified size.
	Put(b []byte)                      // Put returns a region to the arena.
	Allocate(size int, numRegions int) // Allocates regions in the arena (pre-warming).
}

// Stats represents pool counters.
type Stats struct {
	Borrowed  uint64 // Total number of borrowed chunks.
	Recycled  uint64 // Total number of recycled chunks.
	Allocated uint64 // Number of chunks backed by fresh arena memory.
	Idle      int    // Chunks currently held idle by the pool.
}

// InUse returns the number of chunks borrowed and not yet recycled.
func (s Stats) InUse() int64 {
	return int64(s.Borrowed) - int64(s.Recycled)
}

// ArenaPool is a thread-safe chunk pool over an Allocator.
//
// Recycled chunks are kept in a FIFO of idle chunks, up to maxIdle. Beyond that
// bound their memory is handed back to the allocator. Exhaustion is not an
// error: a borrow with no idle chunk takes fresh memory from the allocator.
type ArenaPool struct {
	mu        sync.Mutex
	alloc     Allocator
	idle      *queue.Queue // Idle *Chunk values.
	chunkSize int
	maxIdle   int

	borrowed  atomic.Uint64
	recycled  atomic.Uint64
	allocated atomic.Uint64
}

// NewArenaPool creates a pool of chunks of chunkSize bytes backed by alloc.
// It panics if the allocator does not support chunkSize.
func NewArenaPool(alloc Allocator, chunkSize int, maxIdle int) *ArenaPool {
	if !alloc.IsSupported(chunkSize) {
		panic(fmt.Errorf("unsupported chunk size %d, must be one of %v", chunkSize, alloc.Sizes()))
	}
	if chunkSize <= ReservedSize {
		panic(fmt.Errorf("chunk size %d must exceed the reserved size %d", chunkSize, ReservedSize))
	}
	return &ArenaPool{
		alloc:     alloc,
		idle:      queue.New(),
		chunkSize: chunkSize,
		maxIdle:   max(maxIdle, 0),
	}
}

// ChunkSize returns the capacity of the chunks issued by the pool.
func (p *ArenaPool) ChunkSize() int {
	return p.chunkSize
}

// Borrow returns an empty chunk with ReservedSize bytes of end gap reserved.
func (p *ArenaPool) Borrow() *Chunk {
	var c *Chunk
	p.mu.Lock()
	if p.idle.Length() > 0 {
		c = p.idle.Remove().(*Chunk)
	}
	p.mu.Unlock()

	if c == nil {
		c = New(p.alloc.Get(p.chunkSize), p)
		p.allocated.Add(1)
	} else {
		c.refs.Store(1)
	}
	c.ResetForWrite()
	c.ReserveEndGap(ReservedSize)
	p.borrowed.Add(1)
	return c
}

// Recycle keeps c idle for reuse, or returns its memory to the allocator once
// the idle bound is reached.
func (p *ArenaPool) Recycle(c *Chunk) {
	if c.pool != p {
		panic(fmt.Errorf("invariant violation: chunk recycled into a foreign pool"))
	}
	if c.refs.Load() != 0 {
		panic(fmt.Errorf("invariant violation: recycle of a referenced chunk (refs %d)", c.refs.Load()))
	}
	c.next = nil
	p.recycled.Add(1)

	p.mu.Lock()
	if p.idle.Length() < p.maxIdle {
		p.idle.Add(c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Return memory outside of the lock; the allocator may unmap it.
	mem := c.mem
	c.mem = nil
	p.alloc.Put(mem)
}

// Prewarm ensures the allocator holds at least n free regions of the pool's chunk size.
func (p *ArenaPool) Prewarm(n int) {
	p.alloc.Allocate(p.chunkSize, n)
}

// Drain hands the memory of all idle chunks back to the allocator.
func (p *ArenaPool) Drain() {
	p.mu.Lock()
	idle := make([]*Chunk, 0, p.idle.Length())
	for p.idle.Length() > 0 {
		idle = append(idle, p.idle.Remove().(*Chunk))
	}
	p.mu.Unlock()

	for _, c := range idle {
		mem := c.mem
		c.mem = nil
		p.alloc.Put(mem)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *ArenaPool) Stats() Stats {
	p.mu.Lock()
	idle := p.idle.Length()
	p.mu.Unlock()
	return Stats{
		Borrowed:  p.borrowed.Load(),
		Recycled:  p.recycled.Load(),
		Allocated: p.allocated.Load(),
		Idle:      idle,
	}
}
