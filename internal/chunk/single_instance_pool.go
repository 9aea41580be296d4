package chunk

import (
	"fmt"
	"sync"
)

// SingleInstancePool adopts one externally supplied buffer as a chunk without
// copying it. The buffer is issued at most once; when the chunk is released the
// dispose callback is invoked instead of recycling.
type SingleInstancePool struct {
	mu       sync.Mutex
	instance []byte
	dispose  func([]byte)
	borrowed bool
	disposed bool
}

// NewSingleInstancePool creates a pool for buf. dispose may be nil.
func NewSingleInstancePool(buf []byte, dispose func([]byte)) *SingleInstancePool {
	return &SingleInstancePool{instance: buf, dispose: dispose}
}

// ChunkSize returns the length of the adopted buffer.
func (p *SingleInstancePool) ChunkSize() int {
	return len(p.instance)
}

// Borrow returns a chunk whose readable payload is the whole adopted buffer.
// It panics if the instance is already out or has been disposed.
func (p *SingleInstancePool) Borrow() *Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		panic(fmt.Errorf("invariant violation: borrow from a disposed single instance pool"))
	}
	if p.borrowed {
		panic(fmt.Errorf("invariant violation: single instance is already borrowed"))
	}
	p.borrowed = true

	// Capping the capacity keeps writes out of memory the caller did not hand over.
	c := New(p.instance[:len(p.instance):len(p.instance)], p)
	c.ResetForRead()
	return c
}

// Recycle disposes the adopted buffer. Only the first recycle has an effect.
func (p *SingleInstancePool) Recycle(c *Chunk) {
	p.mu.Lock()
	if c.pool != p {
		p.mu.Unlock()
		panic(fmt.Errorf("invariant violation: chunk recycled into a foreign pool"))
	}
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.borrowed = false
	p.mu.Unlock()

	c.mem = nil
	if p.dispose != nil {
		p.dispose(p.instance)
	}
}

// Disposed reports whether the adopted buffer has been handed to the dispose callback.
func (p *SingleInstancePool) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}
