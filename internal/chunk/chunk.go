// Package chunk implements fixed-capacity memory chunks with read/write cursors,
// reserved gaps and reference-counted ownership, linkable into singly-linked chains.
package chunk

import (
	"fmt"
	"sync/atomic"
)

// ReservedSize is the number of trailing bytes a borrowed chunk keeps free.
// Only merges may write into this end gap.
const ReservedSize = 8

// Chunk is a fixed-capacity memory region with the layout:
//
//	[0, startGap)         reserved prefix for prepends
//	[readPos, writePos)   readable payload
//	[writePos, limit)     writable space
//	[limit, cap)          end gap, reserved for merges
//
// A chunk belongs to exactly one chain at a time. It may only be mutated while
// it is exclusively owned, see [Chunk.IsExclusive].
type Chunk struct {
	mem      []byte
	readPos  int
	writePos int
	startGap int
	limit    int

	next   *Chunk
	origin *Chunk // Set for views created by Duplicate.
	pool   Pool   // Owning pool; nil for views and unpooled chunks.
	refs   atomic.Int32
}

// New wraps mem in a chunk owned by pool. The whole capacity of mem is used and
// the chunk starts empty, ready for writing.
func New(mem []byte, pool Pool) *Chunk {
	mem = mem[:cap(mem)]
	c := &Chunk{mem: mem, limit: len(mem), pool: pool}
	c.refs.Store(1)
	return c
}

// Capacity returns the size of the backing memory.
func (c *Chunk) Capacity() int { return len(c.mem) }

// ReadPosition returns the index of the next byte to read.
func (c *Chunk) ReadPosition() int { return c.readPos }

// WritePosition returns the index of the next byte to write.
func (c *Chunk) WritePosition() int { return c.writePos }

// Limit returns the index where writing stops and the end gap begins.
func (c *Chunk) Limit() int { return c.limit }

// StartGap returns the number of bytes reserved in front of the payload.
func (c *Chunk) StartGap() int { return c.startGap }

// EndGap returns the number of bytes reserved after the limit.
func (c *Chunk) EndGap() int { return len(c.mem) - c.limit }

// ReadRemaining returns the number of readable bytes.
func (c *Chunk) ReadRemaining() int { return c.writePos - c.readPos }

// WriteRemaining returns the number of bytes that can be written before the end gap.
func (c *Chunk) WriteRemaining() int { return c.limit - c.writePos }

// Memory returns the full backing memory. It is intended for callers that cache
// cursors and index the memory directly.
func (c *Chunk) Memory() []byte { return c.mem }

// Readable returns the readable payload.
func (c *Chunk) Readable() []byte { return c.mem[c.readPos:c.writePos] }

// Writable returns the writable space in front of the end gap.
func (c *Chunk) Writable() []byte { return c.mem[c.writePos:c.limit] }

// Pool returns the pool the chunk is released to.
func (c *Chunk) Pool() Pool { return c.pool }

// Next returns the next chunk of the chain, or nil.
func (c *Chunk) Next() *Chunk { return c.next }

// SetNext links next after c.
func (c *Chunk) SetNext(next *Chunk) {
	if next == c {
		panic(fmt.Errorf("invariant violation: chunk cannot be linked to itself"))
	}
	c.next = next
}

// CleanNext unlinks and returns the next chunk.
func (c *Chunk) CleanNext() *Chunk {
	next := c.next
	c.next = nil
	return next
}

// IsExclusive reports whether no other chain or reader holds a reference to
// the chunk. Views are never exclusive since their memory belongs to the origin.
func (c *Chunk) IsExclusive() bool {
	return c.origin == nil && c.refs.Load() == 1
}

// RefCount returns the current reference count.
func (c *Chunk) RefCount() int32 { return c.refs.Load() }

// Acquire adds a reference to the chunk.
func (c *Chunk) Acquire() {
	for {
		n := c.refs.Load()
		if n <= 0 {
			panic(fmt.Errorf("invariant violation: acquire of released chunk"))
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// Release drops a reference. The chunk returns to its pool only when the last
// reference is dropped; releasing a shared chunk is a decrement only.
func (c *Chunk) Release() {
	n := c.refs.Add(-1)
	if n < 0 {
		panic(fmt.Errorf("invariant violation: chunk released %d times too often", -n))
	}
	if n > 0 {
		return
	}
	c.next = nil
	if origin := c.origin; origin != nil {
		c.origin = nil
		c.mem = nil
		origin.Release()
		return
	}
	if c.pool != nil {
		c.pool.Recycle(c)
	}
}

// Duplicate returns a view sharing the chunk memory and cursors. The origin
// gains a reference and stops being exclusively owned until the view is released.
func (c *Chunk) Duplicate() *Chunk {
	origin := c
	if c.origin != nil {
		origin = c.origin
	}
	origin.Acquire()
	d := &Chunk{
		mem:      c.mem,
		readPos:  c.readPos,
		writePos: c.writePos,
		startGap: c.startGap,
		limit:    c.limit,
		origin:   origin,
	}
	d.refs.Store(1)
	return d
}

// ResetForWrite makes the chunk empty with no gaps reserved.
func (c *Chunk) ResetForWrite() {
	c.readPos = 0
	c.writePos = 0
	c.startGap = 0
	c.limit = len(c.mem)
}

// ResetForRead makes the whole capacity readable.
func (c *Chunk) ResetForRead() {
	c.readPos = 0
	c.startGap = 0
	c.limit = len(c.mem)
	c.writePos = c.limit
}

// ReserveStartGap reserves n leading bytes. The chunk must be empty.
func (c *Chunk) ReserveStartGap(n int) {
	if n < 0 || n > c.limit {
		panic(fmt.Errorf("invariant violation: start gap %d out of range [0, %d]", n, c.limit))
	}
	if c.readPos != c.writePos {
		panic(fmt.Errorf("invariant violation: start gap reserved on a chunk with %d readable bytes", c.ReadRemaining()))
	}
	c.startGap = n
	c.readPos = n
	c.writePos = n
}

// ReserveEndGap reserves n trailing bytes.
func (c *Chunk) ReserveEndGap(n int) {
	newLimit := len(c.mem) - n
	if n < 0 || newLimit < c.writePos {
		panic(fmt.Errorf("invariant violation: end gap %d overlaps written bytes (write position %d)", n, c.writePos))
	}
	c.limit = newLimit
}

// CommitWritten marks n bytes after the write position as written.
func (c *Chunk) CommitWritten(n int) {
	if n < 0 || n > c.WriteRemaining() {
		panic(fmt.Errorf("invariant violation: commit of %d bytes with %d writable", n, c.WriteRemaining()))
	}
	c.writePos += n
}

// CommitWrittenUntil moves the write position to i.
func (c *Chunk) CommitWrittenUntil(i int) {
	if i < c.readPos || i > c.limit {
		panic(fmt.Errorf("invariant violation: write position %d out of range [%d, %d]", i, c.readPos, c.limit))
	}
	c.writePos = i
}

// Discard skips n readable bytes.
func (c *Chunk) Discard(n int) {
	if n < 0 || n > c.ReadRemaining() {
		panic(fmt.Errorf("invariant violation: discard of %d bytes with %d readable", n, c.ReadRemaining()))
	}
	c.readPos += n
}

// DiscardUntil moves the read position to i.
func (c *Chunk) DiscardUntil(i int) {
	if i < c.readPos || i > c.writePos {
		panic(fmt.Errorf("invariant violation: read position %d out of range [%d, %d]", i, c.readPos, c.writePos))
	}
	c.readPos = i
}

// WriteByte appends a single byte. It panics when the chunk is full.
func (c *Chunk) WriteByte(b byte) error {
	c.checkMutable()
	if c.writePos >= c.limit {
		panic(fmt.Errorf("invariant violation: write to a full chunk"))
	}
	c.mem[c.writePos] = b
	c.writePos++
	return nil
}

// Write copies as much of p as fits and returns the number of bytes copied.
func (c *Chunk) Write(p []byte) int {
	c.checkMutable()
	n := copy(c.mem[c.writePos:c.limit], p)
	c.writePos += n
	return n
}

// TakeByte reads a single byte. ok is false when the chunk is drained.
func (c *Chunk) TakeByte() (b byte, ok bool) {
	if c.readPos >= c.writePos {
		return 0, false
	}
	b = c.mem[c.readPos]
	c.readPos++
	return b, true
}

// AppendFrom copies up to max readable bytes of src to the end of the chunk,
// consuming the end gap if the writable space is not enough. It returns the
// number of bytes moved.
func (c *Chunk) AppendFrom(src *Chunk, max int) int {
	c.checkMutable()
	size := min(src.ReadRemaining(), max)
	if size > c.WriteRemaining() {
		if size > c.WriteRemaining()+c.EndGap() {
			panic(fmt.Errorf(
				"invariant violation: append of %d bytes exceeds %d writable plus %d end gap",
				size, c.WriteRemaining(), c.EndGap(),
			))
		}
		c.limit = c.writePos + size
	}
	copy(c.mem[c.writePos:], src.mem[src.readPos:src.readPos+size])
	c.writePos += size
	src.readPos += size
	return size
}

// PrependFrom copies all readable bytes of src in front of the chunk payload,
// consuming the start gap. It returns the number of bytes moved.
func (c *Chunk) PrependFrom(src *Chunk) int {
	c.checkMutable()
	size := src.ReadRemaining()
	if size > c.startGap {
		panic(fmt.Errorf("invariant violation: prepend of %d bytes exceeds start gap %d", size, c.startGap))
	}
	newReadPos := c.readPos - size
	copy(c.mem[newReadPos:c.readPos], src.Readable())
	c.readPos = newReadPos
	c.startGap = min(c.startGap, newReadPos)
	src.readPos += size
	return size
}

func (c *Chunk) checkMutable() {
	if !c.IsExclusive() {
		panic(fmt.Errorf("invariant violation: mutation of a shared chunk (refs %d, view %t)", c.refs.Load(), c.origin != nil))
	}
}

// String describes the cursors of the chunk for debugging.
func (c *Chunk) String() string {
	return fmt.Sprintf(
		"chunk[read=%d write=%d limit=%d cap=%d startGap=%d refs=%d]",
		c.readPos, c.writePos, c.limit, len(c.mem), c.startGap, c.refs.Load(),
	)
}
