package packetio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/holmberd/go-packetio/internal/chunk"
)

// Destination receives the bytes flushed by an Output.
type Destination interface {
	// Flush must consume all of p before returning, or fail.
	// p is only valid for the duration of the call.
	Flush(p []byte) error

	// CloseDestination closes the destination. It must be idempotent.
	CloseDestination() error
}

// Output accumulates written bytes in a chain of pooled chunks and hands them
// to a Destination on Flush.
//
// The write cursor of the tail chunk is cached in the Output and only committed
// to the chunk when the chain is handed over or spliced. An Output is not safe
// for concurrent use.
type Output struct {
	pool           Pool
	dest           Destination
	headerSizeHint int
	maxCopySize    int

	head *chunk.Chunk
	tail *chunk.Chunk

	tailMem []byte
	tailPos int // Uncommitted write position in the tail.
	tailEnd int // Write limit of the tail; equals tailPos when the tail is shared.

	chainedSize int // Readable bytes in the chunks before the tail.
}

// NewOutput creates an output that borrows chunks from pool and flushes them to dest.
// HeaderSizeHint and MaxCopySize of config are used.
func NewOutput(pool Pool, dest Destination, config Config) *Output {
	o := &Output{}
	o.init(pool, dest, config.HeaderSizeHint, config.MaxCopySize)
	return o
}

func (o *Output) init(pool Pool, dest Destination, headerSizeHint int, maxCopySize int) {
	o.pool = pool
	o.dest = dest
	o.headerSizeHint = headerSizeHint
	o.maxCopySize = maxCopySize
}

// Size returns the number of buffered bytes.
func (o *Output) Size() int {
	if o.tail == nil {
		return o.chainedSize
	}
	return o.chainedSize + o.tailPos - o.tail.ReadPosition()
}

// WriteByte implements io.ByteWriter. It never fails.
func (o *Output) WriteByte(b byte) error {
	if o.tailPos >= o.tailEnd {
		o.appendNewChunk()
	}
	o.tailMem[o.tailPos] = b
	o.tailPos++
	return nil
}

// Write implements io.Writer. It never fails.
func (o *Output) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		if o.tailPos >= o.tailEnd {
			o.appendNewChunk()
		}
		k := copy(o.tailMem[o.tailPos:o.tailEnd], p)
		o.tailPos += k
		p = p[k:]
	}
	return n, nil
}

// WriteFully writes length bytes of src starting at offset.
func (o *Output) WriteFully(src []byte, offset int, length int) {
	_, _ = o.Write(src[offset : offset+length])
}

// WriteString implements io.StringWriter. The bytes of s are written as-is.
func (o *Output) WriteString(s string) (int, error) {
	n := len(s)
	for len(s) > 0 {
		if o.tailPos >= o.tailEnd {
			o.appendNewChunk()
		}
		k := copy(o.tailMem[o.tailPos:o.tailEnd], s)
		o.tailPos += k
		s = s[k:]
	}
	return n, nil
}

// AppendString writes s[start:end].
func (o *Output) AppendString(s string, start int, end int) {
	_, _ = o.WriteString(s[start:end])
}

// WriteRune writes the UTF-8 encoding of r. Invalid runes are written as utf8.RuneError.
func (o *Output) WriteRune(r rune) (int, error) {
	if uint32(r) < utf8.RuneSelf {
		return 1, o.WriteByte(byte(r))
	}
	if o.tailEnd-o.tailPos >= utf8.UTFMax {
		n := utf8.EncodeRune(o.tailMem[o.tailPos:o.tailEnd], r)
		o.tailPos += n
		return n, nil
	}
	n := utf8.RuneLen(r)
	if n < 0 {
		r, n = utf8.RuneError, utf8.RuneLen(utf8.RuneError)
	}
	o.prepareWriteHead(n)
	utf8.EncodeRune(o.tailMem[o.tailPos:o.tailEnd], r)
	o.tailPos += n
	return n, nil
}

// AppendRunes writes the UTF-8 encoding of every rune of rs.
func (o *Output) AppendRunes(rs []rune) {
	for _, r := range rs {
		_, _ = o.WriteRune(r)
	}
}

// Fill writes n copies of v.
func (o *Output) Fill(n int, v byte) {
	for n > 0 {
		if o.tailPos >= o.tailEnd {
			o.appendNewChunk()
		}
		k := min(n, o.tailEnd-o.tailPos)
		dst := o.tailMem[o.tailPos : o.tailPos+k]
		for i := range dst {
			dst[i] = v
		}
		o.tailPos += k
		n -= k
	}
}

// WriteUint16 writes v in big-endian order. The bytes never straddle two chunks.
func (o *Output) WriteUint16(v uint16) {
	if o.tailEnd-o.tailPos < 2 {
		o.prepareWriteHead(2)
	}
	binary.BigEndian.PutUint16(o.tailMem[o.tailPos:], v)
	o.tailPos += 2
}

// WriteUint32 writes v in big-endian order.
func (o *Output) WriteUint32(v uint32) {
	if o.tailEnd-o.tailPos < 4 {
		o.prepareWriteHead(4)
	}
	binary.BigEndian.PutUint32(o.tailMem[o.tailPos:], v)
	o.tailPos += 4
}

// WriteUint64 writes v in big-endian order.
func (o *Output) WriteUint64(v uint64) {
	if o.tailEnd-o.tailPos < 8 {
		o.prepareWriteHead(8)
	}
	binary.BigEndian.PutUint64(o.tailMem[o.tailPos:], v)
	o.tailPos += 8
}

// WriteInt16 writes v in big-endian two's complement.
func (o *Output) WriteInt16(v int16) { o.WriteUint16(uint16(v)) }

// WriteInt32 writes v in big-endian two's complement.
func (o *Output) WriteInt32(v int32) { o.WriteUint32(uint32(v)) }

// WriteInt64 writes v in big-endian two's complement.
func (o *Output) WriteInt64(v int64) { o.WriteUint64(uint64(v)) }

// WriteFloat32 writes the IEEE 754 bits of v in big-endian order.
func (o *Output) WriteFloat32(v float32) { o.WriteUint32(math.Float32bits(v)) }

// WriteFloat64 writes the IEEE 754 bits of v in big-endian order.
func (o *Output) WriteFloat64(v float64) { o.WriteUint64(math.Float64bits(v)) }

// WriteUint16s writes every element of vs in big-endian order.
func (o *Output) WriteUint16s(vs []uint16) {
	writeElements(o, vs, 2, func(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) })
}

// WriteUint32s writes every element of vs in big-endian order.
func (o *Output) WriteUint32s(vs []uint32) {
	writeElements(o, vs, 4, func(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) })
}

// WriteUint64s writes every element of vs in big-endian order.
func (o *Output) WriteUint64s(vs []uint64) {
	writeElements(o, vs, 8, func(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) })
}

// WriteFloat32s writes the IEEE 754 bits of every element of vs in big-endian order.
func (o *Output) WriteFloat32s(vs []float32) {
	writeElements(o, vs, 4, func(b []byte, v float32) { binary.BigEndian.PutUint32(b, math.Float32bits(v)) })
}

// WriteFloat64s writes the IEEE 754 bits of every element of vs in big-endian order.
func (o *Output) WriteFloat64s(vs []float64) {
	writeElements(o, vs, 8, func(b []byte, v float64) { binary.BigEndian.PutUint64(b, math.Float64bits(v)) })
}

// writeElements encodes vs with put. An element never straddles two chunks.
func writeElements[T any](o *Output, vs []T, size int, put func(b []byte, v T)) {
	for _, v := range vs {
		if o.tailEnd-o.tailPos < size {
			o.prepareWriteHead(size)
		}
		put(o.tailMem[o.tailPos:o.tailPos+size], v)
		o.tailPos += size
	}
}

// WriteDirect calls fn with the writable space of the tail chunk, which is at
// least min bytes, and commits the number of bytes fn reports written.
func (o *Output) WriteDirect(min int, fn func(p []byte) int) int {
	o.prepareWriteHead(max(min, 1))
	avail := o.tailEnd - o.tailPos
	n := fn(o.tailMem[o.tailPos:o.tailEnd])
	if n < 0 || n > avail {
		panic(fmt.Errorf("invariant violation: write callback reported %d bytes with %d available", n, avail))
	}
	o.tailPos += n
	return n
}

// WriteWhile repeatedly grants fn the writable space of the tail chunk, borrowing
// new chunks as needed, until fn reports it is done. It returns the total
// number of bytes written.
func (o *Output) WriteWhile(fn func(p []byte) (n int, more bool)) int {
	total := 0
	for {
		more := false
		total += o.WriteDirect(1, func(p []byte) int {
			var n int
			n, more = fn(p)
			return n
		})
		if !more {
			return total
		}
	}
}

// WritePacket splices the chain of p into the output, consuming p.
//
// When the tail or the head of the packet holds few bytes, they are merged by
// copying into the other chunk's reserved gap: the packet head is appended into
// the end gap of the tail, or the tail is prepended into the start gap of an
// exclusively owned packet head. The smaller copy wins; ties go to append.
// Otherwise the chain is linked as is.
func (o *Output) WritePacket(p *Packet) {
	foreign := p.stealAll()
	if foreign == nil {
		p.Release()
		return
	}
	tail := o.tail
	if tail == nil {
		o.appendChain(foreign)
		return
	}
	o.commitTail()

	lastSize := tail.ReadRemaining()
	nextSize := foreign.ReadRemaining()

	appendSize, prependSize := -1, -1
	if nextSize < o.maxCopySize && nextSize <= tail.WriteRemaining()+tail.EndGap() && tail.IsExclusive() {
		appendSize = nextSize
	}
	if lastSize < o.maxCopySize && lastSize <= foreign.StartGap() && foreign.IsExclusive() {
		prependSize = lastSize
	}

	switch {
	case appendSize < 0 && prependSize < 0:
		o.appendChain(foreign)
	case appendSize >= 0 && (prependSize < 0 || appendSize <= prependSize):
		o.writePacketAppend(tail, foreign)
	default:
		o.writePacketPrepend(tail, foreign)
	}
}

func (o *Output) writePacketAppend(tail, foreign *chunk.Chunk) {
	tail.AppendFrom(foreign, tail.WriteRemaining()+tail.EndGap())
	o.tailPos = tail.WritePosition()
	o.tailEnd = tail.Limit()

	next := foreign.CleanNext()
	foreign.Release()
	if next != nil {
		o.appendChain(next)
	}
}

// writePacketPrepend moves the tail bytes in front of the foreign head and
// replaces the tail with the foreign chain. Relinking walks the chain from the
// head, so its cost is linear in the chain length.
func (o *Output) writePacketPrepend(tail, foreign *chunk.Chunk) {
	foreign.PrependFrom(tail)

	if o.head == tail {
		o.head = foreign
	} else {
		pre := o.head
		for pre.Next() != tail {
			pre = pre.Next()
		}
		pre.SetNext(foreign)
	}
	tail.Release()

	newTail := chunk.FindTail(foreign)
	o.chainedSize += chunk.RemainingAll(foreign) - newTail.ReadRemaining()
	o.setTail(newTail)
}

// WritePacketN moves exactly n bytes of p into the output. Whole chunks are
// stolen from p while they fit in the remaining count; the bytes of a final
// partial chunk are copied. It fails with ErrEndOfStream, without moving any
// bytes, when p holds fewer than n bytes.
func (o *Output) WritePacketN(p *Packet, n int) error {
	if n < 0 {
		panic(fmt.Errorf("invariant violation: negative packet transfer size %d", n))
	}
	if avail := p.Remaining(); avail < n {
		return fmt.Errorf("write packet of %d bytes, %d available: %w", n, avail, ErrEndOfStream)
	}
	remaining := n
	for remaining > 0 {
		if headRemaining := p.headRemaining(); headRemaining <= remaining {
			c := p.stealHead()
			if c == nil {
				// Guarded by the size check above.
				panic(fmt.Errorf("invariant violation: packet ran out with %d bytes left to transfer", remaining))
			}
			remaining -= headRemaining
			o.appendChain(c)
			continue
		}
		p.readDirect(remaining, func(b []byte) int {
			_, _ = o.Write(b[:remaining])
			return remaining
		})
		remaining = 0
	}
	return nil
}

// Flush hands every buffered chunk to the destination and releases the chain.
// It is a no-op without a destination.
func (o *Output) Flush() error {
	if o.dest == nil {
		return nil
	}
	head := o.stealAll()
	if head == nil {
		return nil
	}
	defer chunk.ReleaseAll(head)
	for c := head; c != nil; c = c.Next() {
		if c.ReadRemaining() == 0 {
			continue
		}
		if err := o.dest.Flush(c.Readable()); err != nil {
			return fmt.Errorf("flush output: %w", err)
		}
	}
	return nil
}

// Close flushes the output and closes the destination. A flush failure does
// not prevent closing and both failures are returned, flush first.
func (o *Output) Close() error {
	flushErr := o.Flush()
	o.Release()
	if o.dest == nil {
		return flushErr
	}
	var closeErr error
	if err := o.dest.CloseDestination(); err != nil {
		closeErr = fmt.Errorf("close destination: %w", err)
	}
	return errors.Join(flushErr, closeErr)
}

// Release discards all buffered bytes and returns their chunks to the pool.
func (o *Output) Release() {
	if head := o.stealAll(); head != nil {
		chunk.ReleaseAll(head)
	}
}

// stealAll detaches the chain and resets the output to empty.
// The caller owns the returned chain.
func (o *Output) stealAll() *chunk.Chunk {
	head := o.head
	if head == nil {
		return nil
	}
	o.commitTail()
	o.head = nil
	o.tail = nil
	o.tailMem = nil
	o.tailPos = 0
	o.tailEnd = 0
	o.chainedSize = 0
	return head
}

// afterBytesStolen takes back c, a chunk whose bytes were moved elsewhere,
// as the only chunk of an empty output.
func (o *Output) afterBytesStolen(c *chunk.Chunk) {
	if o.head != nil {
		panic(fmt.Errorf("invariant violation: chunk returned to a non-empty output"))
	}
	c.ResetForWrite()
	if o.headerSizeHint > 0 && o.headerSizeHint < c.WriteRemaining()-chunk.ReservedSize {
		c.ReserveStartGap(o.headerSizeHint)
	}
	c.ReserveEndGap(chunk.ReservedSize)
	o.appendChain(c)
}

// prepareWriteHead makes sure the tail has room for n bytes.
func (o *Output) prepareWriteHead(n int) {
	if o.tailEnd-o.tailPos >= n {
		return
	}
	if limit := o.pool.ChunkSize() - chunk.ReservedSize; n > limit {
		panic(fmt.Errorf("invariant violation: %d bytes requested, a chunk holds at most %d", n, limit))
	}
	c := o.appendNewChunk()
	if c.WriteRemaining() < n {
		panic(fmt.Errorf("invariant violation: %d bytes requested, chunk holds %d", n, c.WriteRemaining()))
	}
}

func (o *Output) appendNewChunk() *chunk.Chunk {
	c := o.pool.Borrow()
	if o.head == nil && o.headerSizeHint > 0 && o.headerSizeHint < c.WriteRemaining() {
		c.ReserveStartGap(o.headerSizeHint)
	}
	o.appendChain(c)
	return c
}

// appendChain links the chain starting at head after the tail.
func (o *Output) appendChain(head *chunk.Chunk) {
	newTail := chunk.FindTail(head)
	size := chunk.RemainingAll(head) - newTail.ReadRemaining()
	if o.tail == nil {
		o.head = head
		o.chainedSize = size
	} else {
		o.commitTail()
		o.chainedSize += o.tail.ReadRemaining() + size
		o.tail.SetNext(head)
	}
	o.setTail(newTail)
}

func (o *Output) setTail(c *chunk.Chunk) {
	o.tail = c
	o.tailMem = c.Memory()
	o.tailPos = c.WritePosition()
	if c.IsExclusive() {
		o.tailEnd = c.Limit()
	} else {
		o.tailEnd = o.tailPos
	}
}

func (o *Output) commitTail() {
	if o.tail != nil && o.tailPos != o.tail.WritePosition() {
		o.tail.CommitWrittenUntil(o.tailPos)
	}
}
