package packetio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"unicode/utf8"

	"github.com/holmberd/go-packetio/internal/chunk"
)

// Number of consecutive empty reads from a source before giving up.
const maxConsecutiveEmptyReads = 100

// Input reads sequentially from a chain of chunks. Drained chunks are released
// as the read position leaves them.
//
// When the chain runs out, an Input with a source borrows a chunk and fills it
// from the source. The source is only consulted on slow paths.
// It implements the [io.Reader], [io.ByteReader], [io.RuneReader] and
// [io.WriterTo] interfaces. An Input is not safe for concurrent use.
type Input struct {
	pool   Pool
	source io.Reader

	head atomic.Pointer[chunk.Chunk]

	headMem []byte
	headPos int // Read position in the head; committed to the chunk lazily.
	headEnd int

	tailRemaining int // Readable bytes in the chunks after the head.

	noMoreChunks bool  // Source is exhausted.
	srcErr       error // First non-EOF error of the source.
}

// NewInput creates an input reading from r. Chunks for buffering are borrowed from pool.
func NewInput(pool Pool, r io.Reader) *Input {
	in := &Input{}
	in.init(nil, pool, r)
	return in
}

func (in *Input) init(head *chunk.Chunk, pool Pool, source io.Reader) {
	in.pool = pool
	in.source = source
	in.noMoreChunks = source == nil
	in.setHead(head)
	if head != nil {
		in.tailRemaining = chunk.RemainingAll(head.Next())
	}
}

// Remaining returns the number of buffered bytes not yet read.
func (in *Input) Remaining() int {
	return in.headEnd - in.headPos + in.tailRemaining
}

// EndOfInput reports whether the input is known to be exhausted. It may report
// false even if the next read fails, since finding out would require a
// blocking read from the source.
func (in *Input) EndOfInput() bool {
	if in.Remaining() > 0 {
		return false
	}
	return in.source == nil || in.noMoreChunks
}

// ReadByte implements io.ByteReader. It returns io.EOF at the end of input.
func (in *Input) ReadByte() (byte, error) {
	if in.headPos < in.headEnd {
		b := in.headMem[in.headPos]
		in.headPos++
		return b, nil
	}
	if !in.ensureHead(1) {
		return 0, in.sourceErr(io.EOF)
	}
	b := in.headMem[in.headPos]
	in.headPos++
	return b, nil
}

// Read implements io.Reader. The source is only read when nothing is buffered.
func (in *Input) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n < len(p) {
		if in.headPos == in.headEnd {
			if n > 0 && in.tailRemaining == 0 {
				break
			}
			if !in.ensureHead(1) {
				break
			}
		}
		k := copy(p[n:], in.headMem[in.headPos:in.headEnd])
		in.headPos += k
		n += k
	}
	in.releaseDrained()
	if n == 0 {
		return 0, in.sourceErr(io.EOF)
	}
	return n, nil
}

// ReadFull reads exactly len(p) bytes. It fails with ErrEndOfStream if the
// input runs out first.
func (in *Input) ReadFull(p []byte) error {
	n := 0
	for n < len(p) {
		if in.headPos == in.headEnd && !in.ensureHead(1) {
			return fmt.Errorf("read %d bytes, got %d: %w", len(p), n, in.sourceErr(ErrEndOfStream))
		}
		k := copy(p[n:], in.headMem[in.headPos:in.headEnd])
		in.headPos += k
		n += k
	}
	in.releaseDrained()
	return nil
}

// ReadString reads exactly n bytes as a string.
func (in *Input) ReadString(n int) (string, error) {
	b := make([]byte, n)
	if err := in.ReadFull(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadRune implements io.RuneReader. Encodings split across chunks are gathered
// before decoding; an invalid or truncated encoding yields utf8.RuneError of size 1.
func (in *Input) ReadRune() (r rune, size int, err error) {
	if in.headPos < in.headEnd {
		if b := in.headMem[in.headPos]; b < utf8.RuneSelf {
			in.headPos++
			return rune(b), 1, nil
		}
	}
	for want := 1; ; want++ {
		if !in.ensureHead(want) {
			if want == 1 {
				return 0, 0, in.sourceErr(io.EOF)
			}
			break
		}
		if want == utf8.UTFMax || utf8.FullRune(in.headMem[in.headPos:in.headEnd]) {
			break
		}
	}
	r, size = utf8.DecodeRune(in.headMem[in.headPos:in.headEnd])
	in.headPos += size
	in.releaseDrained()
	return r, size, nil
}

// Discard skips up to n bytes and returns the number of bytes skipped, which
// is less than n only at the end of input.
func (in *Input) Discard(n int) int {
	skipped := 0
	for skipped < n {
		if in.headPos == in.headEnd && !in.ensureHead(1) {
			break
		}
		k := min(n-skipped, in.headEnd-in.headPos)
		in.headPos += k
		skipped += k
	}
	in.releaseDrained()
	return skipped
}

// TryPeek returns the next byte without consuming it, or -1 at the end of input.
func (in *Input) TryPeek() int {
	if in.headPos < in.headEnd {
		return int(in.headMem[in.headPos])
	}
	if !in.ensureHead(1) {
		return -1
	}
	return int(in.headMem[in.headPos])
}

// PeekTo copies bytes starting offset bytes ahead of the read position into
// dst without consuming them. At least minSize and at most maxSize bytes are
// copied, pulling more from the source when fewer than offset+minSize bytes
// are buffered. It fails with ErrEndOfStream when minSize bytes cannot be
// obtained; with minSize 0 an offset past the end copies nothing.
func (in *Input) PeekTo(dst []byte, offset int, minSize int, maxSize int) (int, error) {
	if offset < 0 || minSize < 0 || minSize > maxSize {
		panic(fmt.Errorf("invariant violation: peek of [%d, %d] bytes at offset %d", minSize, maxSize, offset))
	}
	maxSize = min(maxSize, len(dst))
	if minSize > maxSize {
		panic(fmt.Errorf("invariant violation: peek of at least %d bytes into %d byte destination", minSize, len(dst)))
	}
	for in.Remaining() < offset+minSize {
		if !in.fill() {
			break
		}
	}
	if in.Remaining() < offset+minSize {
		if minSize == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf(
			"peek %d bytes at offset %d, %d available: %w",
			minSize, offset, in.Remaining(), in.sourceErr(ErrEndOfStream),
		)
	}

	in.syncHead()
	copied := 0
	skip := offset
	for c := in.head.Load(); c != nil && copied < maxSize; c = c.Next() {
		b := c.Readable()
		if skip >= len(b) {
			skip -= len(b)
			continue
		}
		copied += copy(dst[copied:maxSize], b[skip:])
		skip = 0
	}
	return copied, nil
}

// WriteTo implements io.WriterTo, draining the input into w.
func (in *Input) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		if in.headPos == in.headEnd && !in.ensureHead(1) {
			break
		}
		n, err := w.Write(in.headMem[in.headPos:in.headEnd])
		in.headPos += n
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	in.releaseDrained()
	if in.srcErr != nil {
		return total, in.srcErr
	}
	return total, nil
}

// ReadUint16 reads a big-endian uint16. Bytes split across chunks are gathered first.
func (in *Input) ReadUint16() (uint16, error) {
	if in.headEnd-in.headPos > 2 {
		v := binary.BigEndian.Uint16(in.headMem[in.headPos:])
		in.headPos += 2
		return v, nil
	}
	b, err := in.readSlow(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 reads a big-endian uint32.
func (in *Input) ReadUint32() (uint32, error) {
	if in.headEnd-in.headPos > 4 {
		v := binary.BigEndian.Uint32(in.headMem[in.headPos:])
		in.headPos += 4
		return v, nil
	}
	b, err := in.readSlow(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads a big-endian uint64.
func (in *Input) ReadUint64() (uint64, error) {
	if in.headEnd-in.headPos > 8 {
		v := binary.BigEndian.Uint64(in.headMem[in.headPos:])
		in.headPos += 8
		return v, nil
	}
	b, err := in.readSlow(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadInt16 reads a big-endian int16.
func (in *Input) ReadInt16() (int16, error) {
	v, err := in.ReadUint16()
	return int16(v), err
}

// ReadInt32 reads a big-endian int32.
func (in *Input) ReadInt32() (int32, error) {
	v, err := in.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads a big-endian int64.
func (in *Input) ReadInt64() (int64, error) {
	v, err := in.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a big-endian IEEE 754 float32.
func (in *Input) ReadFloat32() (float32, error) {
	v, err := in.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a big-endian IEEE 754 float64.
func (in *Input) ReadFloat64() (float64, error) {
	v, err := in.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadUint16LE reads a little-endian uint16.
func (in *Input) ReadUint16LE() (uint16, error) {
	b, err := in.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32LE reads a little-endian uint32.
func (in *Input) ReadUint32LE() (uint32, error) {
	b, err := in.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64LE reads a little-endian uint64.
func (in *Input) ReadUint64LE() (uint64, error) {
	b, err := in.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Release discards all unread bytes and returns their chunks to their pools.
func (in *Input) Release() {
	if head := in.stealAll(); head != nil {
		chunk.ReleaseAll(head)
	}
}

// Close releases the input and closes the source if it is an io.Closer.
func (in *Input) Close() error {
	in.Release()
	if c, ok := in.source.(io.Closer); ok {
		in.source = nil
		return c.Close()
	}
	return nil
}

func (in *Input) readN(n int) ([]byte, error) {
	if in.headEnd-in.headPos > n {
		b := in.headMem[in.headPos : in.headPos+n]
		in.headPos += n
		return b, nil
	}
	return in.readSlow(n)
}

// readSlow gathers n bytes into the head chunk and consumes them. The returned
// slice is only valid until the next call.
func (in *Input) readSlow(n int) ([]byte, error) {
	if !in.ensureHead(n) {
		return nil, fmt.Errorf("read %d bytes, %d available: %w", n, in.Remaining(), in.sourceErr(ErrEndOfStream))
	}
	b := in.headMem[in.headPos : in.headPos+n]
	in.headPos += n
	return b, nil
}

// readDirect calls fn with the readable bytes of the head chunk, which are at
// least minSize, and consumes the number of bytes fn reports. It returns false
// if minSize bytes cannot be made available.
func (in *Input) readDirect(minSize int, fn func(p []byte) int) (int, bool) {
	if !in.ensureHead(max(minSize, 1)) {
		return 0, false
	}
	avail := in.headEnd - in.headPos
	n := fn(in.headMem[in.headPos:in.headEnd])
	if n < 0 || n > avail {
		panic(fmt.Errorf("invariant violation: read callback reported %d bytes with %d available", n, avail))
	}
	in.headPos += n
	in.releaseDrained()
	return n, true
}

// ensureHead makes at least n bytes readable in the head chunk, releasing
// drained chunks and gathering bytes from the following chunks or the source.
// It returns false if the input runs out first.
func (in *Input) ensureHead(n int) bool {
	for in.headEnd-in.headPos < n {
		if in.headPos == in.headEnd {
			if !in.advance() && !in.fill() {
				return false
			}
			continue
		}
		return in.gather(n)
	}
	return true
}

// advance releases a drained head and makes the next chunk the head.
// It returns false if there is no next chunk.
func (in *Input) advance() bool {
	head := in.head.Load()
	if head == nil {
		return false
	}
	next := head.CleanNext()
	head.Release()
	if next != nil {
		in.tailRemaining -= next.ReadRemaining()
	}
	in.setHead(next)
	return next != nil
}

// releaseDrained releases the head if it has been read to the end.
func (in *Input) releaseDrained() {
	if in.headPos == in.headEnd && in.head.Load() != nil {
		in.advance()
	}
}

// gather moves bytes of the following chunks into the head until it holds n
// readable bytes. A head that is shared or lacks room is first re-buffered
// into a fresh chunk.
func (in *Input) gather(n int) bool {
	for in.Remaining() < n {
		if !in.fill() {
			return false
		}
	}
	in.syncHead()
	head := in.head.Load()
	if !head.IsExclusive() || head.WriteRemaining()+head.EndGap() < n-head.ReadRemaining() {
		if size := in.pool.ChunkSize(); n > size {
			panic(fmt.Errorf("invariant violation: %d bytes cannot be gathered into a chunk of %d", n, size))
		}
		c := in.pool.Borrow()
		c.AppendFrom(head, head.ReadRemaining())
		c.SetNext(head.CleanNext())
		head.Release()
		head = c
	}
	for head.ReadRemaining() < n {
		next := head.Next()
		in.tailRemaining -= head.AppendFrom(next, n-head.ReadRemaining())
		if next.ReadRemaining() == 0 {
			head.SetNext(next.CleanNext())
			next.Release()
		}
	}
	in.setHead(head)
	return true
}

// fill reads from the source into a new chunk appended to the chain.
func (in *Input) fill() bool {
	if in.noMoreChunks || in.source == nil {
		return false
	}
	c := in.pool.Borrow()
	var (
		n   int
		err error
	)
	for i := 0; n == 0 && err == nil; i++ {
		if i == maxConsecutiveEmptyReads {
			err = io.ErrNoProgress
			break
		}
		n, err = in.source.Read(c.Writable())
	}
	if err != nil {
		in.noMoreChunks = true
		if !errors.Is(err, io.EOF) {
			in.srcErr = err
		}
	}
	if n == 0 {
		c.Release()
		return false
	}
	c.CommitWritten(n)

	head := in.head.Load()
	if head == nil {
		in.setHead(c)
		return true
	}
	chunk.FindTail(head).SetNext(c)
	in.tailRemaining += n
	return true
}

// sourceErr returns the stored source error, or def if the source ended cleanly.
func (in *Input) sourceErr(def error) error {
	if in.srcErr != nil {
		return in.srcErr
	}
	return def
}

func (in *Input) setHead(c *chunk.Chunk) {
	in.head.Store(c)
	if c == nil {
		in.headMem = nil
		in.headPos = 0
		in.headEnd = 0
		return
	}
	in.headMem = c.Memory()
	in.headPos = c.ReadPosition()
	in.headEnd = c.WritePosition()
}

// syncHead commits the cached read position to the head chunk.
func (in *Input) syncHead() {
	if head := in.head.Load(); head != nil && head.ReadPosition() != in.headPos {
		head.DiscardUntil(in.headPos)
	}
}

func (in *Input) headRemaining() int {
	return in.headEnd - in.headPos
}

// stealAll detaches the unread chain. The caller owns the returned chain.
func (in *Input) stealAll() *chunk.Chunk {
	in.syncHead()
	head := in.head.Load()
	in.setHead(nil)
	in.tailRemaining = 0
	return head
}

// stealHead detaches the head chunk. The caller owns the returned chunk.
func (in *Input) stealHead() *chunk.Chunk {
	in.syncHead()
	head := in.head.Load()
	if head == nil {
		return nil
	}
	next := head.CleanNext()
	if next != nil {
		in.tailRemaining -= next.ReadRemaining()
	}
	in.setHead(next)
	return head
}

// appendChain links the chain starting at c after the last chunk.
func (in *Input) appendChain(c *chunk.Chunk) {
	head := in.head.Load()
	if head == nil {
		in.setHead(c)
		in.tailRemaining = chunk.RemainingAll(c.Next())
		return
	}
	chunk.FindTail(head).SetNext(c)
	in.tailRemaining += chunk.RemainingAll(c)
}

// tryAppendSmall copies the bytes of c into the last chunk if it is exclusively
// owned and has room for them. c is left drained.
func (in *Input) tryAppendSmall(c *chunk.Chunk) bool {
	head := in.head.Load()
	size := c.ReadRemaining()
	if head == nil || size == 0 {
		return false
	}
	tail := chunk.FindTail(head)
	if !tail.IsExclusive() || tail.WriteRemaining() < size {
		return false
	}
	tail.AppendFrom(c, size)
	if tail == head {
		in.headEnd = tail.WritePosition()
	} else {
		in.tailRemaining += size
	}
	return true
}
