package packetio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/holmberd/go-packetio/internal/chunk"
)

// Channel is a bounded byte channel between one writer and one reader.
//
// Written bytes accumulate in a builder and are handed over to the reader on
// flush. Writers wait while the buffered bytes reach the capacity; readers
// wait until enough bytes are flushed. Waiting never holds the lock and every
// wait takes a context, so a cancelled wait leaves the channel untouched.
//
// A channel is open until it is closed, either normally, after which buffered
// bytes can still be read, or with a cause, after which every operation
// returns the cause.
type Channel struct {
	mu        sync.Mutex
	logger    *slog.Logger
	pool      Pool
	capacity  int
	autoFlush bool

	readable *Packet
	writable *Builder

	closed bool
	cause  error

	// Closed and replaced on every signal.
	readReady  chan struct{}
	writeReady chan struct{}

	totalRead    int64
	totalWritten int64

	stopAttached func() bool // Detaches the attached context, if any.
}

// NewChannel creates an empty open channel borrowing chunks from pool.
func NewChannel(pool Pool, config ChannelConfig) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		logger:     logger,
		pool:       pool,
		capacity:   config.Capacity,
		autoFlush:  config.AutoFlush,
		readable:   newPacket(nil, pool),
		writable:   NewBuilder(pool, 0),
		readReady:  make(chan struct{}),
		writeReady: make(chan struct{}),
	}, nil
}

// NewChannelFromPacket creates an open channel whose readable bytes are the
// content of p. The capacity is raised to the packet size if needed.
func NewChannelFromPacket(pool Pool, p *Packet, config ChannelConfig) (*Channel, error) {
	config.Capacity = max(config.Capacity, p.Remaining())
	ch, err := NewChannel(pool, config)
	if err != nil {
		return nil, err
	}
	if head := p.stealAll(); head != nil {
		ch.readable.appendChain(head)
	}
	return ch, nil
}

// AvailableForRead returns the number of bytes that can be read without waiting.
func (ch *Channel) AvailableForRead() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.readable.Remaining()
}

// AvailableForWrite returns the number of bytes that can be written without waiting.
func (ch *Channel) AvailableForWrite() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.availableForWriteLocked()
}

// IsClosedForWrite reports whether the channel has been closed.
func (ch *Channel) IsClosedForWrite() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// IsClosedForRead reports whether the channel is closed and nothing is left to read.
func (ch *Channel) IsClosedForRead() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed && (ch.cause != nil || ch.readable.Remaining() == 0)
}

// ClosedCause returns the cause the channel was closed with, if any.
func (ch *Channel) ClosedCause() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cause
}

// TotalBytesRead returns the number of bytes consumed by the reader.
func (ch *Channel) TotalBytesRead() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.totalRead
}

// TotalBytesWritten returns the number of bytes accepted from the writer.
func (ch *Channel) TotalBytesWritten() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.totalWritten
}

// Flush hands the written bytes over to the reader.
func (ch *Channel) Flush() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.flushLocked()
}

// WriteAvailable writes as much of p as fits without waiting. If nothing fits,
// it waits once for free capacity and writes what fits then.
func (ch *Channel) WriteAvailable(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	defer ch.mu.Unlock()
	if err := ch.lockWritable(ctx, 1); err != nil {
		return 0, err
	}
	n := min(len(p), ch.availableForWriteLocked())
	_, _ = ch.writable.Write(p[:n])
	ch.afterWriteLocked(n)
	return n, nil
}

// WriteFully writes all of p, waiting for free capacity as needed.
func (ch *Channel) WriteFully(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n, err := ch.WriteAvailable(ctx, p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Write waits until at least minSize bytes of capacity are free and calls fn
// with writable space of at least minSize bytes, bounded by the free capacity.
// The bytes fn reports written are committed. minSize must not exceed
// MaxDirectSize.
func (ch *Channel) Write(ctx context.Context, minSize int, fn func(p []byte) int) (int, error) {
	ch.checkSize(minSize)
	defer ch.mu.Unlock()
	if err := ch.lockWritable(ctx, max(minSize, 1)); err != nil {
		return 0, err
	}
	avail := ch.availableForWriteLocked()
	n := ch.writable.WriteDirect(minSize, func(p []byte) int {
		return fn(p[:min(len(p), avail)])
	})
	ch.afterWriteLocked(n)
	return n, nil
}

// WriteWhile repeatedly grants fn writable space, waiting for capacity in
// between, until fn reports it is done.
func (ch *Channel) WriteWhile(ctx context.Context, fn func(p []byte) (n int, more bool)) error {
	for more := true; more; {
		if _, err := ch.Write(ctx, 1, func(p []byte) int {
			var n int
			n, more = fn(p)
			return n
		}); err != nil {
			return err
		}
	}
	return nil
}

// WritePacket writes the content of p, consuming it. It waits for at least one
// byte of free capacity, but the packet may exceed the free capacity.
func (ch *Channel) WritePacket(ctx context.Context, p *Packet) error {
	defer ch.mu.Unlock()
	if err := ch.lockWritable(ctx, 1); err != nil {
		p.Release()
		return err
	}
	size := p.Remaining()
	ch.writable.WritePacket(p)
	ch.afterWriteLocked(size)
	return nil
}

// ReadAvailable reads as many buffered bytes into p as are available, waiting
// for at least one. It returns io.EOF once the channel is closed and drained.
func (ch *Channel) ReadAvailable(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	defer ch.mu.Unlock()
	if err := ch.lockReadable(ctx, 1); err != nil {
		return 0, err
	}
	if ch.readable.Remaining() == 0 {
		return 0, io.EOF
	}
	n, _ := ch.readable.Read(p)
	ch.afterReadLocked(n)
	return n, nil
}

// ReadFully reads exactly len(p) bytes. It fails with ErrEndOfStream if the
// channel is closed and drained first.
func (ch *Channel) ReadFully(ctx context.Context, p []byte) error {
	read := 0
	for read < len(p) {
		n, err := ch.ReadAvailable(ctx, p[read:])
		if err == io.EOF {
			return fmt.Errorf("read %d bytes, got %d: %w", len(p), read, ErrEndOfStream)
		}
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

// Read waits until at least minSize bytes are readable and calls fn with
// readable bytes of at least minSize. The bytes fn reports read are consumed.
// It returns io.EOF if the channel is closed and drained, or ErrEndOfStream if
// it is closed with fewer than minSize bytes left. minSize must not exceed
// MaxDirectSize.
func (ch *Channel) Read(ctx context.Context, minSize int, fn func(p []byte) int) (int, error) {
	ch.checkSize(minSize)
	defer ch.mu.Unlock()
	if err := ch.lockReadable(ctx, max(minSize, 1)); err != nil {
		return 0, err
	}
	avail := ch.readable.Remaining()
	if avail == 0 {
		return 0, io.EOF
	}
	n, ok := ch.readable.readDirect(minSize, fn)
	if !ok {
		return 0, fmt.Errorf("read %d bytes, %d available: %w", minSize, avail, ErrEndOfStream)
	}
	ch.afterReadLocked(n)
	return n, nil
}

// ReadPacket reads exactly n bytes as a packet, waiting for them as needed.
// It fails with ErrEndOfStream if the channel is closed and drained first.
func (ch *Channel) ReadPacket(ctx context.Context, n int) (*Packet, error) {
	b := NewBuilder(ch.pool, 0)
	for remaining := n; remaining > 0; {
		k, err := ch.readPacketPart(ctx, b, remaining)
		if err != nil {
			b.Release()
			return nil, err
		}
		if k == 0 {
			b.Release()
			return nil, fmt.Errorf("read packet of %d bytes, got %d: %w", n, n-remaining, ErrEndOfStream)
		}
		remaining -= k
	}
	return b.Build(), nil
}

// readPacketPart moves up to n readable bytes into b. It returns 0 when the
// channel is closed and drained.
func (ch *Channel) readPacketPart(ctx context.Context, b *Builder, n int) (int, error) {
	defer ch.mu.Unlock()
	if err := ch.lockReadable(ctx, 1); err != nil {
		return 0, err
	}
	k := min(n, ch.readable.Remaining())
	if k == 0 {
		return 0, nil
	}
	if err := b.WritePacketN(ch.readable, k); err != nil {
		return 0, err
	}
	ch.afterReadLocked(k)
	return k, nil
}

// Close closes the channel for writing. Written bytes are flushed and can
// still be read. Closing a closed channel has no effect.
func (ch *Channel) Close() error {
	ch.close(nil)
	return nil
}

// CloseWithError closes the channel with cause, discarding buffered bytes.
// Every subsequent operation returns cause. A nil cause closes the channel
// normally. It reports whether this call closed the channel.
func (ch *Channel) CloseWithError(cause error) bool {
	return ch.close(cause)
}

// Cancel closes the channel with cause, or context.Canceled if cause is nil.
func (ch *Channel) Cancel(cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}
	return ch.close(cause)
}

// AttachContext closes the channel with the context's cause once ctx is done.
// A previously attached context is detached first; detaching does not close
// the channel.
func (ch *Channel) AttachContext(ctx context.Context) {
	ch.mu.Lock()
	ch.detachLocked()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	// The callback runs on its own goroutine and waits for the lock.
	ch.stopAttached = context.AfterFunc(ctx, func() {
		ch.Cancel(context.Cause(ctx))
	})
	ch.mu.Unlock()
	ch.logger.Debug("channel attached to context")
}

func (ch *Channel) detachLocked() {
	if ch.stopAttached != nil {
		ch.stopAttached()
		ch.stopAttached = nil
	}
}

func (ch *Channel) close(cause error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.closed = true
	if cause != nil {
		ch.cause = cause
		ch.readable.Release()
		ch.writable.Release()
	} else {
		ch.flushLocked()
		// Drops the chunk kept for further writes.
		ch.writable.Release()
	}
	ch.signalReadableLocked()
	ch.signalWritableLocked()
	ch.detachLocked()
	ch.mu.Unlock()

	if cause != nil {
		ch.logger.Debug("channel closed with cause", "cause", cause)
	}
	return true
}

// lockWritable locks the channel and waits until n bytes of capacity are free.
// It returns with the lock held, also on failure.
func (ch *Channel) lockWritable(ctx context.Context, n int) error {
	ch.mu.Lock()
	for {
		if ch.closed {
			if ch.cause != nil {
				return ch.cause
			}
			return ErrClosedForWrite
		}
		if ch.availableForWriteLocked() >= n {
			return nil
		}
		// Hand pending bytes to the reader so it can free capacity.
		ch.flushLocked()
		ready := ch.writeReady
		ch.mu.Unlock()

		select {
		case <-ready:
			ch.mu.Lock()
		case <-ctx.Done():
			ch.mu.Lock()
			return context.Cause(ctx)
		}
	}
}

// lockReadable locks the channel and waits until n bytes are readable or the
// channel is closed. It returns with the lock held, also on failure.
func (ch *Channel) lockReadable(ctx context.Context, n int) error {
	ch.mu.Lock()
	for {
		if ch.cause != nil {
			return ch.cause
		}
		if ch.readable.Remaining() >= n || ch.closed {
			return nil
		}
		ready := ch.readReady
		ch.mu.Unlock()

		select {
		case <-ready:
			ch.mu.Lock()
		case <-ctx.Done():
			ch.mu.Lock()
			return context.Cause(ctx)
		}
	}
}

func (ch *Channel) availableForWriteLocked() int {
	return max(0, ch.capacity-ch.readable.Remaining()-ch.writable.Size())
}

func (ch *Channel) afterWriteLocked(n int) {
	ch.totalWritten += int64(n)
	if ch.autoFlush || ch.availableForWriteLocked() == 0 {
		ch.flushLocked()
	}
}

func (ch *Channel) afterReadLocked(n int) {
	ch.totalRead += int64(n)
	ch.signalWritableLocked()
}

// flushLocked moves the written chain to the readable side. A single small
// chunk is copied into the readable tail and kept for further writes.
func (ch *Channel) flushLocked() {
	if ch.writable.Size() == 0 {
		return
	}
	head := ch.writable.stealAll()
	if head.Next() == nil && ch.readable.tryAppendSmall(head) {
		if head.IsExclusive() && head.Pool() == ch.pool {
			ch.writable.afterBytesStolen(head)
		} else {
			head.Release()
		}
	} else {
		ch.readable.appendChain(head)
	}
	ch.signalReadableLocked()
}

func (ch *Channel) signalReadableLocked() {
	close(ch.readReady)
	ch.readReady = make(chan struct{})
}

func (ch *Channel) signalWritableLocked() {
	close(ch.writeReady)
	ch.writeReady = make(chan struct{})
}

// MaxDirectSize returns the largest minSize accepted by Read and Write: the
// channel capacity, bounded by the writable space of one chunk of the pool.
func (ch *Channel) MaxDirectSize() int {
	return min(ch.capacity, ch.pool.ChunkSize()-chunk.ReservedSize)
}

// checkSize panics before any lock is taken or chunk borrowed if n bytes
// cannot be granted in a single chunk.
func (ch *Channel) checkSize(n int) {
	if limit := ch.MaxDirectSize(); n < 0 || n > limit {
		panic(fmt.Errorf(
			"invariant violation: %d bytes requested, at most %d can be granted at once (capacity %d)",
			n, limit, ch.capacity,
		))
	}
}
