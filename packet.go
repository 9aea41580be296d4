package packetio

import (
	"github.com/cespare/xxhash/v2"
	"github.com/holmberd/go-packetio/internal/chunk"
)

// Packet is a read-once chain of chunks taken from a Builder. Each chunk is
// released to its pool as soon as it has been read, so the bytes of a packet
// can be consumed exactly once. Copy returns an independent reader over the
// same memory.
type Packet struct {
	Input
}

func newPacket(head *chunk.Chunk, pool Pool) *Packet {
	p := &Packet{}
	p.init(head, pool, nil)
	return p
}

// EmptyPacket returns a packet with no bytes.
func EmptyPacket() *Packet {
	return newPacket(nil, DefaultPool())
}

// WrapBytes adopts b as the content of a packet without copying it. release,
// if not nil, is called with b once the packet no longer references it.
// b must not be modified while the packet or any copy of it is alive.
func WrapBytes(b []byte, release func(b []byte)) *Packet {
	if len(b) == 0 {
		if release != nil {
			release(b)
		}
		return EmptyPacket()
	}
	c := chunk.NewSingleInstancePool(b, release).Borrow()
	// Chunks borrowed while reading, e.g. to gather a primitive, come from the default pool.
	return newPacket(c, DefaultPool())
}

// Copy returns a packet over the same unread bytes. Neither packet consumes
// the bytes of the other, and shared chunks are not mutated until one side
// is released.
func (p *Packet) Copy() *Packet {
	p.syncHead()
	return newPacket(chunk.CopyAll(p.head.Load()), p.pool)
}

// IsEmpty reports whether no bytes remain.
func (p *Packet) IsEmpty() bool {
	return p.Remaining() == 0
}

// Bytes reads all remaining bytes into a new slice.
func (p *Packet) Bytes() []byte {
	b := make([]byte, p.Remaining())
	// A packet has no source, so all remaining bytes are buffered.
	_ = p.ReadFull(b)
	return b
}

// Sum64 returns the xxhash64 digest of the remaining bytes without consuming them.
func (p *Packet) Sum64() uint64 {
	p.syncHead()
	d := xxhash.New()
	for c := p.head.Load(); c != nil; c = c.Next() {
		_, _ = d.Write(c.Readable())
	}
	return d.Sum64()
}
