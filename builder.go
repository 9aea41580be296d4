package packetio

// Builder is an Output without a destination. Its bytes are taken out as a Packet.
type Builder struct {
	Output
}

// NewBuilder creates a builder borrowing chunks from pool. headerSizeHint bytes
// are reserved in front of the first chunk.
func NewBuilder(pool Pool, headerSizeHint int) *Builder {
	b := &Builder{}
	b.init(pool, nil, headerSizeHint, PacketMaxCopySize)
	return b
}

// Build returns the written bytes as a packet and resets the builder to empty.
func (b *Builder) Build() *Packet {
	return newPacket(b.stealAll(), b.pool)
}

// Reset discards all written bytes.
func (b *Builder) Reset() {
	b.Release()
}

// BuildPacket runs fn against a new builder and returns the built packet.
// If fn fails or panics, every chunk the builder retained is released.
func BuildPacket(pool Pool, headerSizeHint int, fn func(b *Builder) error) (*Packet, error) {
	b := NewBuilder(pool, headerSizeHint)
	built := false
	defer func() {
		if !built {
			b.Release()
		}
	}()
	if err := fn(b); err != nil {
		return nil, err
	}
	built = true
	return b.Build(), nil
}
