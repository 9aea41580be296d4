package packetio

import (
	"io"
	"log/slog"
	"testing"

	"github.com/holmberd/go-packetio/internal/testutils"
)

// Small chunks make every test cross chunk boundaries.
const testChunkSize = 32

// testWritable is the number of bytes a fresh test chunk takes before the end gap.
const testWritable = testChunkSize - 8

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil)) // Discard logs during testing.

// newTestPool is a helper for creating a pool of small heap-backed chunks.
// The test fails if any chunk is still borrowed when it ends.
func newTestPool(t *testing.T) *ArenaPool {
	t.Helper()
	alloc := &testutils.MockAllocator{}
	config := DefaultConfig(alloc)
	config.ChunkSize = testChunkSize
	config.IdleChunks = 16
	pool, err := NewPool(alloc, config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if inUse := pool.Stats().InUse(); inUse != 0 {
			t.Errorf("expected every chunk back in the pool, got %d in use", inUse)
		}
	})
	return pool
}

// generateBytes returns n bytes filled with a predictable pattern.
func generateBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + (i % 26)) // fill with repeating a-z chars.
	}
	return data
}

// buildPacket is a helper for building a packet holding data.
func buildPacket(t *testing.T, pool Pool, headerSizeHint int, data []byte) *Packet {
	t.Helper()
	b := NewBuilder(pool, headerSizeHint)
	if _, err := b.Write(data); err != nil {
		t.Fatal(err)
	}
	return b.Build()
}

// chainLen returns the number of chunks held by a packet.
func chainLen(p *Packet) int {
	n := 0
	for c := p.head.Load(); c != nil; c = c.Next() {
		n++
	}
	return n
}
