// Package packetio implements pooled byte I/O over chains of memory chunks.
// It provides packet building and reading, and a bounded byte channel between
// one writer and one reader.
package packetio

import (
	"sync"

	"github.com/holmberd/go-packetio/internal/chunk"
)

type (
	Pool      = chunk.Pool
	Allocator = chunk.Allocator
	ArenaPool = chunk.ArenaPool
	PoolStats = chunk.Stats
)

var defaultPool = sync.OnceValue(func() *ArenaPool {
	arena := NewChunkPool(DefaultChunkPoolConfig())
	return chunk.NewArenaPool(arena, ChunkSize4K, 256)
})

// DefaultPool returns the process-wide pool of 4K chunks backed by an mmap arena.
func DefaultPool() *ArenaPool {
	return defaultPool()
}

// NewPool creates a chunk pool over alloc as described by config.
func NewPool(alloc Allocator, config Config) (*ArenaPool, error) {
	if err := config.Validate(alloc); err != nil {
		return nil, err
	}
	return chunk.NewArenaPool(alloc, config.ChunkSize, config.IdleChunks), nil
}
