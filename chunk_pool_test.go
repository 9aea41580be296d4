package packetio

import (
	"bytes"
	"log/slog"
	"testing"
)

var TestChunkPoolConfig = ChunkPoolConfig{
	FreeThresholds: [len(chunkSizes)]int{20, 10, 10},
}

// captureLogs is a helper for recording the default logger's output for the
// duration of a test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestChunkPools(t *testing.T) {
	t.Run("Get and Put single region for each chunk size", func(t *testing.T) {
		pool := NewChunkPool(TestChunkPoolConfig)
		for _, size := range pool.Sizes() {
			if numFree := pool.numFree(size); numFree != 0 {
				t.Fatalf("expected new pool for size %d to be empty, got %d regions", size, numFree)
			}
		}

		for _, size := range pool.Sizes() {
			region := pool.Get(size)
			if region == nil {
				t.Fatalf("expected to get a valid region for size %d, got nil", size)
			}
			if len(region) != size || cap(region) != size {
				t.Errorf("expected for size %d: len/cap %d, got len=%d, cap=%d", size, size, len(region), cap(region))
			}

			if numFree := pool.numFree(size); numFree != 0 {
				t.Errorf("expected for size %d: no free regions after Get, got %d", size, numFree)
			}

			pool.Put(region)
		}

		for _, size := range pool.Sizes() {
			if numFree := pool.numFree(size); numFree != 1 {
				t.Fatalf("expected for size %d: 1 free region after Put, got %d", size, numFree)
			}
		}
	})

	t.Run("Put nil does not panic or add to pool", func(t *testing.T) {
		pool := NewChunkPool(TestChunkPoolConfig)
		pool.Put(nil) // This should be a no-op and should not cause a panic.
		for _, size := range pool.Sizes() {
			if numFree := pool.numFree(size); numFree != 0 {
				t.Fatalf("expected new pool for size %d to be empty, got %d regions", size, numFree)
			}
		}
	})

	t.Run("Put unsupported size does not panic or add to pool", func(t *testing.T) {
		pool := NewChunkPool(TestChunkPoolConfig)
		region := make([]byte, pool.Sizes()[len(pool.Sizes())-1]+1)
		pool.Put(region)
		for _, size := range pool.Sizes() {
			if numFree := pool.numFree(size); numFree != 0 {
				t.Fatalf("expected new pool for size %d to be empty, got %d regions", size, numFree)
			}
		}
	})

	t.Run("Allocate pre-warms the free list", func(t *testing.T) {
		pool := NewChunkPool(TestChunkPoolConfig)
		pool.Allocate(ChunkSize64K, 3)
		if numFree := pool.numFree(ChunkSize64K); numFree != 3 {
			t.Fatalf("expected 3 free regions after Allocate, got %d", numFree)
		}
		pool.Allocate(ChunkSize64K, 2) // Already satisfied.
		if numFree := pool.numFree(ChunkSize64K); numFree != 3 {
			t.Fatalf("expected 3 free regions after a satisfied Allocate, got %d", numFree)
		}
	})

	t.Run("Free list above threshold releases half", func(t *testing.T) {
		logs := captureLogs(t)
		for i, size := range chunkSizes {
			pool := NewChunkPool(TestChunkPoolConfig)
			threshold := TestChunkPoolConfig.FreeThresholds[i]
			regions := make([][]byte, threshold+1)
			for j := range regions {
				regions[j] = pool.Get(size)
			}
			for _, r := range regions {
				pool.Put(r)
			}
			// The put exceeding the threshold trims the list of threshold+1 regions in half.
			expected := threshold + 1 - (threshold+1)/2
			if numFree := pool.numFree(size); numFree != expected {
				t.Errorf("expected for size %d: %d free regions after trim, got %d", size, expected, numFree)
			}
		}
		if logs.Len() != 0 {
			t.Errorf("expected every trimmed region to be unmapped, got logs:\n%s", logs)
		}
	})

	t.Run("Unsupported size panics", func(t *testing.T) {
		pool := NewChunkPool(TestChunkPoolConfig)
		defer func() {
			if recover() == nil {
				t.Fatal("expected a panic for an unsupported size")
			}
		}()
		pool.Get(ChunkSize4K + 1)
	})
}

func TestNewPool(t *testing.T) {
	arena := NewChunkPool(TestChunkPoolConfig)
	pool, err := NewPool(arena, DefaultConfig(arena))
	if err != nil {
		t.Fatal(err)
	}
	c := pool.Borrow()
	if c.Capacity() != ChunkSize4K {
		t.Errorf("expected a %d byte chunk, got %d", ChunkSize4K, c.Capacity())
	}
	c.Release()
	pool.Drain()
	if numFree := arena.numFree(ChunkSize4K); numFree != 1 {
		t.Errorf("expected drained memory back in the arena, got %d free regions", numFree)
	}
}
