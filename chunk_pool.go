package packetio

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	KiB = 1024

	ChunkSize4K  = 4 * KiB
	ChunkSize16K = 16 * KiB
	ChunkSize64K = 64 * KiB
)

// chunkSizes represents supported chunk sizes ordered by smallest to largest.
//   - The smallest size matches a memory page and suits small request/response packets.
//   - The largest size suits bulk transfers where fewer chunks mean fewer links to walk.
var chunkSizes = [3]int{
	ChunkSize4K,
	ChunkSize16K,
	ChunkSize64K,
}

func init() {
	// Runtime assertion.
	if !sort.IntsAreSorted(chunkSizes[:]) {
		panic(errors.New("chunk sizes must be sorted in ascending order"))
	}
}

// ChunkPoolConfig configures the release policy of a ChunkPool.
type ChunkPoolConfig struct {
	// Number of free regions for each chunk size the pool can hold before starting to release memory.
	FreeThresholds [len(chunkSizes)]int
}

// ChunkPool is a collection of thread-safe free lists for off-heap memory
// regions of a pre-defined set of fixed sizes. It is the memory arena behind
// the chunk pools returned by [NewPool].
type ChunkPool struct {
	mu      sync.Mutex
	free4K  []*[ChunkSize4K]byte
	free16K []*[ChunkSize16K]byte
	free64K []*[ChunkSize64K]byte

	// freeThresholds represents the number of free regions for each size the pool
	// can hold before starting to release memory.
	freeThresholds [len(chunkSizes)]int
}

// NewChunkPool creates a new, empty memory arena.
func NewChunkPool(config ChunkPoolConfig) *ChunkPool {
	return &ChunkPool{freeThresholds: config.FreeThresholds}
}

// Sizes returns a slice of supported chunk sizes.
func (p *ChunkPool) Sizes() []int {
	return chunkSizes[:]
}

// IsSupported reports whether chunkSize is one of the supported sizes.
func (p *ChunkPool) IsSupported(chunkSize int) bool {
	return slices.Contains(p.Sizes(), chunkSize)
}

// Get retrieves a region of the specified size.
// It will panic if an unsupported size is requested.
func (p *ChunkPool) Get(chunkSize int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch chunkSize {
	case ChunkSize4K:
		if len(p.free4K) == 0 {
			p.alloc(chunkSize, 1)
		}
		n := len(p.free4K) - 1
		ptr := p.free4K[n]
		p.free4K = p.free4K[:n]
		return ptr[:]
	case ChunkSize16K:
		if len(p.free16K) == 0 {
			p.alloc(chunkSize, 1)
		}
		n := len(p.free16K) - 1
		ptr := p.free16K[n]
		p.free16K = p.free16K[:n]
		return ptr[:]
	case ChunkSize64K:
		if len(p.free64K) == 0 {
			p.alloc(chunkSize, 1)
		}
		n := len(p.free64K) - 1
		ptr := p.free64K[n]
		p.free64K = p.free64K[:n]
		return ptr[:]
	default:
		panic(fmt.Sprintf("unsupported chunk size requested: %d", chunkSize))
	}
}

// Put returns a region to the arena.
// It does nothing if the region size is not a supported size.
func (p *ChunkPool) Put(c []byte) {
	if c == nil {
		return
	}

	size := cap(c)
	c = c[:size] // Ensure the region is reset to its full capacity before returning.

	switch size {
	case ChunkSize4K:
		ptr := (*[ChunkSize4K]byte)(unsafe.Pointer(&c[0]))
		var toUnmap []*[ChunkSize4K]byte

		p.mu.Lock()
		p.free4K = append(p.free4K, ptr)
		p.free4K, toUnmap = releaseRegions(p.free4K, p.freeThresholds[0])
		p.mu.Unlock()

		// Perform unmap outside of the lock to avoid blocking other operations.
		for _, regionPtr := range toUnmap {
			p.unmap(regionPtr[:])
		}

	case ChunkSize16K:
		ptr := (*[ChunkSize16K]byte)(unsafe.Pointer(&c[0]))
		var toUnmap []*[ChunkSize16K]byte

		p.mu.Lock()
		p.free16K = append(p.free16K, ptr)
		p.free16K, toUnmap = releaseRegions(p.free16K, p.freeThresholds[1])
		p.mu.Unlock()

		for _, regionPtr := range toUnmap {
			p.unmap(regionPtr[:])
		}

	case ChunkSize64K:
		ptr := (*[ChunkSize64K]byte)(unsafe.Pointer(&c[0]))
		var toUnmap []*[ChunkSize64K]byte

		p.mu.Lock()
		p.free64K = append(p.free64K, ptr)
		p.free64K, toUnmap = releaseRegions(p.free64K, p.freeThresholds[2])
		p.mu.Unlock()

		for _, regionPtr := range toUnmap {
			p.unmap(regionPtr[:])
		}
	}
}

// Allocate ensures that at least numRegions are available in the arena for the
// specified size. This is useful for pre-warming the arena to a specific capacity.
// It will panic if an unsupported size is requested.
func (p *ChunkPool) Allocate(chunkSize int, numRegions int) {
	if numRegions <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int
	switch chunkSize {
	case ChunkSize4K:
		n = numRegions - len(p.free4K)
	case ChunkSize16K:
		n = numRegions - len(p.free16K)
	case ChunkSize64K:
		n = numRegions - len(p.free64K)
	default:
		panic(fmt.Sprintf("unsupported chunk size for pre-allocation: %d", chunkSize))
	}
	if n > 0 {
		p.alloc(chunkSize, n)
	}
}

// unmap releases the memory of a region back to the operating system.
func (p *ChunkPool) unmap(c []byte) {
	if err := unix.Munmap(c); err != nil {
		slog.Error("failed to unmap chunk memory", "error", err, "size", len(c))
	}
}

// alloc allocates the specified number of free regions of the given size.
// It assumes the caller holds the mutex.
//
// Each region is mapped on its own: unix.Munmap only accepts the exact slice
// returned by unix.Mmap, so a region must be its own mapping to be released.
func (p *ChunkPool) alloc(chunkSize int, numRegions int) {
	for range numRegions {
		// Use unix.Mmap to allocate virtual memory that is not part the Go heap.
		// Chunk memory is long-lived and recycled, so the GC never needs to scan it.
		region, err := unix.Mmap(-1, 0, chunkSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE,
		)
		if err != nil {
			panic(fmt.Errorf("cannot allocate %d bytes via mmap: %w", chunkSize, err))
		}

		switch chunkSize {
		case ChunkSize4K:
			p.free4K = append(p.free4K, (*[ChunkSize4K]byte)(unsafe.Pointer(&region[0])))
		case ChunkSize16K:
			p.free16K = append(p.free16K, (*[ChunkSize16K]byte)(unsafe.Pointer(&region[0])))
		case ChunkSize64K:
			p.free64K = append(p.free64K, (*[ChunkSize64K]byte)(unsafe.Pointer(&region[0])))
		}
	}
}

// numFree returns the number of available regions for a given chunk size.
// It is primarily intended as helper method in tests.
func (p *ChunkPool) numFree(size int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch size {
	case ChunkSize4K:
		return len(p.free4K)
	case ChunkSize16K:
		return len(p.free16K)
	case ChunkSize64K:
		return len(p.free64K)
	default:
		return 0
	}
}

// releaseRegions is a generic helper that trims the free list if it exceeds the given threshold.
// It returns the updated list and a list of any regions that were removed and should be unmapped.
func releaseRegions[P any](freeList []P, threshold int) (newList []P, toUnmap []P) {
	if threshold > 0 && len(freeList) > threshold {
		// Release half of the free regions to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		toUnmap = freeList[:freeCount]
		newList = freeList[freeCount:]
		return newList, toUnmap
	}
	return freeList, nil
}
