package testutils

import (
	"slices"
	"sync/atomic"
)

var (
	MockChunkSizes = []int{32, 128, 512}
)

// MockAllocator is a heap-backed allocator that counts Get and Put calls.
type MockAllocator struct {
	getCalls      atomic.Int64
	putCalls      atomic.Int64
	allocateCalls atomic.Int64
}

// Sizes returns supported region sizes.
func (a *MockAllocator) Sizes() []int {
	return MockChunkSizes
}

// IsSupported reports whether size is one of MockChunkSizes.
func (a *MockAllocator) IsSupported(size int) bool {
	return slices.Contains(a.Sizes(), size)
}

// Get returns a fresh heap region of size bytes.
func (a *MockAllocator) Get(size int) []byte {
	a.getCalls.Add(1)
	return make([]byte, size)
}

// Put records that a region was returned.
func (a *MockAllocator) Put(b []byte) {
	a.putCalls.Add(1)
}

// Allocate records a pre-warm request.
func (a *MockAllocator) Allocate(size int, numRegions int) {
	a.allocateCalls.Add(1)
}

// GetCalls returns the number of Get calls.
func (a *MockAllocator) GetCalls() int64 {
	return a.getCalls.Load()
}

// PutCalls returns the number of Put calls.
func (a *MockAllocator) PutCalls() int64 {
	return a.putCalls.Load()
}

// AllocateCalls returns the number of Allocate calls.
func (a *MockAllocator) AllocateCalls() int64 {
	return a.allocateCalls.Load()
}

// RegionsInUse returns the number of regions handed out and not returned.
func (a *MockAllocator) RegionsInUse() int64 {
	return a.GetCalls() - a.PutCalls()
}

// Reset clears all counters.
func (a *MockAllocator) Reset() {
	a.getCalls.Store(0)
	a.putCalls.Store(0)
	a.allocateCalls.Store(0)
}
