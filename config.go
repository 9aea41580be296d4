package packetio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/holmberd/go-packetio/internal/chunk"
)

const (
	// PacketMaxCopySize is the size below which a spliced chunk is merged by copying
	// instead of being linked.
	PacketMaxCopySize = 200

	// DefaultChannelCapacity matches the writable space of a 4K chunk.
	DefaultChannelCapacity = ChunkSize4K - chunk.ReservedSize
)

// Config configures a chunk pool and the outputs writing into it.
type Config struct {
	ChunkSize  int // Capacity of pooled chunks.
	IdleChunks int // Number of recycled chunks the pool keeps before returning memory to the arena.

	// HeaderSizeHint is the number of bytes reserved in front of the first chunk of
	// an output, so a packet built from it can later be merged by prepending.
	HeaderSizeHint int

	// MaxCopySize bounds the merges done when splicing a packet into an output.
	// Chunks of this size or larger are always linked.
	MaxCopySize int
}

// Validate checks the config against alloc and returns every violation joined.
func (c Config) Validate(alloc Allocator) error {
	var errs []error
	if !alloc.IsSupported(c.ChunkSize) {
		errs = append(
			errs,
			fmt.Errorf("%w: invalid chunk size %d must be one of %v", ErrInvalidConfig, c.ChunkSize, alloc.Sizes()),
		)
	}
	if c.IdleChunks < 0 {
		errs = append(errs, fmt.Errorf("%w: IdleChunks must not be negative", ErrInvalidConfig))
	}
	if c.HeaderSizeHint < 0 || c.HeaderSizeHint >= c.ChunkSize-chunk.ReservedSize {
		errs = append(
			errs,
			fmt.Errorf("%w: HeaderSizeHint %d must be within [0, %d)", ErrInvalidConfig, c.HeaderSizeHint, c.ChunkSize-chunk.ReservedSize),
		)
	}
	if c.MaxCopySize < 0 {
		errs = append(errs, fmt.Errorf("%w: MaxCopySize must not be negative", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a config using the smallest chunk size of alloc.
func DefaultConfig(alloc Allocator) Config {
	return Config{
		ChunkSize:   alloc.Sizes()[0], // Smallest supported size.
		IdleChunks:  256,
		MaxCopySize: PacketMaxCopySize,
	}
}

// DefaultChunkPoolConfig returns the free thresholds of the default arena.
func DefaultChunkPoolConfig() ChunkPoolConfig {
	return ChunkPoolConfig{
		FreeThresholds: [len(chunkSizes)]int{
			4096, // 16MB
			1024, // 16MB
			256,  // 16MB
		},
	}
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Capacity is the number of buffered bytes at which writers suspend.
	Capacity int

	// AutoFlush makes every write visible to the reader immediately. Otherwise
	// written bytes are only handed over on Flush, Close or when the channel is full.
	AutoFlush bool

	Logger *slog.Logger // Defaults to slog.Default().
}

// Validate returns every violation of the config joined.
func (c ChannelConfig) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("%w: Capacity must be positive, got %d", ErrInvalidConfig, c.Capacity))
	}
	return errors.Join(errs...)
}

// DefaultChannelConfig returns an auto-flushing config with the capacity of one 4K chunk.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Capacity:  DefaultChannelCapacity,
		AutoFlush: true,
	}
}
