package packetio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"testing/iotest"
)

// straddlingPacket is a helper for building a packet in which the encoded
// value starts lead bytes before the end of the first chunk.
func straddlingPacket(t *testing.T, pool Pool, lead int, encoded []byte) *Packet {
	t.Helper()
	b := NewBuilder(pool, 0)
	_, _ = b.Write(generateBytes(t, testWritable-lead))
	_, _ = b.Write(encoded) // Write splits freely across chunks.
	p := b.Build()
	if n := p.Discard(testWritable - lead); n != testWritable-lead {
		t.Fatalf("expected to skip %d bytes, got %d", testWritable-lead, n)
	}
	return p
}

func TestInputPrimitives(t *testing.T) {
	t.Run("Straddling primitives decode like contiguous ones", func(t *testing.T) {
		for lead := 1; lead < 8; lead++ {
			pool := newTestPool(t)
			want := uint64(0x0102030405060708) * uint64(lead)
			encoded := binary.BigEndian.AppendUint64(nil, want)

			p := straddlingPacket(t, pool, lead, encoded)
			got, err := p.ReadUint64()
			if err != nil {
				t.Fatalf("lead %d: unexpected error: %v", lead, err)
			}
			if got != want {
				t.Errorf("lead %d: expected %#x, got %#x", lead, want, got)
			}
			if !p.IsEmpty() {
				t.Errorf("lead %d: expected packet drained, got %d bytes", lead, p.Remaining())
			}
			p.Release()
		}
	})

	t.Run("Fast and fallback paths agree", func(t *testing.T) {
		pool := newTestPool(t)
		values := []uint32{0, 1, math.MaxUint32, 0xdeadbeef}
		var encoded []byte
		for _, v := range values {
			encoded = binary.BigEndian.AppendUint32(encoded, v)
		}
		// A leading byte shifts the values so some of them straddle chunk boundaries.
		b := NewBuilder(pool, 0)
		_ = b.WriteByte(0)
		for range 4 {
			_, _ = b.Write(encoded)
		}
		p := b.Build()
		defer p.Release()
		_, _ = p.ReadByte()
		for !p.IsEmpty() {
			for _, want := range values {
				got, err := p.ReadUint32()
				if err != nil || got != want {
					t.Fatalf("expected %#x, got %#x (%v)", want, got, err)
				}
			}
		}
	})

	t.Run("Signed and float decoders", func(t *testing.T) {
		pool := newTestPool(t)
		b := NewBuilder(pool, 0)
		b.WriteInt16(-2)
		b.WriteInt32(-3)
		b.WriteInt64(math.MinInt64)
		b.WriteFloat32(float32(math.Inf(1)))
		b.WriteFloat64(-0.5)
		p := b.Build()
		defer p.Release()

		if v, _ := p.ReadInt16(); v != -2 {
			t.Errorf("expected -2, got %d", v)
		}
		if v, _ := p.ReadInt32(); v != -3 {
			t.Errorf("expected -3, got %d", v)
		}
		if v, _ := p.ReadInt64(); v != math.MinInt64 {
			t.Errorf("expected MinInt64, got %d", v)
		}
		if v, _ := p.ReadFloat32(); !math.IsInf(float64(v), 1) {
			t.Errorf("expected +Inf, got %v", v)
		}
		if v, _ := p.ReadFloat64(); v != -0.5 {
			t.Errorf("expected -0.5, got %v", v)
		}
	})

	t.Run("Little-endian decoders", func(t *testing.T) {
		pool := newTestPool(t)
		encoded := binary.LittleEndian.AppendUint16(nil, 0x0102)
		encoded = binary.LittleEndian.AppendUint32(encoded, 0x03040506)
		encoded = binary.LittleEndian.AppendUint64(encoded, 0x0708090a0b0c0d0e)
		p := straddlingPacket(t, pool, 3, encoded)
		defer p.Release()

		if v, err := p.ReadUint16LE(); err != nil || v != 0x0102 {
			t.Errorf("expected 0x0102, got %#x (%v)", v, err)
		}
		if v, err := p.ReadUint32LE(); err != nil || v != 0x03040506 {
			t.Errorf("expected 0x03040506, got %#x (%v)", v, err)
		}
		if v, err := p.ReadUint64LE(); err != nil || v != 0x0708090a0b0c0d0e {
			t.Errorf("expected 0x0708090a0b0c0d0e, got %#x (%v)", v, err)
		}
	})

	t.Run("Truncated primitive fails with end of stream", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, []byte{1, 2, 3})
		defer p.Release()
		if _, err := p.ReadUint32(); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("expected ErrEndOfStream, got %v", err)
		}
	})

	t.Run("Shared head is re-buffered instead of mutated", func(t *testing.T) {
		pool := newTestPool(t)
		p := straddlingPacket(t, pool, 2, []byte{0xca, 0xfe, 0xba, 0xbe})
		held := p.Copy()

		v, err := p.ReadUint32()
		if err != nil || v != 0xcafebabe {
			t.Fatalf("expected 0xcafebabe, got %#x (%v)", v, err)
		}
		// The copy still reads the original layout.
		if v, err := held.ReadUint32(); err != nil || v != 0xcafebabe {
			t.Errorf("expected the copy to decode 0xcafebabe, got %#x (%v)", v, err)
		}
		held.Release()
		p.Release()
	})

	t.Run("Adopted buffer is re-buffered to gather", func(t *testing.T) {
		var released bool
		first := WrapBytes([]byte{0, 0, 0xab}, func([]byte) { released = true })
		pool := newTestPool(t)
		b := NewBuilder(pool, 0)
		b.WritePacket(first)
		_, _ = b.Write([]byte{0xcd})
		p := b.Build()
		p.Discard(2)

		v, err := p.ReadUint16()
		if err != nil || v != 0xabcd {
			t.Fatalf("expected 0xabcd, got %#x (%v)", v, err)
		}
		p.Release()
		if !released {
			t.Error("expected the adopted buffer to be released")
		}
	})
}

func TestInputReads(t *testing.T) {
	t.Run("Discard skips across chunks and stops at the end", func(t *testing.T) {
		pool := newTestPool(t)
		data := generateBytes(t, testWritable*2+4)
		p := buildPacket(t, pool, 0, data)
		defer p.Release()

		if n := p.Discard(testWritable + 1); n != testWritable+1 {
			t.Errorf("expected %d skipped, got %d", testWritable+1, n)
		}
		if c, _ := p.ReadByte(); c != data[testWritable+1] {
			t.Errorf("expected %q, got %q", data[testWritable+1], c)
		}
		rest := len(data) - testWritable - 2
		if n := p.Discard(1000); n != rest {
			t.Errorf("expected %d skipped at the end, got %d", rest, n)
		}
	})

	t.Run("TryPeek does not consume", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, []byte("ab"))
		defer p.Release()

		if c := p.TryPeek(); c != 'a' {
			t.Errorf("expected 'a', got %d", c)
		}
		_, _ = p.ReadByte()
		_, _ = p.ReadByte()
		if c := p.TryPeek(); c != -1 {
			t.Errorf("expected -1 at the end, got %d", c)
		}
	})

	t.Run("PeekTo copies across chunks without consuming", func(t *testing.T) {
		pool := newTestPool(t)
		data := generateBytes(t, testWritable*3)
		p := buildPacket(t, pool, 0, data)
		defer p.Release()
		_, _ = p.ReadByte()

		dst := make([]byte, testWritable+4)
		n, err := p.PeekTo(dst, 10, 1, len(dst))
		if err != nil {
			t.Fatal(err)
		}
		if n != len(dst) || !bytes.Equal(dst, data[11:11+len(dst)]) {
			t.Errorf("unexpected peek of %d bytes %q", n, dst[:n])
		}
		if p.Remaining() != len(data)-1 {
			t.Errorf("expected nothing consumed, got %d remaining", p.Remaining())
		}
	})

	t.Run("PeekTo copies at most the available bytes", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, []byte("abcdef"))
		defer p.Release()

		dst := make([]byte, 16)
		n, err := p.PeekTo(dst, 4, 1, len(dst))
		if err != nil || n != 2 || string(dst[:n]) != "ef" {
			t.Errorf("expected %q, got %q (%v)", "ef", dst[:n], err)
		}
	})

	t.Run("PeekTo past the end", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, []byte("abc"))
		defer p.Release()

		dst := make([]byte, 4)
		if n, err := p.PeekTo(dst, 10, 0, 4); err != nil || n != 0 {
			t.Errorf("expected 0 bytes without error for min 0, got %d (%v)", n, err)
		}
		if _, err := p.PeekTo(dst, 10, 1, 4); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("expected ErrEndOfStream for min 1, got %v", err)
		}
		if _, err := p.PeekTo(dst, 0, 4, 4); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("expected ErrEndOfStream for a short peek, got %v", err)
		}
	})

	t.Run("ReadFull fails at the end of input", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, []byte("abc"))
		defer p.Release()

		if err := p.ReadFull(make([]byte, 4)); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("expected ErrEndOfStream, got %v", err)
		}
	})

	t.Run("ReadString", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, []byte(strings.Repeat("go", testWritable)))
		defer p.Release()

		s, err := p.ReadString(testWritable + 2)
		if err != nil || s != strings.Repeat("go", testWritable/2+1) {
			t.Errorf("unexpected string %q (%v)", s, err)
		}
	})

	t.Run("Runes split across chunks", func(t *testing.T) {
		pool := newTestPool(t)
		encoded := []byte("€")
		p := straddlingPacket(t, pool, 1, encoded)
		defer p.Release()

		r, size, err := p.ReadRune()
		if err != nil || r != '€' || size != 3 {
			t.Errorf("expected '€' of 3 bytes, got %q of %d (%v)", r, size, err)
		}
	})

	t.Run("Truncated rune decodes as an error rune", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, []byte("€")[:2])
		defer p.Release()

		r, size, err := p.ReadRune()
		if err != nil || r != '�' || size != 1 {
			t.Errorf("expected an error rune of 1 byte, got %q of %d (%v)", r, size, err)
		}
	})

	t.Run("WriteTo drains the input", func(t *testing.T) {
		pool := newTestPool(t)
		data := generateBytes(t, testWritable*3+3)
		p := buildPacket(t, pool, 0, data)
		defer p.Release()

		var buf bytes.Buffer
		n, err := p.WriteTo(&buf)
		if err != nil || n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
			t.Errorf("expected %d bytes written, got %d (%v)", len(data), n, err)
		}
		if !p.EndOfInput() {
			t.Error("expected end of input after draining")
		}
	})

	t.Run("Gathering more than a chunk panics without borrowing", func(t *testing.T) {
		pool := newTestPool(t)
		p := buildPacket(t, pool, 0, generateBytes(t, testWritable*2))
		defer p.Release()
		_, _ = p.ReadByte()

		borrowed := pool.Stats().Borrowed
		func() {
			defer func() {
				if recover() == nil {
					t.Fatal("expected a panic")
				}
			}()
			p.readDirect(testChunkSize+1, func(b []byte) int { return len(b) })
		}()
		if got := pool.Stats().Borrowed; got != borrowed {
			t.Errorf("expected no chunk borrowed, got %d more", got-borrowed)
		}

		// A gather that fits a chunk still succeeds.
		n, ok := p.readDirect(testChunkSize, func(b []byte) int { return len(b) })
		if !ok || n != testChunkSize {
			t.Errorf("expected %d bytes gathered, got %d (%v)", testChunkSize, n, ok)
		}
	})
}

func TestInputSource(t *testing.T) {
	t.Run("Reads pull from the source", func(t *testing.T) {
		pool := newTestPool(t)
		data := generateBytes(t, testWritable*4+5)
		in := NewInput(pool, iotest.OneByteReader(bytes.NewReader(data)))
		defer in.Release()

		if in.EndOfInput() {
			t.Error("expected end of input to be unknown before reading")
		}
		got, err := io.ReadAll(in)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Error("bytes read from the source mismatch")
		}
		if !in.EndOfInput() {
			t.Error("expected end of input after the source is exhausted")
		}
	})

	t.Run("Primitives gather from the source", func(t *testing.T) {
		pool := newTestPool(t)
		var encoded []byte
		for i := range 20 {
			encoded = binary.BigEndian.AppendUint64(encoded, uint64(i)<<32|uint64(i))
		}
		in := NewInput(pool, iotest.HalfReader(bytes.NewReader(encoded)))
		defer in.Release()

		for i := range 20 {
			v, err := in.ReadUint64()
			if err != nil {
				t.Fatalf("value %d: unexpected error: %v", i, err)
			}
			if want := uint64(i)<<32 | uint64(i); v != want {
				t.Fatalf("value %d: expected %#x, got %#x", i, want, v)
			}
		}
		if _, err := in.ReadUint64(); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("expected ErrEndOfStream, got %v", err)
		}
	})

	t.Run("PeekTo pulls from the source", func(t *testing.T) {
		pool := newTestPool(t)
		data := generateBytes(t, testWritable*2)
		in := NewInput(pool, iotest.OneByteReader(bytes.NewReader(data)))
		defer in.Release()

		dst := make([]byte, 4)
		n, err := in.PeekTo(dst, testWritable, 4, 4)
		if err != nil || n != 4 || !bytes.Equal(dst, data[testWritable:testWritable+4]) {
			t.Errorf("unexpected peek %q (%v)", dst[:n], err)
		}
	})

	t.Run("Source errors surface", func(t *testing.T) {
		pool := newTestPool(t)
		failure := errors.New("connection reset")
		in := NewInput(pool, io.MultiReader(bytes.NewReader([]byte("ab")), iotest.ErrReader(failure)))
		defer in.Release()

		if err := in.ReadFull(make([]byte, 4)); !errors.Is(err, failure) {
			t.Errorf("expected the source error, got %v", err)
		}
		if _, err := in.ReadByte(); !errors.Is(err, failure) {
			t.Errorf("expected the source error again, got %v", err)
		}
	})

	t.Run("Close closes the source", func(t *testing.T) {
		pool := newTestPool(t)
		src := &closingReader{Reader: strings.NewReader("abc")}
		in := NewInput(pool, src)
		_, _ = in.ReadByte()
		if err := in.Close(); err != nil {
			t.Fatal(err)
		}
		if !src.closed {
			t.Error("expected the source to be closed")
		}
	})
}

type closingReader struct {
	io.Reader
	closed bool
}

func (r *closingReader) Close() error {
	r.closed = true
	return nil
}
