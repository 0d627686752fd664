// Package buffer implements the incremental byte store every wire parser reads from.
package buffer

// All asks Peek, Read and Discard for everything currently buffered.
const All = -1

const minCapacity = 512

// Buffer is a growable ring of bytes. Peek, Read and Discard never block and
// never fail on short data; callers check Len before parsing a message.
type Buffer struct {
	ring []byte
	head int
	size int
}

func New() *Buffer {
	return &Buffer{}
}

// NewString returns a buffer holding s.
func NewString(s string) *Buffer {
	b := &Buffer{}
	b.Write([]byte(s))
	return b
}

func (b *Buffer) Len() int {
	return b.size
}

// Write appends p. It always consumes all of p.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.grow(len(p))

	tail := (b.head + b.size) % len(b.ring)
	n := copy(b.ring[tail:], p)
	if n < len(p) {
		copy(b.ring, p[n:])
	}
	b.size += len(p)
	return len(p), nil
}

// Peek returns a copy of up to n leading bytes without consuming them.
func (b *Buffer) Peek(n int) []byte {
	n = b.clamp(n)
	out := make([]byte, n)
	b.copyOut(out)
	return out
}

// Read consumes and returns up to n leading bytes.
func (b *Buffer) Read(n int) []byte {
	out := b.Peek(n)
	b.Discard(len(out))
	return out
}

// Discard drops up to n leading bytes.
func (b *Buffer) Discard(n int) {
	n = b.clamp(n)
	if n == 0 {
		return
	}
	b.head = (b.head + n) % len(b.ring)
	b.size -= n
	if b.size == 0 {
		b.head = 0
	}
}

func (b *Buffer) clamp(n int) int {
	if n < 0 || n > b.size {
		return b.size
	}
	return n
}

func (b *Buffer) copyOut(dst []byte) {
	if len(dst) == 0 {
		return
	}
	n := copy(dst, b.ring[b.head:])
	if n < len(dst) {
		copy(dst[n:], b.ring)
	}
}

func (b *Buffer) grow(extra int) {
	need := b.size + extra
	if need <= len(b.ring) {
		return
	}
	capacity := max(len(b.ring), minCapacity)
	for capacity < need {
		capacity *= 2
	}
	ring := make([]byte, capacity)
	b.copyOut(ring[:b.size])
	b.ring = ring
	b.head = 0
}
