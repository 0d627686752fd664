package buffer

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

const testString = "No pop no style, I strictly roots."

func TestReadAll(t *testing.T) {
	b := NewString(testString)
	if got := string(b.Read(All)); got != testString {
		t.Fatalf("expected %q, but got %q", testString, got)
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, but got %d bytes", b.Len())
	}
}

func TestReadByteByByte(t *testing.T) {
	b := NewString(testString)
	for i := 0; i < len(testString); i++ {
		if got := b.Read(1); len(got) != 1 || got[0] != testString[i] {
			t.Fatalf("byte %d: expected %q, but got %q", i, testString[i], got)
		}
	}
}

func TestBigRead(t *testing.T) {
	b := NewString(testString)
	if got := string(b.Read(666)); got != testString {
		t.Fatalf("expected %q, but got %q", testString, got)
	}
}

func TestPeek(t *testing.T) {
	b := NewString(testString)
	if got := string(b.Peek(All)); got != testString {
		t.Fatalf("expected %q, but got %q", testString, got)
	}
	if b.Len() != len(testString) {
		t.Fatalf("peek changed length: expected %d, but got %d", len(testString), b.Len())
	}
	if got := string(b.Read(All)); got != testString {
		t.Fatalf("expected %q, but got %q", testString, got)
	}
}

func TestDiscard(t *testing.T) {
	b := NewString(testString)
	b.Discard(All)
	if b.Len() != 0 || len(b.Read(All)) != 0 {
		t.Fatalf("expected empty buffer after discard, but got %d bytes", b.Len())
	}

	b = NewString(testString)
	b.Discard(len(testString) - 1)
	if got := string(b.Peek(All)); got != "." {
		t.Fatalf("expected %q, but got %q", ".", got)
	}
	if b.Len() != 1 {
		t.Fatalf("expected length 1, but got %d", b.Len())
	}
}

func TestEmptyOperations(t *testing.T) {
	b := New()
	if len(b.Peek(10)) != 0 || len(b.Read(10)) != 0 {
		t.Fatalf("expected nothing from an empty buffer")
	}
	b.Discard(10)
	if b.Len() != 0 {
		t.Fatalf("expected length 0, but got %d", b.Len())
	}
}

// Interleaves writes with partial reads so the ring wraps and grows.
func TestWrapAndGrow(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := New()
	var want []byte

	for i := 0; i < 2000; i++ {
		chunk := make([]byte, rng.IntN(700))
		for j := range chunk {
			chunk[j] = byte(rng.Uint32())
		}
		b.Write(chunk)
		want = append(want, chunk...)

		switch rng.IntN(3) {
		case 0:
			n := rng.IntN(800)
			got := b.Read(n)
			exp := want[:min(n, len(want))]
			if !bytes.Equal(got, exp) {
				t.Fatalf("round %d: read %d mismatched", i, n)
			}
			want = want[len(exp):]
		case 1:
			before := b.Len()
			n := rng.IntN(800)
			b.Discard(n)
			if b.Len() != before-min(n, before) {
				t.Fatalf("round %d: discard %d expected length %d, but got %d", i, n, before-min(n, before), b.Len())
			}
			want = want[min(n, len(want)):]
		default:
			before := b.Len()
			if !bytes.Equal(b.Peek(All), want) {
				t.Fatalf("round %d: peek mismatched", i)
			}
			if b.Len() != before {
				t.Fatalf("round %d: peek changed length", i)
			}
		}
	}

	if !bytes.Equal(b.Read(All), want) {
		t.Fatalf("final read mismatched")
	}
}

func TestConcatenation(t *testing.T) {
	b := New()
	writes := []string{"a", "", "bc", "defg", testString}
	var want string
	for _, w := range writes {
		b.Write([]byte(w))
		want += w
	}
	if got := string(b.Read(All)); got != want {
		t.Fatalf("expected %q, but got %q", want, got)
	}
}
