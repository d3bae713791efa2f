package bitcodec

import (
	"strings"
	"testing"
)

func TestEncodeDecodeInvolution(t *testing.T) {
	cases := []string{
		"",
		"A",
		"COW",
		strings.Repeat("x", 255),
	}
	for _, s := range cases {
		bits, err := Encode(s)
		if err != nil {
			t.Fatalf("Encode(%q): %v", s, err)
		}
		if len(bits) != HeaderBits+8*len(s) {
			t.Fatalf("Encode(%q) len = %d, want %d", s, len(bits), HeaderBits+8*len(s))
		}
		got := Decode(bits)
		if got != s {
			t.Fatalf("Decode(Encode(%q)) = %q", s, got)
		}
	}
}

func TestEncodeValueTooLarge(t *testing.T) {
	_, err := Encode(strings.Repeat("x", 256))
	if err != ErrValueTooLarge {
		t.Fatalf("Encode(256 bytes) error = %v, want ErrValueTooLarge", err)
	}
}

func TestDecodeEmpty(t *testing.T) {
	if got := Decode(nil); got != "" {
		t.Fatalf("Decode(nil) = %q, want empty", got)
	}
}

func TestEncodeInjective(t *testing.T) {
	a, _ := Encode("A")
	b, _ := Encode("B")
	if string(a) == string(b) {
		t.Fatalf("Encode not injective: both %q and %q produced %v", "A", "B", a)
	}
}

func TestHeaderLayout(t *testing.T) {
	bits, err := Encode("A")
	if err != nil {
		t.Fatal(err)
	}
	// 'A' = 0x41 = 01000001, length = 1 = 00000001
	want := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 1, 0, 0, 0, 0, 0, 1}
	if len(bits) != len(want) {
		t.Fatalf("len(bits) = %d, want %d", len(bits), len(want))
	}
	for i := range want {
		if bits[i] != want[i] {
			t.Fatalf("bit %d = %d, want %d", i, bits[i], want[i])
		}
	}
}
