package position

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 61, 62, 12345678, MaxValue / 2, MaxValue - 1, MaxValue}
	for _, v := range values {
		key := Encode(v)
		if len(key) != KeyLength {
			t.Fatalf("Encode(%d) produced key of length %d", v, len(key))
		}
		decoded, err := Decode(key)
		if err != nil {
			t.Fatalf("Decode(%q): %v", key, err)
		}
		if decoded != v {
			t.Fatalf("round trip %d -> %q -> %d", v, key, decoded)
		}
	}
}

func TestDecodeRejectsMalformedKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "too short", key: "000000001"},
		{name: "too long", key: "00000000011"},
		{name: "empty", key: ""},
		{name: "bad character", key: "00000_0001"},
		{name: "unicode", key: "0000000é1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.key); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestAlphabetIsByteOrdered(t *testing.T) {
	for i := 1; i < len(Alphabet); i++ {
		if Alphabet[i-1] >= Alphabet[i] {
			t.Fatalf("alphabet not strictly increasing at index %d", i)
		}
	}
}

func TestGenerateBetweenMidpoint(t *testing.T) {
	prev := Encode(100)
	next := Encode(200)
	mid, err := GenerateBetween(&prev, &next)
	if err != nil {
		t.Fatalf("GenerateBetween: %v", err)
	}
	if !IsStrictlyBetween(&prev, mid, &next) {
		t.Fatalf("%q not strictly between %q and %q", mid, prev, next)
	}
	if strings.Compare(prev, mid) >= 0 || strings.Compare(mid, next) >= 0 {
		t.Fatalf("lexicographic order violated: %q %q %q", prev, mid, next)
	}
	v, err := Decode(mid)
	if err != nil {
		t.Fatalf("Decode(%q): %v", mid, err)
	}
	if v != 150 {
		t.Fatalf("expected midpoint 150, got %d", v)
	}
}

func TestGenerateBetweenUnbounded(t *testing.T) {
	mid, err := GenerateBetween(nil, nil)
	if err != nil {
		t.Fatalf("GenerateBetween(nil, nil): %v", err)
	}
	if !IsStrictlyBetween(nil, mid, nil) {
		t.Fatalf("%q not strictly inside the key space", mid)
	}
	v, err := Decode(mid)
	if err != nil {
		t.Fatalf("Decode(%q): %v", mid, err)
	}
	if v != MaxValue/2 {
		t.Fatalf("expected %d, got %d", MaxValue/2, v)
	}
}

func TestGenerateBetweenHalfBounded(t *testing.T) {
	anchor := Encode(1000)

	before, err := GenerateBetween(nil, &anchor)
	if err != nil {
		t.Fatalf("GenerateBetween(nil, anchor): %v", err)
	}
	if !IsStrictlyBetween(nil, before, &anchor) {
		t.Fatalf("%q not strictly before %q", before, anchor)
	}

	after, err := GenerateBetween(&anchor, nil)
	if err != nil {
		t.Fatalf("GenerateBetween(anchor, nil): %v", err)
	}
	if !IsStrictlyBetween(&anchor, after, nil) {
		t.Fatalf("%q not strictly after %q", after, anchor)
	}
}

func TestGenerateBetweenAdjacentKeysHasNoSpace(t *testing.T) {
	prev := Encode(500)
	next := Encode(501)
	if _, err := GenerateBetween(&prev, &next); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestGenerateBetweenRejectsOutOfOrderBounds(t *testing.T) {
	prev := Encode(200)
	next := Encode(100)
	if _, err := GenerateBetween(&prev, &next); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for reversed bounds, got %v", err)
	}
	same := Encode(300)
	if _, err := GenerateBetween(&same, &same); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for equal bounds, got %v", err)
	}
}

func TestGenerateBetweenRepeatedInsertsStayOrdered(t *testing.T) {
	// Repeatedly insert at the front half; order must hold until space runs out.
	lower := Encode(0)
	upper := Encode(64)
	for i := 0; i < 10; i++ {
		mid, err := GenerateBetween(&lower, &upper)
		if errors.Is(err, ErrNoSpace) {
			return
		}
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if !IsStrictlyBetween(&lower, mid, &upper) {
			t.Fatalf("attempt %d: %q not between %q and %q", i, mid, lower, upper)
		}
		upper = mid
	}
	t.Fatal("expected the interval to exhaust within 10 halvings")
}
