// Package position implements fixed-width, lexicographically ordered sort keys
// used to order tasks within a list without renumbering neighbours on insert.
package position

import (
	"errors"
	"fmt"
	"strings"
)

// Alphabet is ordered by byte value, so plain string comparison of two keys
// agrees with comparison of their decoded values.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// KeyLength is the fixed width of every position key.
const KeyLength = 10

var (
	// ErrNoSpace is returned by GenerateBetween when the two bounds are
	// numerically adjacent and no key fits between them. The caller is
	// expected to rebalance the list and try again.
	ErrNoSpace = errors.New("no space between position keys, rebalance required")

	// ErrInvalidKey wraps all key format violations.
	ErrInvalidKey = errors.New("invalid position key")
)

var base = uint64(len(Alphabet))

// MaxValue is the decoded value of the last key in the key space
// (len(Alphabet)^KeyLength - 1). It fits in a uint64.
var MaxValue = func() uint64 {
	v := uint64(1)
	for i := 0; i < KeyLength; i++ {
		v *= base
	}
	return v - 1
}()

// Decode converts a key to its numeric value.
func Decode(key string) (uint64, error) {
	if len(key) != KeyLength {
		return 0, fmt.Errorf("%w: length %d, want %d", ErrInvalidKey, len(key), KeyLength)
	}
	var value uint64
	for i := 0; i < len(key); i++ {
		digit := strings.IndexByte(Alphabet, key[i])
		if digit < 0 {
			return 0, fmt.Errorf("%w: character %q at index %d", ErrInvalidKey, key[i], i)
		}
		value = value*base + uint64(digit)
	}
	return value, nil
}

// Encode converts a numeric value to its fixed-width key.
func Encode(value uint64) string {
	buf := make([]byte, KeyLength)
	for i := KeyLength - 1; i >= 0; i-- {
		buf[i] = Alphabet[value%base]
		value /= base
	}
	return string(buf)
}

// GenerateBetween returns a key strictly between prev and next. A nil prev
// means the start of the key space, a nil next means the end. It returns
// ErrNoSpace when prev and next are numerically adjacent.
func GenerateBetween(prev, next *string) (string, error) {
	lower := uint64(0)
	upper := MaxValue
	if prev != nil {
		v, err := Decode(*prev)
		if err != nil {
			return "", err
		}
		lower = v
	}
	if next != nil {
		v, err := Decode(*next)
		if err != nil {
			return "", err
		}
		upper = v
	}
	if lower >= upper {
		return "", fmt.Errorf("%w: bounds out of order (%d >= %d)", ErrInvalidKey, lower, upper)
	}
	mid := lower + (upper-lower)/2
	if mid == lower || mid == upper {
		return "", ErrNoSpace
	}
	return Encode(mid), nil
}

// IsStrictlyBetween reports whether mid sorts strictly between prev and next,
// with nil bounds meaning the ends of the key space.
func IsStrictlyBetween(prev *string, mid string, next *string) bool {
	v, err := Decode(mid)
	if err != nil {
		return false
	}
	if prev != nil {
		p, err := Decode(*prev)
		if err != nil || p >= v {
			return false
		}
	} else if v == 0 {
		return false
	}
	if next != nil {
		n, err := Decode(*next)
		if err != nil || v >= n {
			return false
		}
	} else if v == MaxValue {
		return false
	}
	return true
}
