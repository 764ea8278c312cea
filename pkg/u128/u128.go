// Package u128 handles the 128-bit unsigned balances used by the payment
// channel contract. Yocto amounts do not fit native integers, and the ledger
// stores them as fixed-width 16-byte little-endian blobs to stay bit-exact
// with the on-chain and header encodings.
package u128

import (
	"fmt"
	"math/big"
)

// Size is the encoded width of a balance in bytes.
const Size = 16

var max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Max returns the largest representable value (2^128 - 1).
func Max() *big.Int {
	return new(big.Int).Set(max)
}

// Valid reports whether v is inside the u128 range.
func Valid(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(max) <= 0
}

// ToLE encodes v as a 16-byte little-endian blob.
func ToLE(v *big.Int) ([]byte, error) {
	if !Valid(v) {
		return nil, fmt.Errorf("value out of u128 range: %v", v)
	}
	be := v.Bytes()
	out := make([]byte, Size)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out, nil
}

// FromLE decodes a 16-byte little-endian blob into a big.Int.
func FromLE(b []byte) (*big.Int, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("u128 blob must be %d bytes, got %d", Size, len(b))
	}
	be := make([]byte, Size)
	for i, v := range b {
		be[Size-1-i] = v
	}
	return new(big.Int).SetBytes(be), nil
}

// FromString parses a base-10 balance, range-checked.
func FromString(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance: %q", s)
	}
	if !Valid(v) {
		return nil, fmt.Errorf("balance out of u128 range: %q", s)
	}
	return v, nil
}

// Add returns a+b, failing if the sum leaves the u128 range.
func Add(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if !Valid(sum) {
		return nil, fmt.Errorf("u128 overflow: %v + %v", a, b)
	}
	return sum, nil
}
