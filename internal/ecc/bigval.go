package ecc

import (
	"github.com/cronokirby/saferith"
)

// Bigval is an unsigned integer of arbitrary size converted to and from big-endian bytes.
type Bigval struct {
	n saferith.Nat
}

// BigvalFromBytes interprets b as a big-endian unsigned integer.
func BigvalFromBytes(b []byte) *Bigval {
	var v Bigval
	v.n.SetBytes(b)
	return &v
}

// Add sets v = x + y. The result is wide enough to hold the carry.
func (v *Bigval) Add(x, y *Bigval) *Bigval {
	v.n.Add(&x.n, &y.n, -1)
	return v
}

// FillBytes writes v big-endian into buf, left-padding with zeros, and returns buf. High-order
// bytes that do not fit are dropped.
func (v *Bigval) FillBytes(buf []byte) []byte {
	return v.n.FillBytes(buf)
}

// Bytes returns the minimal big-endian encoding of v. Zero is encoded as an empty slice.
func (v *Bigval) Bytes() []byte {
	b := v.n.Bytes()
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

// Equal compares two values regardless of their encoded width.
func (v *Bigval) Equal(other *Bigval) bool {
	return v.n.Eq(&other.n) == 1
}
