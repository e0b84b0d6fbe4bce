// Package ecc implements the elliptic-curve primitives used by the authentication mechanisms:
// key generation, point validation, ECDH, ECDSA and the password-to-point map used by SPEKE.
//
// Only NIST P-256 is supported. Field and scalar arithmetic that touches secret values is
// performed with constant-time saferith operations. Scalar multiplication is delegated to
// crypto/elliptic, whose P-256 implementation is constant time, after the input point has been
// validated.
package ecc

import (
	"crypto/elliptic"
	"io"
	"math/big"

	"github.com/cronokirby/saferith"

	"github.com/meshbus/peerauth/pkg/protocol"
)

// CurveID identifies a named curve.
type CurveID uint8

const (
	// CurveNISTP256 is the only curve supported by this package.
	CurveNISTP256 CurveID = 0
)

func (c CurveID) String() string {
	if c == CurveNISTP256 {
		return "P-256"
	}
	return "unknown"
}

const (
	// CoordinateSize is the length of a big-endian field element or scalar.
	CoordinateSize = 32
	// PointSize is the length of an x||y encoded point.
	PointSize = 2 * CoordinateSize
)

var (
	p256         = elliptic.P256()
	fieldModulus = saferith.ModulusFromBytes(p256.Params().P.Bytes())
	orderModulus = saferith.ModulusFromBytes(p256.Params().N.Bytes())
	curveB       = new(saferith.Nat).SetBytes(p256.Params().B.Bytes())
	three        = new(saferith.Nat).SetUint64(3)
	zero         = new(saferith.Nat).SetUint64(0)
)

var (
	ErrNotOnCurve   = protocol.NewError(protocol.CodeNotOnCurve, "point is not on curve")
	ErrIdentity     = protocol.NewError(protocol.CodeNotOnCurve, "point at infinity")
	ErrInvalidCurve = protocol.NewError(protocol.CodeBadArg1, "unsupported curve")
	ErrScalarRange  = protocol.NewError(protocol.CodeBadArg1, "scalar out of range")
)

// Point is an affine point with big-endian coordinates. The zero value is the point at infinity.
type Point struct {
	X [CoordinateSize]byte
	Y [CoordinateSize]byte
}

// Bytes returns x||y.
func (p *Point) Bytes() []byte {
	out := make([]byte, 0, PointSize)
	out = append(out, p.X[:]...)
	return append(out, p.Y[:]...)
}

// IsIdentity returns true if p is the point at infinity.
func (p *Point) IsIdentity() bool {
	var acc byte
	for i := 0; i < CoordinateSize; i++ {
		acc |= p.X[i] | p.Y[i]
	}
	return acc == 0
}

// Equal compares two points.
func (p *Point) Equal(q *Point) bool {
	return p.X == q.X && p.Y == q.Y
}

func (p *Point) bigInts() (*big.Int, *big.Int) {
	return new(big.Int).SetBytes(p.X[:]), new(big.Int).SetBytes(p.Y[:])
}

func pointFromBig(x, y *big.Int) *Point {
	var p Point
	x.FillBytes(p.X[:])
	y.FillBytes(p.Y[:])
	return &p
}

func pointFromNats(x, y *saferith.Nat) *Point {
	var p Point
	x.FillBytes(p.X[:])
	y.FillBytes(p.Y[:])
	return &p
}

// curveRHS returns x^3 - 3x + b mod p.
func curveRHS(x *saferith.Nat) *saferith.Nat {
	x3 := new(saferith.Nat).ModMul(x, x, fieldModulus)
	x3.ModMul(x3, x, fieldModulus)
	threeX := new(saferith.Nat).ModMul(three, x, fieldModulus)
	rhs := new(saferith.Nat).ModSub(x3, threeX, fieldModulus)
	return rhs.ModAdd(rhs, curveB, fieldModulus)
}

// onCurve reports whether both coordinates are reduced and satisfy the curve equation. The check
// does not branch on coordinate values.
func onCurve(p *Point) bool {
	var x, y saferith.Nat
	x.SetBytes(p.X[:])
	y.SetBytes(p.Y[:])
	_, _, xReduced := x.CmpMod(fieldModulus)
	_, _, yReduced := y.CmpMod(fieldModulus)
	lhs := new(saferith.Nat).ModMul(&y, &y, fieldModulus)
	matches := lhs.Eq(curveRHS(&x))
	return xReduced&yReduced&matches == 1
}

// Validate returns an error if p is the identity or does not lie on the curve. P-256 has cofactor
// one, so every other valid point generates the full group.
func (p *Point) Validate() error {
	if p.IsIdentity() {
		return ErrIdentity
	}
	if !onCurve(p) {
		return ErrNotOnCurve
	}
	return nil
}

// scalarInRange returns 1 if 0 < k < n.
func scalarInRange(k *saferith.Nat) saferith.Choice {
	_, _, lt := k.CmpMod(orderModulus)
	return lt & (1 ^ k.EqZero())
}

// randomScalar samples a scalar uniformly from [1, n-1] by rejection.
func randomScalar(rng io.Reader) ([CoordinateSize]byte, error) {
	var buf [CoordinateSize]byte
	var k saferith.Nat
	// The probability that a single sample is rejected is below 2^-32.
	for i := 0; i < 64; i++ {
		if _, err := io.ReadFull(rng, buf[:]); err != nil {
			return buf, protocol.Wrap(protocol.CodeRNGFailure, err)
		}
		k.SetBytes(buf[:])
		if scalarInRange(&k) == 1 {
			return buf, nil
		}
	}
	return buf, protocol.NewError(protocol.CodeRNGFailure, "random source produced no valid scalar")
}

// scalarMult returns k*P. P must have been validated.
func scalarMult(k []byte, p *Point) *Point {
	x, y := p.bigInts()
	rx, ry := p256.ScalarMult(x, y, k)
	return pointFromBig(rx, ry)
}

func scalarBaseMult(k []byte) *Point {
	return pointFromBig(p256.ScalarBaseMult(k))
}

// ScalarMult multiplies p by a scalar. It is exposed for mechanisms that blind a
// password-derived generator.
func ScalarMult(k *PrivateKey, p *Point) (*Point, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := scalarMult(k.d[:], p)
	if out.IsIdentity() {
		return nil, ErrIdentity
	}
	return out, nil
}

func writeLengthValue(w io.Writer, buf []byte) {
	v := uint32(len(buf))
	w.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	w.Write(buf)
}
