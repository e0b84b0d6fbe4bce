package ecc

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/cronokirby/saferith"
	"github.com/mr-tron/base58"

	"github.com/meshbus/peerauth/pkg/protocol"
)

// PublicKey is a validated P-256 point.
type PublicKey struct {
	curve CurveID
	point Point
}

// PrivateKey is a P-256 scalar in [1, n-1]. Call Scrub once the key is no longer needed.
type PrivateKey struct {
	curve CurveID
	d     [CoordinateSize]byte
}

// GenerateKeyPair samples a private scalar from rng (crypto/rand if nil) and derives the matching
// public key.
func GenerateKeyPair(rng io.Reader) (*PublicKey, *PrivateKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	d, err := randomScalar(rng)
	if err != nil {
		return nil, nil, err
	}
	priv := &PrivateKey{curve: CurveNISTP256, d: d}
	pub := priv.Public()
	if err := pub.point.Validate(); err != nil {
		priv.Scrub()
		return nil, nil, err
	}
	return pub, priv, nil
}

// NewPublicKey returns the public key for a point after validating it.
func NewPublicKey(p *Point) (*PublicKey, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &PublicKey{curve: CurveNISTP256, point: *p}, nil
}

// PublicKeyFromECDSA converts a crypto/ecdsa key.
func PublicKeyFromECDSA(pub *ecdsa.PublicKey) (*PublicKey, error) {
	if pub == nil || pub.Curve != p256 {
		return nil, ErrInvalidCurve
	}
	return NewPublicKey(pointFromBig(pub.X, pub.Y))
}

// Curve returns the curve of the key.
func (k *PublicKey) Curve() CurveID {
	return k.curve
}

// Point returns a copy of the underlying point.
func (k *PublicKey) Point() Point {
	return k.point
}

// Bytes returns the x||y encoding.
func (k *PublicKey) Bytes() []byte {
	return k.point.Bytes()
}

// Equal compares two public keys.
func (k *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && k.curve == other.curve && k.point.Equal(&other.point)
}

// Import replaces the key with the x||y encoded point in buf. On error the key is unchanged.
func (k *PublicKey) Import(buf []byte) error {
	if buf == nil {
		return protocol.NewError(protocol.CodeBadArg1, "nil public key buffer")
	}
	if len(buf) != PointSize {
		return protocol.NewError(protocol.CodeBadArg2, "public key must be 64 bytes")
	}
	var p Point
	copy(p.X[:], buf[:CoordinateSize])
	copy(p.Y[:], buf[CoordinateSize:])
	if err := p.Validate(); err != nil {
		return err
	}
	k.curve = CurveNISTP256
	k.point = p
	return nil
}

// ImportXY is like Import but takes the coordinates separately.
func (k *PublicKey) ImportXY(x, y []byte) error {
	switch {
	case x == nil:
		return protocol.NewError(protocol.CodeBadArg1, "nil x coordinate")
	case len(x) != CoordinateSize:
		return protocol.NewError(protocol.CodeBadArg2, "x coordinate must be 32 bytes")
	case y == nil:
		return protocol.NewError(protocol.CodeBadArg3, "nil y coordinate")
	case len(y) != CoordinateSize:
		return protocol.NewError(protocol.CodeBadArg4, "y coordinate must be 32 bytes")
	}
	buf := make([]byte, 0, PointSize)
	return k.Import(append(append(buf, x...), y...))
}

// Export writes x||y into buf and returns the number of bytes written. If buf is too short, the
// returned error has code BufferTooSmall and the required size is returned.
func (k *PublicKey) Export(buf []byte) (int, error) {
	return exportFixed(buf, k.point.Bytes())
}

// ECDSA converts k into a crypto/ecdsa key.
func (k *PublicKey) ECDSA() *ecdsa.PublicKey {
	x, y := k.point.bigInts()
	return &ecdsa.PublicKey{Curve: p256, X: x, Y: y}
}

// Fingerprint returns a short, printable digest of the key suitable for logs and UIs.
func (k *PublicKey) Fingerprint() string {
	digest := sha256.Sum256(k.Bytes())
	return base58.Encode(digest[:16])
}

// PrivateKeyFromECDSA converts a crypto/ecdsa key.
func PrivateKeyFromECDSA(skey *ecdsa.PrivateKey) (*PrivateKey, error) {
	if skey == nil || skey.Curve != p256 {
		return nil, ErrInvalidCurve
	}
	var buf [CoordinateSize]byte
	skey.D.FillBytes(buf[:])
	var k PrivateKey
	if err := k.Import(buf[:]); err != nil {
		return nil, err
	}
	return &k, nil
}

// Import replaces the key with the big-endian scalar in buf. On error the key is unchanged.
func (k *PrivateKey) Import(buf []byte) error {
	if buf == nil {
		return protocol.NewError(protocol.CodeBadArg1, "nil private key buffer")
	}
	if len(buf) != CoordinateSize {
		return protocol.NewError(protocol.CodeBadArg2, "private key must be 32 bytes")
	}
	var d saferith.Nat
	d.SetBytes(buf)
	if scalarInRange(&d) != 1 {
		return ErrScalarRange
	}
	k.curve = CurveNISTP256
	copy(k.d[:], buf)
	return nil
}

// Export writes the scalar into buf.
func (k *PrivateKey) Export(buf []byte) (int, error) {
	return exportFixed(buf, k.d[:])
}

// Public derives the public key d*G.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{curve: k.curve, point: *scalarBaseMult(k.d[:])}
}

// Equal compares scalars in constant time.
func (k *PrivateKey) Equal(other *PrivateKey) bool {
	return other != nil && subtle.ConstantTimeCompare(k.d[:], other.d[:]) == 1
}

// Scrub zeroes the scalar.
func (k *PrivateKey) Scrub() {
	Scrub(k.d[:])
}

// Scrub zeroes buf.
func Scrub(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

func exportFixed(buf, value []byte) (int, error) {
	if buf == nil {
		return 0, protocol.NewError(protocol.CodeBadArg1, "nil output buffer")
	}
	if len(buf) < len(value) {
		return len(value), &protocol.Error{Code: protocol.CodeBufferTooSmall, Size: len(value)}
	}
	return copy(buf, value), nil
}
