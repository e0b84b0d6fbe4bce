package ecc

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/cronokirby/saferith"

	"github.com/meshbus/peerauth/pkg/protocol"
)

// SignatureSize is the length of a packed r||s signature.
const SignatureSize = 2 * CoordinateSize

var ErrSigningFailed = protocol.NewError(protocol.CodeResource, "could not produce signature")

// Signature is an ECDSA signature.
type Signature struct {
	r [CoordinateSize]byte
	s [CoordinateSize]byte
}

// Import replaces the signature with a packed r||s buffer.
func (sig *Signature) Import(rs []byte) error {
	if rs == nil {
		return protocol.NewError(protocol.CodeBadArg1, "nil signature buffer")
	}
	if len(rs) != SignatureSize {
		return protocol.NewError(protocol.CodeBadArg2, "signature must be 64 bytes")
	}
	copy(sig.r[:], rs[:CoordinateSize])
	copy(sig.s[:], rs[CoordinateSize:])
	return nil
}

// ImportRS replaces the signature with separately encoded r and s values.
func (sig *Signature) ImportRS(r, s []byte) error {
	switch {
	case r == nil:
		return protocol.NewError(protocol.CodeBadArg1, "nil r")
	case len(r) != CoordinateSize:
		return protocol.NewError(protocol.CodeBadArg2, "r must be 32 bytes")
	case s == nil:
		return protocol.NewError(protocol.CodeBadArg3, "nil s")
	case len(s) != CoordinateSize:
		return protocol.NewError(protocol.CodeBadArg4, "s must be 32 bytes")
	}
	copy(sig.r[:], r)
	copy(sig.s[:], s)
	return nil
}

// Export writes r||s into buf.
func (sig *Signature) Export(buf []byte) (int, error) {
	return exportFixed(buf, sig.Bytes())
}

// ExportRS writes r and s into separate buffers.
func (sig *Signature) ExportRS(r, s []byte) error {
	switch {
	case r == nil:
		return protocol.NewError(protocol.CodeBadArg1, "nil r")
	case len(r) < CoordinateSize:
		return &protocol.Error{Code: protocol.CodeBufferTooSmall, Info: "r", Size: CoordinateSize}
	case s == nil:
		return protocol.NewError(protocol.CodeBadArg3, "nil s")
	case len(s) < CoordinateSize:
		return &protocol.Error{Code: protocol.CodeBufferTooSmall, Info: "s", Size: CoordinateSize}
	}
	copy(r, sig.r[:])
	copy(s, sig.s[:])
	return nil
}

// Bytes returns r||s.
func (sig *Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureSize)
	out = append(out, sig.r[:]...)
	return append(out, sig.s[:]...)
}

// digestToScalarBytes applies bits2int for a 256-bit order: longer digests keep their leftmost 32
// bytes and shorter digests are left-padded with zeros.
func digestToScalarBytes(digest []byte) [CoordinateSize]byte {
	var out [CoordinateSize]byte
	if len(digest) >= CoordinateSize {
		copy(out[:], digest[:CoordinateSize])
	} else {
		copy(out[CoordinateSize-len(digest):], digest)
	}
	return out
}

// deterministicNonce implements RFC 6979 for P-256 with HMAC-SHA256.
func deterministicNonce(scalar []byte, messageHash [sha256.Size]byte) []byte {
	var asInt saferith.Nat

	// Steps refer to RFC 6979 Section 3.2. hlen = qlen = 256 bits.

	k := make([]byte, sha256.Size)
	v := make([]byte, sha256.Size)
	for i := 0; i < len(k); i++ {
		// Step (b)
		v[i] = 0x01
		// Step (c)
		k[i] = 0x00
	}

	// h1 = bits2octets(messageHash)
	asInt.SetBytes(messageHash[:])
	asInt.Mod(&asInt, orderModulus)
	h1 := asInt.FillBytes(make([]byte, sha256.Size))

	// Step (d): K = HMAC_K(V || 0x00 || x || h1)
	h := hmac.New(sha256.New, k)
	h.Write(v)
	h.Write([]byte{0x00})
	h.Write(scalar)
	h.Write(h1)
	k = h.Sum(nil)

	// Step (e): V = HMAC_K(V)
	h = hmac.New(sha256.New, k)
	h.Write(v)
	v = h.Sum(nil)

	// Step (f): K = HMAC_K(V || 0x01 || x || h1)
	h.Reset()
	h.Write(v)
	h.Write([]byte{0x01})
	h.Write(scalar)
	h.Write(h1)
	k = h.Sum(nil)

	// Step (g): V = HMAC_K(V)
	h = hmac.New(sha256.New, k)
	h.Write(v)
	v = h.Sum(nil)

	// Step (h)
	var nonce saferith.Nat
	for {
		h.Reset()
		h.Write(v)
		v = h.Sum(nil)

		nonce.SetBytes(v)
		if scalarInRange(&nonce) == 1 {
			return v
		}

		// K = HMAC_K(V || 0x00), V = HMAC_K(V)
		h.Reset()
		h.Write(v)
		h.Write([]byte{0x00})
		k = h.Sum(nil)

		h = hmac.New(sha256.New, k)
		h.Write(v)
		v = h.Sum(nil)
	}
}

// Sign produces an ECDSA signature over digest with a deterministic nonce.
func Sign(digest []byte, priv *PrivateKey) (*Signature, error) {
	if len(digest) == 0 {
		return nil, protocol.NewError(protocol.CodeBadArg1, "empty digest")
	}
	if priv == nil {
		return nil, protocol.NewError(protocol.CodeBadArg2, "nil private key")
	}
	handle, err := Providers.AcquireCurve(priv.curve, PurposeECDSA)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	e := digestToScalarBytes(digest)
	k := deterministicNonce(priv.d[:], e)
	defer Scrub(k)
	kG := scalarBaseMult(k)

	var r, s, kNat, eNat, d saferith.Nat
	r.SetBytes(kG.X[:])
	r.Mod(&r, orderModulus)
	if r.EqZero() == 1 {
		return nil, ErrSigningFailed
	}
	kNat.SetBytes(k)
	eNat.SetBytes(e[:])
	d.SetBytes(priv.d[:])

	// s = k^-1 * (e + r*d) mod n
	s.ModMul(&r, &d, orderModulus)
	s.ModAdd(&s, &eNat, orderModulus)
	kInv := new(saferith.Nat).ModInverse(&kNat, orderModulus)
	s.ModMul(&s, kInv, orderModulus)
	if s.EqZero() == 1 {
		return nil, ErrSigningFailed
	}

	var sig Signature
	r.FillBytes(sig.r[:])
	s.FillBytes(sig.s[:])
	return &sig, nil
}

// Verify checks sig against digest and pub. Malformed inputs yield false.
func Verify(digest []byte, pub *PublicKey, sig *Signature) bool {
	if len(digest) == 0 || pub == nil || sig == nil {
		return false
	}
	if pub.point.Validate() != nil {
		return false
	}
	handle, err := Providers.AcquireCurve(pub.curve, PurposeECDSA)
	if err != nil {
		return false
	}
	defer handle.Release()

	var r, s saferith.Nat
	r.SetBytes(sig.r[:])
	s.SetBytes(sig.s[:])
	if scalarInRange(&r)&scalarInRange(&s) != 1 {
		return false
	}
	e := digestToScalarBytes(digest)
	var eNat saferith.Nat
	eNat.SetBytes(e[:])

	w := new(saferith.Nat).ModInverse(&s, orderModulus)
	u1 := new(saferith.Nat).ModMul(&eNat, w, orderModulus)
	u2 := new(saferith.Nat).ModMul(&r, w, orderModulus)

	x1, y1 := p256.ScalarBaseMult(u1.FillBytes(make([]byte, CoordinateSize)))
	qx, qy := pub.point.bigInts()
	x2, y2 := p256.ScalarMult(qx, qy, u2.FillBytes(make([]byte, CoordinateSize)))
	x, y := p256.Add(x1, y1, x2, y2)
	if x.Sign() == 0 && y.Sign() == 0 {
		return false
	}
	var v saferith.Nat
	v.SetBytes(x.Bytes())
	v.Mod(&v, orderModulus)
	return v.Eq(&r) == 1
}
