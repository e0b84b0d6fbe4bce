package ecc

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/cronokirby/saferith"

	"github.com/meshbus/peerauth/pkg/protocol"
)

// spekeMaxIterations bounds try-and-increment. Roughly half of all x values are on the curve, so
// exhausting the bound happens with probability 2^-256.
const spekeMaxIterations = 256

// SpekePointFromPassword maps a password and the identifiers of both parties to a curve point. The
// identifiers are ordered lexicographically so both sides derive the same point regardless of
// their role.
func SpekePointFromPassword(password, initiatorID, acceptorID []byte) (*Point, error) {
	return spekePoint(password, initiatorID, acceptorID, make([]byte, sha256.Size))
}

// spekePoint hashes into digest, which must have room for a SHA-256 sum. digest is cleared before
// returning.
func spekePoint(password, initiatorID, acceptorID, digest []byte) (*Point, error) {
	defer Scrub(digest)
	if len(password) == 0 {
		return nil, protocol.NewError(protocol.CodeBadArg1, "empty password")
	}
	first, second := initiatorID, acceptorID
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	var x, y, negY, check saferith.Nat
	for counter := 0; counter < spekeMaxIterations; counter++ {
		h := sha256.New()
		h.Write([]byte{byte(counter)})
		writeLengthValue(h, password)
		writeLengthValue(h, first)
		writeLengthValue(h, second)
		h.Sum(digest[:0])

		x.SetBytes(digest)
		x.Mod(&x, fieldModulus)
		rhs := curveRHS(&x)
		y.ModSqrt(rhs, fieldModulus)
		check.ModMul(&y, &y, fieldModulus)
		if check.Eq(rhs) != 1 {
			continue
		}

		// Use the even root so the point is canonical.
		yBytes := y.FillBytes(make([]byte, CoordinateSize))
		negY.ModSub(zero, &y, fieldModulus)
		y.CondAssign(saferith.Choice(yBytes[CoordinateSize-1]&1), &negY)

		point := pointFromNats(&x, &y)
		if point.Validate() == nil {
			return point, nil
		}
	}
	return nil, ErrNotOnCurve
}

// SpekeKeyPair is an ephemeral key pair whose public point is a multiple of a password-derived
// generator rather than of the curve's base point.
type SpekeKeyPair struct {
	Public  *PublicKey
	private *PrivateKey
}

// GenerateSpekeKeyPair samples a scalar a and returns a*M, where M is derived from password and
// the two identifiers.
func GenerateSpekeKeyPair(rng io.Reader, password, initiatorID, acceptorID []byte) (*SpekeKeyPair, error) {
	generator, err := SpekePointFromPassword(password, initiatorID, acceptorID)
	if err != nil {
		return nil, err
	}
	_, priv, err := GenerateKeyPair(rng)
	if err != nil {
		return nil, err
	}
	blinded, err := ScalarMult(priv, generator)
	if err != nil {
		priv.Scrub()
		return nil, err
	}
	return &SpekeKeyPair{Public: &PublicKey{curve: CurveNISTP256, point: *blinded}, private: priv}, nil
}

// PreMasterSecret derives the shared secret from the peer's blinded point.
func (kp *SpekeKeyPair) PreMasterSecret(peer *PublicKey) ([PreMasterSecretSize]byte, error) {
	return ECDH(kp.private, peer)
}

// Scrub destroys the private scalar.
func (kp *SpekeKeyPair) Scrub() {
	kp.private.Scrub()
}
