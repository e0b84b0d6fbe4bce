package ecc

import (
	"crypto/sha256"

	"github.com/meshbus/peerauth/pkg/protocol"
)

// PreMasterSecretSize is the length of the digest produced by DerivePreMasterSecret.
const PreMasterSecretSize = sha256.Size

// DeriveSharedPoint computes priv*peer. The peer key is revalidated since callers may have
// constructed it without going through Import.
func DeriveSharedPoint(priv *PrivateKey, peer *PublicKey) (*Point, error) {
	if priv == nil {
		return nil, protocol.NewError(protocol.CodeBadArg1, "nil private key")
	}
	if peer == nil {
		return nil, protocol.NewError(protocol.CodeBadArg2, "nil peer key")
	}
	if priv.curve != peer.curve {
		return nil, ErrInvalidCurve
	}
	handle, err := Providers.AcquireCurve(priv.curve, PurposeECDH)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	shared, err := ScalarMult(priv, &peer.point)
	if err != nil {
		return nil, err
	}
	return shared, nil
}

// DerivePreMasterSecret hashes the X coordinate of a shared point into a fixed-size secret.
func DerivePreMasterSecret(shared *Point) [PreMasterSecretSize]byte {
	return sha256.Sum256(shared.X[:])
}

// ECDH is DeriveSharedPoint followed by DerivePreMasterSecret.
func ECDH(priv *PrivateKey, peer *PublicKey) ([PreMasterSecretSize]byte, error) {
	shared, err := DeriveSharedPoint(priv, peer)
	if err != nil {
		return [PreMasterSecretSize]byte{}, err
	}
	defer Scrub(shared.X[:])
	return DerivePreMasterSecret(shared), nil
}
