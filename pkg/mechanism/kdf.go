package mechanism

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/meshbus/peerauth/internal/ecc"
	"github.com/meshbus/peerauth/pkg/protocol"
)

var masterSecretInfo = []byte("master secret")

// deriveMasterSecret expands a pre-master secret into a master secret bound to both nonces.
func deriveMasterSecret(preMaster, initiatorNonce, responderNonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(initiatorNonce)+len(responderNonce))
	salt = append(salt, initiatorNonce...)
	salt = append(salt, responderNonce...)
	master := make([]byte, MasterSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, preMaster, salt, masterSecretInfo), master); err != nil {
		return nil, protocol.Wrap(protocol.CodeResource, err)
	}
	return master, nil
}

// bindPSK mixes a pre-shared key into an ECDH pre-master secret.
func bindPSK(preMaster, psk []byte) []byte {
	return hkdf.Extract(sha256.New, preMaster, psk)
}

// proofMAC computes the key confirmation value sent by role.
func proofMAC(master, digest []byte, role Role) ([]byte, error) {
	return ecc.HMAC(ecc.SHA256, master, digest, role.label())
}

func verifyMAC(master, digest []byte, role Role, mac []byte) (bool, error) {
	expected, err := proofMAC(master, digest, role)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, mac), nil
}
