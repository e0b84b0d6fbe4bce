package mechanism

import (
	"io"

	"github.com/meshbus/peerauth/internal/ecc"
	"github.com/meshbus/peerauth/pkg/credentials"
)

// ephemeral is an ECDHE key share. It is the whole of ANON and the base of the other suites.
type ephemeral struct {
	rand io.Reader
	pub  *ecc.PublicKey
	priv *ecc.PrivateKey
}

func (e *ephemeral) generate() error {
	pub, priv, err := ecc.GenerateKeyPair(e.rand)
	if err != nil {
		return err
	}
	e.pub, e.priv = pub, priv
	return nil
}

func (e *ephemeral) share() *ecc.PublicKey {
	return e.pub
}

func (e *ephemeral) sharedSecret(peer *ecc.PublicKey) ([]byte, error) {
	secret, err := ecc.ECDH(e.priv, peer)
	if err != nil {
		return nil, err
	}
	return secret[:], nil
}

func (e *ephemeral) scrub() {
	if e.priv != nil {
		e.priv.Scrub()
	}
}

// anonymous performs an unauthenticated ECDHE exchange. It protects against passive
// eavesdroppers only.
type anonymous struct {
	ephemeral
}

// NewAnonymous returns an ANON mechanism. It requests no credentials.
func NewAnonymous(cfg Config) (Mechanism, error) {
	return newExchange(NameAnonymous, &anonymous{ephemeral{rand: cfg.Rand}}, cfg), nil
}

func (a *anonymous) mask() credentials.Mask {
	return 0
}

func (a *anonymous) configure(_ *credentials.Credentials, _, _ []byte) error {
	return a.generate()
}

func (a *anonymous) preMaster(peer *ecc.PublicKey) ([]byte, error) {
	return a.sharedSecret(peer)
}
