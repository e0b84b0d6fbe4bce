package mechanism

import (
	"fmt"

	"github.com/meshbus/peerauth/internal/ecc"
	"github.com/meshbus/peerauth/pkg/credentials"
)

// psk binds an ECDHE exchange to a pre-shared key supplied as the password credential.
//
// Deprecated: PSK is retained for compatibility with older peers. Use SPEKE, which does not
// require a high-entropy secret.
type psk struct {
	ephemeral
	key []byte
}

// NewPSK returns a PSK mechanism. The application supplies the key as the Password credential.
func NewPSK(cfg Config) (Mechanism, error) {
	return newExchange(NamePSK, &psk{ephemeral: ephemeral{rand: cfg.Rand}}, cfg), nil
}

func (p *psk) mask() credentials.Mask {
	return credentials.Password | credentials.Expiration
}

func (p *psk) configure(creds *credentials.Credentials, _, _ []byte) error {
	if creds == nil || !creds.IsSet(credentials.Password) {
		return fmt.Errorf("%w: no pre-shared key", ErrCredentialsRefused)
	}
	if len(creds.Password()) < MinPSKSize {
		return fmt.Errorf("%w: pre-shared key must be at least %d bytes", ErrCredentialsRefused, MinPSKSize)
	}
	p.key = append([]byte{}, creds.Password()...)
	return p.generate()
}

func (p *psk) preMaster(peer *ecc.PublicKey) ([]byte, error) {
	shared, err := p.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	defer ecc.Scrub(shared)
	return bindPSK(shared, p.key), nil
}

func (p *psk) scrub() {
	p.ephemeral.scrub()
	ecc.Scrub(p.key)
}
