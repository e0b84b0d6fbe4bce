package mechanism

import (
	"fmt"
	"io"

	"github.com/meshbus/peerauth/internal/ecc"
	"github.com/meshbus/peerauth/pkg/credentials"
)

// speke is a password-authenticated key exchange. Key shares are multiples of a generator derived
// from the password and both identifiers, so an observer learns nothing that would let them test
// password guesses offline.
type speke struct {
	rand    io.Reader
	keyPair *ecc.SpekeKeyPair
}

// NewSPEKE returns a SPEKE mechanism. The application supplies the Password credential.
func NewSPEKE(cfg Config) (Mechanism, error) {
	return newExchange(NameSPEKE, &speke{rand: cfg.Rand}, cfg), nil
}

func (s *speke) mask() credentials.Mask {
	return credentials.Password | credentials.Expiration
}

func (s *speke) configure(creds *credentials.Credentials, initiatorID, responderID []byte) error {
	if creds == nil || !creds.IsSet(credentials.Password) {
		return fmt.Errorf("%w: no password", ErrCredentialsRefused)
	}
	password := creds.Password()
	if len(password) < MinPasswordSize {
		return fmt.Errorf("%w: password must be at least %d bytes", ErrCredentialsRefused, MinPasswordSize)
	}
	kp, err := ecc.GenerateSpekeKeyPair(s.rand, password, initiatorID, responderID)
	if err != nil {
		return err
	}
	s.keyPair = kp
	return nil
}

func (s *speke) share() *ecc.PublicKey {
	return s.keyPair.Public
}

func (s *speke) preMaster(peer *ecc.PublicKey) ([]byte, error) {
	secret, err := s.keyPair.PreMasterSecret(peer)
	if err != nil {
		return nil, err
	}
	return secret[:], nil
}

func (s *speke) scrub() {
	if s.keyPair != nil {
		s.keyPair.Scrub()
	}
}
