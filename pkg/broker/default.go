package broker

import (
	"math"
	"sync"
	"time"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/protocol"
)

// Names of the mechanisms DefaultListener knows how to answer.
const (
	anonymousMechanism = "ANON"
	pskMechanism       = "PSK"
	spekeMechanism     = "SPEKE"
	ecdsaMechanism     = "ECDSA"
)

const (
	// MinPasswordSize is the shortest password accepted for SPEKE.
	MinPasswordSize = 4
	// MinPSKSize is the shortest pre-shared key accepted for PSK.
	MinPSKSize = 16
)

var (
	ErrPasswordTooShort = protocol.NewError(protocol.CodeBadArg2, "password must be empty or at least 4 bytes")
	ErrPSKTooShort      = protocol.NewError(protocol.CodeBadArg2, "pre-shared key must be empty or at least 16 bytes")
)

// DefaultListener answers credential requests for the built-in mechanisms without involving the
// user:
//
//   - ANON is accepted.
//   - SPEKE is answered with the password set by SetPassword, or refused if there is none.
//   - PSK is answered with the key set by SetPSK, or refused if there is none.
//   - ECDSA is accepted without credentials, so that the configured identity is used.
//
// Requests for other mechanisms are refused. Peer credentials are not verified, so every
// certificate chain that checks out cryptographically is accepted.
//
// DefaultListener is safe for concurrent use.
type DefaultListener struct {
	// PasswordFunc, if set, supplies a SPEKE password or PSK when none is stored. It is called on
	// every such request, so a rejected value is asked for again on the next attempt.
	PasswordFunc func(req Request) ([]byte, error)

	mu       sync.RWMutex
	password []byte
	psk      []byte
	lifetime time.Duration
	log      log.Logger
}

var _ CredentialRequester = (*DefaultListener)(nil)

// NewDefaultListener returns a listener that enables ANON and ECDSA. SPEKE is enabled once a
// password is set.
func NewDefaultListener() *DefaultListener {
	return &DefaultListener{log: log.Scoped("listener")}
}

// NewDefaultListenerWithPSK returns a listener that also answers PSK requests with psk.
//
// Deprecated: PSK is deprecated. Use NewDefaultListener and SetPassword to enable SPEKE.
func NewDefaultListenerWithPSK(psk []byte) (*DefaultListener, error) {
	l := NewDefaultListener()
	if err := l.SetPSK(psk); err != nil {
		return nil, err
	}
	return l, nil
}

func replaceSecret(dst *[]byte, value []byte) {
	for i := range *dst {
		(*dst)[i] = 0
	}
	*dst = nil
	if len(value) > 0 {
		*dst = append([]byte{}, value...)
	}
}

// SetPassword replaces the SPEKE password. An empty password clears it.
func (l *DefaultListener) SetPassword(password []byte) error {
	if len(password) != 0 && len(password) < MinPasswordSize {
		return ErrPasswordTooShort
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	replaceSecret(&l.password, password)
	return nil
}

// SetPSK replaces the pre-shared key. An empty key clears it.
//
// Deprecated: PSK is deprecated. Use SetPassword to enable SPEKE.
func (l *DefaultListener) SetPSK(psk []byte) error {
	if len(psk) != 0 && len(psk) < MinPSKSize {
		return ErrPSKTooShort
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	replaceSecret(&l.psk, psk)
	return nil
}

// SetLifetime limits the lifetime of secrets negotiated through this listener. Zero leaves the
// choice to the mechanism.
func (l *DefaultListener) SetLifetime(lifetime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lifetime = lifetime
}

// HasSecret reports whether a password or pre-shared key is stored for mechanism.
func (l *DefaultListener) HasSecret(mechanism string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch mechanism {
	case spekeMechanism:
		return l.password != nil
	case pskMechanism:
		return l.psk != nil
	}
	return false
}

// lifetimeSeconds converts d to the credential encoding, saturating at the largest value.
func lifetimeSeconds(d time.Duration) uint32 {
	seconds := d / time.Second
	if seconds > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(seconds)
}

func (l *DefaultListener) RequestCredentials(req Request, creds *credentials.Credentials) bool {
	l.mu.RLock()
	var secret []byte
	switch req.Mechanism {
	case anonymousMechanism, ecdsaMechanism:
	case spekeMechanism:
		secret = append(secret, l.password...)
	case pskMechanism:
		secret = append(secret, l.psk...)
	default:
		l.mu.RUnlock()
		l.log.Debug("refusing credentials for unknown mechanism %s", req.Mechanism)
		return false
	}
	lifetime := l.lifetime
	l.mu.RUnlock()

	if req.Mechanism == spekeMechanism || req.Mechanism == pskMechanism {
		if len(secret) == 0 && l.PasswordFunc != nil {
			var err error
			if secret, err = l.PasswordFunc(req); err != nil {
				l.log.Warning("could not obtain %s secret for %s: %s", req.Mechanism, req.Peer, err)
				return false
			}
		}
		if len(secret) == 0 {
			l.log.Info("no %s secret for %s", req.Mechanism, req.Peer)
			return false
		}
		creds.SetPassword(secret)
		for i := range secret {
			secret[i] = 0
		}
	}
	if req.Mask&credentials.Expiration != 0 && lifetime > 0 {
		creds.SetExpiration(lifetimeSeconds(lifetime))
	}
	return true
}

// AuthenticationComplete logs the outcome.
func (l *DefaultListener) AuthenticationComplete(mechanism, peer string, success bool) {
	if success {
		l.log.Info("authenticated %s with %s", peer, mechanism)
	} else {
		l.log.Info("authentication of %s failed", peer)
	}
}
