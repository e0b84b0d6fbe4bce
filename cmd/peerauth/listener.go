package main

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"strings"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/cli"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/mechanism"
	"github.com/meshbus/peerauth/pkg/protocol"
)

// consoleListener answers credential requests from command-line options, optionally prompting for
// missing passwords, and reports outcomes to the terminal.
type consoleListener struct {
	*broker.DefaultListener
	out io.Writer
	// trusted holds fingerprints of accepted certificate keys. When empty every chain is
	// accepted.
	trusted     map[string]bool
	hasIdentity bool
	log         log.Logger
}

var _ broker.SyncListener = (*consoleListener)(nil)

func newConsoleListener(out io.Writer, password string, trusted []string) *consoleListener {
	l := &consoleListener{
		DefaultListener: broker.NewDefaultListener(),
		out:             out,
		trusted:         make(map[string]bool),
		log:             log.Scoped("peerauth"),
	}
	l.setPassword(password)
	for _, fp := range trusted {
		if fp = strings.TrimSpace(fp); fp != "" {
			l.trusted[fp] = true
		}
	}
	return l
}

// setPassword stores password for SPEKE, and for PSK when it is long enough to serve as one.
func (l *consoleListener) setPassword(password string) {
	if err := l.SetPassword([]byte(password)); err != nil {
		l.log.Warning("Ignoring password: %s", err)
	}
	psk := []byte(password)
	if len(psk) < broker.MinPSKSize {
		psk = nil
	}
	l.SetPSK(psk)
}

// enablePrompt asks for a password on the terminal whenever none was configured.
func (l *consoleListener) enablePrompt() {
	l.PasswordFunc = func(req broker.Request) ([]byte, error) {
		password, err := cli.PromptPassword(fmt.Sprintf("%s password for %s (attempt %d)", req.Mechanism, req.Peer, req.Attempt))
		return []byte(password), err
	}
}

func (l *consoleListener) RequestCredentials(req broker.Request, creds *credentials.Credentials) bool {
	if req.Mechanism == mechanism.NameECDSA && !l.hasIdentity {
		l.log.Info("No identity configured for %s", req.Mechanism)
		return false
	}
	return l.DefaultListener.RequestCredentials(req, creds)
}

func (l *consoleListener) VerifyCredentials(mech, peer string, creds *credentials.Credentials) bool {
	if len(l.trusted) == 0 {
		l.log.Warning("Accepting %s certificate from %s without a trust list", mech, peer)
		return true
	}
	chain, err := protocol.ParseCertificateChainPEM(creds.CertChain())
	if err != nil {
		l.log.Warning("Rejecting malformed chain from %s: %s", peer, err)
		return false
	}
	for _, cert := range chain {
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			continue
		}
		if fp := protocol.Fingerprint(pub); l.trusted[fp] {
			l.log.Debug("Trusted %s via %s", peer, fp)
			return true
		}
	}
	l.log.Warning("Rejecting untrusted certificate from %s", peer)
	return false
}

func (l *consoleListener) SecurityViolation(err error, header broker.MessageHeader) {
	l.log.Warning("Security violation (%s/%s): %s", header.Mechanism, header.Type, err)
}

func (l *consoleListener) AuthenticationComplete(mech, peer string, success bool) {
	if success {
		fmt.Fprintf(l.out, "%s: authenticated with %s\n", peer, mech)
	} else {
		fmt.Fprintf(l.out, "%s: authentication failed\n", peer)
	}
}
