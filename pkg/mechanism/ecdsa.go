package mechanism

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/meshbus/peerauth/internal/ecc"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/protocol"
)

// certified authenticates both parties with certificate chains. Each side signs the transcript
// with its leaf key; trust in the peer's chain is decided by the application's verifier.
type certified struct {
	ephemeral
	cfg      *Config
	name     string
	key      *ecc.PrivateKey
	chain    []*x509.Certificate
	chainPEM []byte
}

// NewECDSA returns an ECDSA mechanism. The application supplies the CertChain and PrivateKey
// credentials, or accepts the request without them to fall back to Config.Identity.
func NewECDSA(cfg Config) (Mechanism, error) {
	c := &certified{ephemeral: ephemeral{rand: cfg.Rand}, name: NameECDSA}
	e := newExchange(NameECDSA, c, cfg)
	c.cfg = &e.cfg
	return e, nil
}

func (c *certified) mask() credentials.Mask {
	return credentials.CertChain | credentials.PrivateKey | credentials.Expiration
}

func (c *certified) configure(creds *credentials.Credentials, _, _ []byte) error {
	var skey *ecdsa.PrivateKey
	switch {
	case creds != nil && creds.IsSet(credentials.CertChain|credentials.PrivateKey):
		chain, err := protocol.ParseCertificateChainPEM(creds.CertChain())
		if err != nil {
			return err
		}
		if skey, err = protocol.ParsePrivateKeyPEM(creds.PrivateKey()); err != nil {
			return err
		}
		c.chain = chain
	case c.cfg.Identity != nil && c.cfg.Identity.Key != nil && len(c.cfg.Identity.Chain) > 0:
		skey = c.cfg.Identity.Key
		c.chain = c.cfg.Identity.Chain
	default:
		return fmt.Errorf("%w: no certificate chain", ErrCredentialsRefused)
	}

	leaf, ok := c.chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || !leaf.Equal(&skey.PublicKey) {
		return protocol.NewError(protocol.CodeBadArg2, "private key does not match leaf certificate")
	}
	key, err := ecc.PrivateKeyFromECDSA(skey)
	if err != nil {
		return err
	}
	c.key = key
	c.chainPEM = protocol.EncodeCertificateChainPEM(c.chain)
	return c.generate()
}

func (c *certified) preMaster(peer *ecc.PublicKey) ([]byte, error) {
	return c.sharedSecret(peer)
}

func (c *certified) sign(digest []byte) ([]byte, []byte, error) {
	sig, err := ecc.Sign(digest, c.key)
	if err != nil {
		return nil, nil, err
	}
	return c.chainPEM, sig.Bytes(), nil
}

// verifyChain checks that each certificate is signed by its successor and that the leaf is
// currently valid. Anchoring the chain in a trusted root is left to the application.
func (c *certified) verifyChain(chain []*x509.Certificate) error {
	for i := 0; i+1 < len(chain); i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return fmt.Errorf("%w: certificate %d: %s", ErrBadProof, i, err)
		}
	}
	now := c.cfg.now()
	leaf := chain[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("%w: leaf certificate is not valid at %s", ErrBadProof, now.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func (c *certified) verify(ctx context.Context, chainPEM, signature, digest []byte) (*peerCertificate, error) {
	chain, err := protocol.ParseCertificateChainPEM(chainPEM)
	if err != nil {
		return nil, err
	}
	if err := c.verifyChain(chain); err != nil {
		return nil, err
	}
	pub, err := ecc.PublicKeyFromECDSA(chain[0].PublicKey.(*ecdsa.PublicKey))
	if err != nil {
		return nil, err
	}
	var sig ecc.Signature
	if err := sig.Import(signature); err != nil {
		return nil, err
	}
	if !ecc.Verify(digest, pub, &sig) {
		return nil, fmt.Errorf("%w: transcript signature", ErrBadProof)
	}

	if c.cfg.Broker != nil {
		creds := &credentials.Credentials{}
		creds.SetCertChain(chainPEM)
		defer creds.Clear()
		accept, err := c.cfg.Broker.VerifyCredentials(ctx, c.name, c.cfg.Peer, creds)
		if err != nil {
			return nil, err
		}
		if !accept {
			return nil, fmt.Errorf("%w: peer certificate not trusted", ErrCredentialsRefused)
		}
	}

	binding := sha256.Sum256(chain[len(chain)-1].Raw)
	return &peerCertificate{chain: chain, binding: binding[:]}, nil
}

func (c *certified) scrub() {
	c.ephemeral.scrub()
	if c.key != nil {
		c.key.Scrub()
	}
}
