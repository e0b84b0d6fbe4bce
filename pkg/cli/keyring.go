package cli

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/meshbus/peerauth/pkg/protocol"
)

const (
	keyringServiceName = "io.meshbus.peerauth"
	keyringKeyService  = "identityKey"
	keyringCertService = "identityCert"
	keyringDirectory   = "~/.peerauth_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage '%s'", v)
}

// PromptPassword reads a password without echo from the terminal attached to stdin.
func PromptPassword(prompt string) (string, error) {
	var w io.Writer
	switch {
	case term.IsTerminal(int(os.Stdout.Fd())):
		w = os.Stdout
	case term.IsTerminal(int(os.Stderr.Fd())):
		w = os.Stderr
	default:
		return "", fmt.Errorf("no terminal output available for password prompt")
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	password, err := PromptPassword(prompt)
	if err != nil {
		return "", err
	}
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	if c.Debug {
		keyring.Debug = true
	}
	return keyring.Open(c.Backend)
}

func (c *Config) keyItemName() string {
	return keyringKeyService + "." + c.KeyringKeyName
}

func (c *Config) certItemName() string {
	return keyringCertService + "." + c.KeyringKeyName
}

// LoadIdentityFromKeyring reads an identity key and, if present, its certificate chain from the
// system keyring.
//
// The name c.KeyringKeyName is an arbitrary string that identifies the identity.
func (c *Config) LoadIdentityFromKeyring() (*ecdsa.PrivateKey, []*x509.Certificate, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, nil, err
	}
	item, err := kr.Get(c.keyItemName())
	if err != nil {
		return nil, nil, fmt.Errorf("could not load key: %w", err)
	}
	skey, err := protocol.ParsePrivateKeyPEM(item.Data)
	if err != nil {
		return nil, nil, err
	}
	item, err = kr.Get(c.certItemName())
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return skey, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not load certificate: %w", err)
	}
	chain, err := protocol.ParseCertificateChainPEM(item.Data)
	if err != nil {
		return nil, nil, err
	}
	return skey, chain, nil
}

// saveIdentityToKeyring writes a private key and certificate chain to the system keyring.
func (c *Config) saveIdentityToKeyring(skey *ecdsa.PrivateKey, chain []*x509.Certificate) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	keyPEM, err := protocol.MarshalPrivateKeyPEM(skey)
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:         c.keyItemName(),
		Data:        keyPEM,
		Label:       "peerauth identity key",
		Description: protocol.Fingerprint(&skey.PublicKey),
	}); err != nil {
		return fmt.Errorf("failed to enroll key in keyring: %s", err)
	}
	if len(chain) == 0 {
		return nil
	}
	if err := kr.Set(keyring.Item{
		Key:  c.certItemName(),
		Data: protocol.EncodeCertificateChainPEM(chain),
	}); err != nil {
		return fmt.Errorf("failed to enroll certificate in keyring: %s", err)
	}
	return nil
}

// DeleteIdentity removes the identity key and certificate from the system keyring.
func (c *Config) DeleteIdentity() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Remove(c.certItemName()); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return kr.Remove(c.keyItemName())
}
