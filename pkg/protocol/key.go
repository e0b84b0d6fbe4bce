package protocol

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrInvalidPrivateKey = NewError(CodeBadArg1, "invalid private key")
	ErrInvalidPublicKey  = NewError(CodeBadArg1, "invalid public key")
	ErrInvalidCertChain  = NewError(CodeBadArg1, "invalid certificate chain")
)

// LoadPrivateKey loads a P256 EC private key from a file.
func LoadPrivateKey(filename string) (*ecdsa.PrivateKey, error) {
	pemBlock, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(pemBlock)
}

// ParsePrivateKeyPEM decodes a SEC1 ("BEGIN EC PRIVATE KEY") or unencrypted PKCS8 ("BEGIN
// PRIVATE KEY") P256 private key.
func ParsePrivateKeyPEM(pemBlock []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBlock)
	if block == nil {
		return nil, ErrInvalidPrivateKey
	}

	var skey *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		var err error
		if skey, err = x509.ParseECPrivateKey(block.Bytes); err != nil {
			return nil, Wrap(CodeBadArg1, err)
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, Wrap(CodeBadArg1, err)
		}
		var ok bool
		if skey, ok = key.(*ecdsa.PrivateKey); !ok {
			return nil, ErrInvalidPrivateKey
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized PEM block type %s", ErrInvalidPrivateKey, block.Type)
	}
	if skey.Curve != elliptic.P256() {
		return nil, ErrInvalidPrivateKey
	}
	return skey, nil
}

// MarshalPrivateKeyPEM encodes skey as a SEC1 PEM block.
func MarshalPrivateKeyPEM(skey *ecdsa.PrivateKey) ([]byte, error) {
	derKey, err := x509.MarshalECPrivateKey(skey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: derKey}), nil
}

// SavePrivateKey writes skey to filename with owner-only permissions.
func SavePrivateKey(skey *ecdsa.PrivateKey, filename string) error {
	pemKey, err := MarshalPrivateKeyPEM(skey)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, pemKey, 0600)
}

// ParseCertificateChainPEM decodes every CERTIFICATE block in chain, leaf first. Blocks of other
// types are ignored. At least one certificate is required and the leaf must carry a P256 key.
func ParseCertificateChainPEM(chain []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := chain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, Wrap(CodeBadArg1, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidCertChain
	}
	pub, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: leaf certificate does not hold a P256 key", ErrInvalidCertChain)
	}
	return certs, nil
}

// EncodeCertificateChainPEM is the inverse of ParseCertificateChainPEM.
func EncodeCertificateChainPEM(certs []*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// PublicKeyBytes returns the x||y encoding (64 bytes, big endian) of pub.
func PublicKeyBytes(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 64)
	pub.X.FillBytes(out[:32])
	pub.Y.FillBytes(out[32:])
	return out
}

// PublicKeyHex is PublicKeyBytes encoded as hex.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(PublicKeyBytes(pub))
}

// Fingerprint is a short printable identifier for pub: the base58 encoding of the BLAKE2b-256
// digest of PublicKeyBytes.
func Fingerprint(pub *ecdsa.PublicKey) string {
	h := blake2b.Sum256(PublicKeyBytes(pub))
	return base58.Encode(h[:])
}

// SelfSign issues a certificate for skey, signed by skey, valid from notBefore for validity.
func SelfSign(skey *ecdsa.PrivateKey, commonName string, notBefore time.Time, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, Wrap(CodeRNGFailure, err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &skey.PublicKey, skey)
	if err != nil {
		return nil, Wrap(CodeBadArg1, err)
	}
	return x509.ParseCertificate(der)
}
