package protocol

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	skey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return skey
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	skey := newTestKey(t, elliptic.P256())
	filename := filepath.Join(t.TempDir(), "private.pem")
	if err := SavePrivateKey(skey, filename); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Unexpected file mode %v", info.Mode())
	}
	loaded, err := LoadPrivateKey(filename)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Equal(skey) {
		t.Error("Loaded key does not match saved key")
	}
}

func TestParsePrivateKeyPEM(t *testing.T) {
	p256 := newTestKey(t, elliptic.P256())
	p384 := newTestKey(t, elliptic.P384())

	sec1, err := MarshalPrivateKeyPEM(p256)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8DER, err := x509.MarshalPKCS8PrivateKey(p256)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8DER})
	wrongCurveDER, err := x509.MarshalECPrivateKey(p384)
	if err != nil {
		t.Fatal(err)
	}
	wrongCurve := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: wrongCurveDER})

	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"sec1", sec1, true},
		{"pkcs8", pkcs8, true},
		{"p384", wrongCurve, false},
		{"garbage", []byte("not a key"), false},
		{"wrong type", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte{1}}), false},
		{"truncated", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{1, 2, 3}}), false},
	}
	for _, test := range tests {
		skey, err := ParsePrivateKeyPEM(test.data)
		if test.ok {
			if err != nil {
				t.Errorf("%s: unexpected error %s", test.name, err)
			} else if !skey.Equal(p256) {
				t.Errorf("%s: wrong key", test.name)
			}
		} else if err == nil {
			t.Errorf("%s: expected error", test.name)
		} else if CodeOf(err) != CodeBadArg1 {
			t.Errorf("%s: expected BadArg1 but got %s", test.name, err)
		}
	}
}

func selfSigned(t *testing.T, skey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &skey.PublicKey, skey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestCertificateChainPEM(t *testing.T) {
	skey := newTestKey(t, elliptic.P256())
	cert := selfSigned(t, skey)
	chain := EncodeCertificateChainPEM([]*x509.Certificate{cert, cert})
	certs, err := ParseCertificateChainPEM(chain)
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) != 2 {
		t.Fatalf("Expected 2 certificates, got %d", len(certs))
	}
	if _, err := ParseCertificateChainPEM(nil); !errors.Is(err, ErrInvalidCertChain) {
		t.Errorf("Expected ErrInvalidCertChain, got %v", err)
	}
	p384Cert := selfSigned(t, newTestKey(t, elliptic.P384()))
	if _, err := ParseCertificateChainPEM(EncodeCertificateChainPEM([]*x509.Certificate{p384Cert})); err == nil {
		t.Error("Expected P384 leaf to be rejected")
	}
}

func TestPublicKeyBytes(t *testing.T) {
	skey := newTestKey(t, elliptic.P256())
	encoded := PublicKeyBytes(&skey.PublicKey)
	if len(encoded) != 64 {
		t.Fatalf("Unexpected length %d", len(encoded))
	}
	x := new(big.Int).SetBytes(encoded[:32])
	y := new(big.Int).SetBytes(encoded[32:])
	if x.Cmp(skey.X) != 0 || y.Cmp(skey.Y) != 0 {
		t.Error("Encoding does not match key coordinates")
	}
	if len(PublicKeyHex(&skey.PublicKey)) != 128 {
		t.Error("Unexpected hex length")
	}
}

func TestFingerprint(t *testing.T) {
	a := newTestKey(t, elliptic.P256())
	b := newTestKey(t, elliptic.P256())
	fa := Fingerprint(&a.PublicKey)
	if fa != Fingerprint(&a.PublicKey) {
		t.Error("fingerprint is not deterministic")
	}
	if fa == Fingerprint(&b.PublicKey) {
		t.Error("distinct keys share a fingerprint")
	}
	if len(fa) < 40 || len(fa) > 44 {
		t.Errorf("unexpected fingerprint length %d: %s", len(fa), fa)
	}
}

func TestSelfSign(t *testing.T) {
	skey := newTestKey(t, elliptic.P256())
	now := time.Now().Truncate(time.Second)
	cert, err := SelfSign(skey, "node-a", now, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "node-a" {
		t.Errorf("common name %q", cert.Subject.CommonName)
	}
	if !cert.NotAfter.Equal(now.Add(time.Hour)) {
		t.Errorf("not after %s", cert.NotAfter)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		t.Errorf("certificate is not self-signed: %s", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&skey.PublicKey) {
		t.Error("certificate does not carry the signing key")
	}
}
