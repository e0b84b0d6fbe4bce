package mechanism

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/meshbus/peerauth/internal/wire"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/protocol"
)

// testListener answers credential requests synchronously from fixed values.
type testListener struct {
	password   []byte
	chain      []byte
	key        []byte
	expiration uint32
	refuse     bool
	distrust   bool

	mu         sync.Mutex
	requests   []broker.Request
	verified   [][]byte
	violations []error
}

func (l *testListener) AuthenticationComplete(string, string, bool) {}

func (l *testListener) RequestCredentials(req broker.Request, creds *credentials.Credentials) bool {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	l.mu.Unlock()
	if l.refuse {
		return false
	}
	if req.Mask&credentials.Password != 0 && l.password != nil {
		creds.SetPassword(l.password)
	}
	if req.Mask&credentials.CertChain != 0 && l.chain != nil {
		creds.SetCertChain(l.chain)
		creds.SetPrivateKey(l.key)
	}
	if l.expiration != 0 {
		creds.SetExpiration(l.expiration)
	}
	return true
}

func (l *testListener) VerifyCredentials(mech, peer string, creds *credentials.Credentials) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verified = append(l.verified, append([]byte{}, creds.CertChain()...))
	return !l.distrust
}

func (l *testListener) SecurityViolation(err error, header broker.MessageHeader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations = append(l.violations, err)
}

func newBroker(t *testing.T, l broker.Listener) *broker.Broker {
	t.Helper()
	b, err := broker.New(l)
	if err != nil {
		t.Fatalf("broker.New failed: %s", err)
	}
	return b
}

type party struct {
	mech Mechanism
	err  error
	done bool
}

type tamperFunc func(*wire.Message)

// converse runs initiator and responder against each other until both reach a terminal state or
// no further packet is produced. Packets round trip through the wire encoding.
func converse(t *testing.T, initiator, responder Mechanism, tamper tamperFunc) (*party, *party) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &party{mech: initiator}
	b := &party{mech: responder}
	msg, err := initiator.Start(ctx)
	if err != nil {
		a.err = err
		a.done = true
		return a, b
	}
	receiver, other := b, a
	for msg != nil {
		if tamper != nil {
			tamper(msg)
		}
		encoded, err := msg.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %s", err)
		}
		decoded, err := wire.Unmarshal(encoded)
		if err != nil {
			t.Fatalf("Unmarshal failed: %s", err)
		}
		reply, done, err := receiver.mech.Handle(ctx, decoded)
		if err != nil {
			receiver.err = err
		}
		receiver.done = receiver.done || done
		msg = reply
		receiver, other = other, receiver
	}
	return a, b
}

func masterSecret(t *testing.T, m Mechanism) []byte {
	t.Helper()
	r, err := m.Result()
	if err != nil {
		t.Fatalf("Result failed: %s", err)
	}
	return r.MasterSecret
}

func expectAuthFail(t *testing.T, p *party) {
	t.Helper()
	if p.err == nil {
		t.Fatalf("%s %s: expected failure", p.mech.Name(), p.mech.State())
	}
	if code := protocol.CodeOf(p.err); code != protocol.CodeAuthFail {
		t.Errorf("expected AuthFail, got %s (%s)", code, p.err)
	}
	if p.mech.State() != StateFailure {
		t.Errorf("expected Failure state, got %s", p.mech.State())
	}
}

type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

var serial int64

func newCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	serial++
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: "test authority"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCA{key: key, cert: cert}
}

// issue returns a leaf key and a chain of leaf and authority certificates.
func (ca *testCA) issue(t *testing.T, name string, notBefore, notAfter time.Time) (*ecdsa.PrivateKey, []*x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	serial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return key, []*x509.Certificate{cert, ca.cert}
}

func (ca *testCA) listener(t *testing.T, name string) *testListener {
	t.Helper()
	key, chain := ca.issue(t, name, time.Now().Add(-time.Minute), time.Now().Add(time.Hour))
	keyPEM, err := protocol.MarshalPrivateKeyPEM(key)
	if err != nil {
		t.Fatal(err)
	}
	return &testListener{chain: protocol.EncodeCertificateChainPEM(chain), key: keyPEM}
}
