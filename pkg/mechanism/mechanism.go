// Package mechanism implements the authentication mechanisms negotiated between peers.
//
// Every mechanism follows the same four-packet schedule:
//
//	initiator                          responder
//	Hello{nonce, share, identity}  ->
//	                               <-  Reply{nonce, share, proof [, chain, signature]}
//	Finish{proof [, chain, signature]} ->
//	                               <-  Ack
//
// and differs only in how the key shares are formed, which credentials are consulted, and how the
// proofs are checked. Either side may answer with an Error packet instead, which fails the
// mechanism on both ends.
//
// A Mechanism is a state machine driven by a single goroutine. It never performs I/O itself; the
// caller moves packets between the Mechanism and the transport.
package mechanism

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/meshbus/peerauth/internal/wire"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/protocol"
)

// Mechanism names, as advertised on the wire.
const (
	NameAnonymous = "ANON"
	NamePSK       = "PSK"
	NameSPEKE     = "SPEKE"
	NameECDSA     = "ECDSA"
)

const (
	// DefaultLifetime is the longest a master secret negotiated by this package remains valid.
	DefaultLifetime = 24 * time.Hour
	// MasterSecretSize is the length of the secret produced by every mechanism.
	MasterSecretSize = 48

	// MinPSKSize is the shortest pre-shared key accepted by PSK.
	MinPSKSize = broker.MinPSKSize
	// MinPasswordSize is the shortest password accepted by SPEKE.
	MinPasswordSize = broker.MinPasswordSize
)

// State is a step of a mechanism's state machine.
type State int

const (
	StateInit State = iota
	StateSendHello
	StateAwaitPeer
	StateRequestCreds
	StateComputeSecret
	StateVerify
	StateSuccess
	StateFailure
)

var stateNames = [...]string{
	StateInit:          "Init",
	StateSendHello:     "SendHello",
	StateAwaitPeer:     "AwaitPeer",
	StateRequestCreds:  "RequestCreds",
	StateComputeSecret: "ComputeSecret",
	StateVerify:        "Verify",
	StateSuccess:       "Success",
	StateFailure:       "Failure",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal returns true for Success and Failure.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Role identifies which side of the conversation a Mechanism plays.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

func (r Role) label() []byte {
	if r == Initiator {
		return []byte("initiator finished")
	}
	return []byte("responder finished")
}

// Protocol failures are reported to callers as protocol.CodeAuthFail errors wrapping one of these.
var (
	// ErrUnexpectedMessage indicates a packet arrived that the current state does not accept.
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrBadProof indicates a MAC or signature did not verify.
	ErrBadProof = errors.New("peer proof did not verify")
	// ErrCredentialsRefused indicates the application declined to supply or accept credentials.
	ErrCredentialsRefused = errors.New("credentials refused")
	// ErrPeerRejected indicates the peer answered with an Error packet.
	ErrPeerRejected = errors.New("peer rejected authentication")
	// ErrNotFinished is returned by Result before the mechanism succeeds.
	ErrNotFinished = errors.New("mechanism has not completed")
	// ErrUnknownMechanism indicates a mechanism name is not registered or not enabled.
	ErrUnknownMechanism = protocol.NewError(protocol.CodeNotImplemented, "unknown mechanism")
)

// Identity is a local ECDSA identity used when the application does not supply one.
type Identity struct {
	Key   *ecdsa.PrivateKey
	Chain []*x509.Certificate
}

// Config holds the per-conversation parameters of a Mechanism.
type Config struct {
	Role Role
	// Peer is the handle the application knows the peer by. It is passed to listener callouts.
	Peer string
	// LocalID and PeerID are the identifiers bound into SPEKE's password generator. The
	// responder learns the initiator's identifier from the Hello packet.
	LocalID string
	PeerID  string
	// Attempt counts the consecutive attempts of this mechanism with Peer, starting at 1.
	Attempt int
	Broker  *broker.Broker
	// Identity is used by ECDSA when the application does not provide a certificate chain.
	Identity *Identity
	// Rand defaults to crypto/rand.
	Rand io.Reader
	// Now defaults to time.Now and is used for certificate validity checks.
	Now func() time.Time
}

func (c *Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Result is the outcome of a successful mechanism.
type Result struct {
	Mechanism    string
	MasterSecret []byte
	// Lifetime is how long the master secret should be cached, never less than
	// keystore.MinExpiration.
	Lifetime time.Duration
	// IssuerBinding identifies the authority that vouched for the peer, if any.
	IssuerBinding []byte
	// PeerChain is the peer's certificate chain for ECDSA.
	PeerChain []*x509.Certificate
}

// Mechanism is an authentication state machine. It is not safe for concurrent use.
type Mechanism interface {
	Name() string
	State() State
	// Start produces the initiator's Hello. Responders do not call Start.
	Start(ctx context.Context) (*wire.Message, error)
	// Handle consumes a packet from the peer. It returns the packet to send in response, if any,
	// and whether the mechanism reached a terminal state. When err is non-nil, reply (if
	// present) is an Error packet that should be delivered to the peer.
	Handle(ctx context.Context, msg *wire.Message) (reply *wire.Message, done bool, err error)
	// Result returns the negotiated secret once State is StateSuccess.
	Result() (*Result, error)
	// Close scrubs ephemeral key material.
	Close()
}
