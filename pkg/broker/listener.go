package broker

import (
	"github.com/meshbus/peerauth/pkg/credentials"
)

// Listener is implemented by the application embedding the authentication subsystem.
// Implementations must be safe for concurrent use: many sessions may call into the same listener.
//
// Only AuthenticationComplete is required. The remaining callouts are optional and are detected by
// interface assertion. For each request kind an application implements either the synchronous
// or the asynchronous form, never both.
type Listener interface {
	// AuthenticationComplete reports the outcome of an authentication conversation. On failure,
	// mechanism is empty.
	AuthenticationComplete(mechanism, peer string, success bool)
}

// Request describes a credential request issued by a mechanism.
type Request struct {
	Mechanism string
	Peer      string
	// Attempt counts consecutive attempts for this peer and mechanism, starting at 1.
	Attempt int
	// UserName is the identity the peer announced, or for an initiator the identity it expects
	// the responder to have. Listeners can use it to pick a per-identity password or PSK.
	UserName string
	Mask     credentials.Mask
}

// CredentialRequester answers credential requests synchronously. Returning false rejects the
// request and fails the attempt.
type CredentialRequester interface {
	RequestCredentials(req Request, creds *credentials.Credentials) bool
}

// AsyncCredentialRequester answers credential requests by later calling
// Broker.RequestCredentialsResponse with authCtx. Returning an error fails the request
// immediately.
type AsyncCredentialRequester interface {
	RequestCredentialsAsync(req Request, authCtx AuthContext) error
}

// CredentialVerifier decides whether credentials presented by a peer are trusted.
type CredentialVerifier interface {
	VerifyCredentials(mechanism, peer string, creds *credentials.Credentials) bool
}

// AsyncCredentialVerifier is the deferred form of CredentialVerifier. The decision is delivered
// through Broker.VerifyCredentialsResponse.
type AsyncCredentialVerifier interface {
	VerifyCredentialsAsync(mechanism, peer string, creds *credentials.Credentials, authCtx AuthContext) error
}

// MessageHeader summarizes the packet that triggered a security violation.
type MessageHeader struct {
	Mechanism string
	Type      string
	Size      int
}

// ViolationReporter is notified when a peer sends a packet that fails authentication or violates
// the message schedule.
type ViolationReporter interface {
	SecurityViolation(err error, header MessageHeader)
}

//go:generate mockgen -destination=../../mocks/listener.go -package=mocks -mock_names=SyncListener=SyncListener,AsyncListener=AsyncListener . SyncListener,AsyncListener

// SyncListener is a Listener implementing every synchronous callout.
type SyncListener interface {
	Listener
	CredentialRequester
	CredentialVerifier
	ViolationReporter
}

// AsyncListener is a Listener implementing every deferred callout.
type AsyncListener interface {
	Listener
	AsyncCredentialRequester
	AsyncCredentialVerifier
	ViolationReporter
}
