// Package broker mediates credential requests and verification decisions between authentication
// mechanisms and the application.
//
// Requests are dispatched to the application either synchronously or in deferred form. A deferred
// request is identified by an AuthContext which the application hands back together with its
// answer. Each context accepts exactly one answer; stale, duplicate, and unknown contexts are
// rejected.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/protocol"
)

var (
	// ErrConflictingListener indicates the listener implements both the synchronous and the
	// asynchronous form of the same callout.
	ErrConflictingListener = protocol.NewError(protocol.CodeNotImplemented, "listener implements both synchronous and asynchronous forms")
	// ErrUnknownContext is returned when a response names a context that is not outstanding,
	// either because it never existed, already received a response, or expired.
	ErrUnknownContext = protocol.NewError(protocol.CodeAuthFail, "unknown or expired authentication context")
	// ErrNilListener is returned by New when no listener is supplied.
	ErrNilListener = errors.New("listener is required")
)

var logger = log.Scoped("broker")

// AuthContext correlates a deferred request with its response. The zero value is never issued.
type AuthContext struct {
	index      uint32
	generation uint32
}

func (c AuthContext) String() string {
	return fmt.Sprintf("ctx-%d.%d", c.index, c.generation)
}

type requestKind int

const (
	kindRequest requestKind = iota
	kindVerify
)

type response struct {
	accept bool
	creds  *credentials.Credentials
}

type slot struct {
	generation uint32
	active     bool
	kind       requestKind
	reply      chan response
}

// Broker dispatches callouts to a Listener. It is safe for concurrent use.
type Broker struct {
	listener       Listener
	requester      CredentialRequester
	asyncRequester AsyncCredentialRequester
	verifier       CredentialVerifier
	asyncVerifier  AsyncCredentialVerifier
	reporter       ViolationReporter

	mu    sync.Mutex
	slots []slot
	free  []uint32
}

// New inspects listener for optional callouts. It fails if both forms of a callout are present.
func New(listener Listener) (*Broker, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	b := &Broker{listener: listener}
	b.requester, _ = listener.(CredentialRequester)
	b.asyncRequester, _ = listener.(AsyncCredentialRequester)
	b.verifier, _ = listener.(CredentialVerifier)
	b.asyncVerifier, _ = listener.(AsyncCredentialVerifier)
	b.reporter, _ = listener.(ViolationReporter)

	if b.requester != nil && b.asyncRequester != nil {
		return nil, fmt.Errorf("%w: RequestCredentials", ErrConflictingListener)
	}
	if b.verifier != nil && b.asyncVerifier != nil {
		return nil, fmt.Errorf("%w: VerifyCredentials", ErrConflictingListener)
	}
	return b, nil
}

// allocate reserves a slot for a deferred request. Generations start at 1 so that the zero
// AuthContext is never valid.
func (b *Broker) allocate(kind requestKind) (AuthContext, chan response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var index uint32
	if n := len(b.free); n > 0 {
		index = b.free[n-1]
		b.free = b.free[:n-1]
	} else {
		b.slots = append(b.slots, slot{})
		index = uint32(len(b.slots) - 1)
	}
	s := &b.slots[index]
	s.generation++
	s.active = true
	s.kind = kind
	s.reply = make(chan response, 1)
	return AuthContext{index: index, generation: s.generation}, s.reply
}

// retire invalidates authCtx. It returns the reply channel if the context was outstanding.
func (b *Broker) retire(authCtx AuthContext, kind requestKind) (chan response, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(authCtx.index) >= len(b.slots) {
		return nil, false
	}
	s := &b.slots[authCtx.index]
	if !s.active || s.generation != authCtx.generation || s.kind != kind {
		return nil, false
	}
	reply := s.reply
	s.active = false
	s.reply = nil
	b.free = append(b.free, authCtx.index)
	return reply, true
}

// Outstanding returns the number of deferred requests awaiting a response.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.slots {
		if s.active {
			n++
		}
	}
	return n
}

func (b *Broker) await(ctx context.Context, authCtx AuthContext, kind requestKind, reply chan response) (response, error) {
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		if _, ok := b.retire(authCtx, kind); !ok {
			// The response raced with the deadline and is already buffered.
			return <-reply, nil
		}
		logger.Warning("%s expired before the application responded", authCtx)
		return response{}, protocol.Wrap(protocol.CodeAuthTimeout, ctx.Err())
	}
}

// RequestCredentials asks the application for credentials. The returned credentials are owned by
// the caller, which must Clear them once consumed. If the application does not answer requests,
// the request is refused.
func (b *Broker) RequestCredentials(ctx context.Context, req Request) (bool, *credentials.Credentials, error) {
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	switch {
	case b.requester != nil:
		creds := &credentials.Credentials{}
		if !b.requester.RequestCredentials(req, creds) {
			creds.Clear()
			return false, nil, nil
		}
		return true, creds, nil
	case b.asyncRequester != nil:
		authCtx, reply := b.allocate(kindRequest)
		if err := b.asyncRequester.RequestCredentialsAsync(req, authCtx); err != nil {
			b.retire(authCtx, kindRequest)
			return false, nil, err
		}
		r, err := b.await(ctx, authCtx, kindRequest, reply)
		if err != nil {
			return false, nil, err
		}
		if !r.accept {
			if r.creds != nil {
				r.creds.Clear()
			}
			return false, nil, nil
		}
		if r.creds == nil {
			r.creds = &credentials.Credentials{}
		}
		return true, r.creds, nil
	}
	logger.Debug("no credential requester registered; refusing %s request from %s", req.Mechanism, req.Peer)
	return false, nil, nil
}

// RequestCredentialsResponse delivers the application's answer to a deferred credential request.
// The broker takes ownership of creds.
func (b *Broker) RequestCredentialsResponse(authCtx AuthContext, accept bool, creds *credentials.Credentials) error {
	reply, ok := b.retire(authCtx, kindRequest)
	if !ok {
		return ErrUnknownContext
	}
	reply <- response{accept: accept, creds: creds}
	return nil
}

// VerifyCredentials asks the application whether credentials presented by peer are trusted. If
// the application does not verify credentials, they are accepted.
func (b *Broker) VerifyCredentials(ctx context.Context, mechanism, peer string, creds *credentials.Credentials) (bool, error) {
	switch {
	case b.verifier != nil:
		return b.verifier.VerifyCredentials(mechanism, peer, creds), nil
	case b.asyncVerifier != nil:
		authCtx, reply := b.allocate(kindVerify)
		if err := b.asyncVerifier.VerifyCredentialsAsync(mechanism, peer, creds, authCtx); err != nil {
			b.retire(authCtx, kindVerify)
			return false, err
		}
		r, err := b.await(ctx, authCtx, kindVerify, reply)
		if err != nil {
			return false, err
		}
		return r.accept, nil
	}
	return true, nil
}

// VerifyCredentialsResponse delivers the application's answer to a deferred verification.
func (b *Broker) VerifyCredentialsResponse(authCtx AuthContext, accept bool) error {
	reply, ok := b.retire(authCtx, kindVerify)
	if !ok {
		return ErrUnknownContext
	}
	reply <- response{accept: accept}
	return nil
}

// SecurityViolation forwards a violation to the listener, or logs it if the listener does not
// handle violations.
func (b *Broker) SecurityViolation(err error, header MessageHeader) {
	if b.reporter != nil {
		b.reporter.SecurityViolation(err, header)
		return
	}
	logger.Warning("security violation in %s/%s: %s", header.Mechanism, header.Type, err)
}

// AuthenticationComplete forwards the outcome of an authentication conversation.
func (b *Broker) AuthenticationComplete(mechanism, peer string, success bool) {
	b.listener.AuthenticationComplete(mechanism, peer, success)
}
