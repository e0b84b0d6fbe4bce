package mechanism

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/meshbus/peerauth/internal/ecc"
	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/internal/wire"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/keystore"
	"github.com/meshbus/peerauth/pkg/protocol"
)

// suite is the part of a mechanism that differs between ANON, PSK, SPEKE and ECDSA.
type suite interface {
	// mask selects the credentials requested from the application. Zero skips the request.
	mask() credentials.Mask
	// configure prepares the local key share. creds is nil when mask returns zero.
	configure(creds *credentials.Credentials, initiatorID, responderID []byte) error
	share() *ecc.PublicKey
	preMaster(peer *ecc.PublicKey) ([]byte, error)
	scrub()
}

// certifier is implemented by suites that prove possession of a certified key.
type certifier interface {
	sign(digest []byte) (chain, signature []byte, err error)
	verify(ctx context.Context, chain, signature, digest []byte) (*peerCertificate, error)
}

type peerCertificate struct {
	chain   []*x509.Certificate
	binding []byte
}

// exchange drives a suite through the common message schedule.
type exchange struct {
	name   string
	suite  suite
	cfg    Config
	rand   io.Reader
	log    log.Logger
	state  State
	expect wire.MessageType

	initiatorNonce []byte
	responderNonce []byte
	initiatorKey   []byte
	responderKey   []byte
	initiatorID    []byte
	responderID    []byte

	lifetime time.Duration
	master   []byte
	peer     *peerCertificate
}

func newExchange(name string, s suite, cfg Config) *exchange {
	e := &exchange{
		name:     name,
		suite:    s,
		cfg:      cfg,
		rand:     cfg.Rand,
		log:      log.Scoped(name).With(cfg.Peer),
		lifetime: DefaultLifetime,
		expect:   wire.TypeHello,
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	if e.cfg.Attempt < 1 {
		e.cfg.Attempt = 1
	}
	return e
}

func (e *exchange) Name() string {
	return e.name
}

func (e *exchange) State() State {
	return e.state
}

func (e *exchange) setState(s State) {
	e.log.Debug("%s -> %s", e.state, s)
	e.state = s
}

func (e *exchange) nonce() ([]byte, error) {
	n := make([]byte, wire.NonceSize)
	if _, err := io.ReadFull(e.rand, n); err != nil {
		return nil, protocol.Wrap(protocol.CodeRNGFailure, err)
	}
	return n, nil
}

// fail moves to the Failure state. The returned packet informs the peer, unless the failure was
// caused by the peer's own Error packet.
func (e *exchange) fail(err error, notify bool) (*wire.Message, bool, error) {
	e.setState(StateFailure)
	e.Close()
	err = protocol.AuthFailure(err)
	e.log.Warning("authentication failed: %s", err)
	if !notify {
		return nil, true, err
	}
	reply := &wire.Message{
		Type:      wire.TypeError,
		Mechanism: e.name,
		Code:      uint32(protocol.CodeOf(err)),
	}
	return reply, true, err
}

func (e *exchange) violation(err error, msg *wire.Message) {
	if e.cfg.Broker == nil {
		e.log.Warning("security violation: %s", err)
		return
	}
	e.cfg.Broker.SecurityViolation(err, broker.MessageHeader{
		Mechanism: msg.Mechanism,
		Type:      msg.Type.String(),
	})
}

func (e *exchange) requestCredentials(ctx context.Context) (*credentials.Credentials, error) {
	mask := e.suite.mask()
	if mask == 0 {
		return nil, nil
	}
	if e.cfg.Broker == nil {
		return nil, ErrCredentialsRefused
	}
	peerID := e.initiatorID
	if e.cfg.Role == Initiator {
		peerID = e.responderID
	}
	req := broker.Request{
		Mechanism: e.name,
		Peer:      e.cfg.Peer,
		Attempt:   e.cfg.Attempt,
		UserName:  string(peerID),
		Mask:      mask,
	}
	accept, creds, err := e.cfg.Broker.RequestCredentials(ctx, req)
	if err != nil {
		return nil, err
	}
	if !accept {
		return nil, ErrCredentialsRefused
	}
	return creds, nil
}

// prepare obtains credentials and generates the local key share.
func (e *exchange) prepare(ctx context.Context) error {
	e.setState(StateRequestCreds)
	creds, err := e.requestCredentials(ctx)
	if err != nil {
		return err
	}
	if creds != nil {
		defer creds.Clear()
		if lifetime, ok := creds.ExpirationDuration(); ok && lifetime < e.lifetime {
			e.lifetime = lifetime
		}
	}
	if e.lifetime < keystore.MinExpiration {
		e.lifetime = keystore.MinExpiration
	}
	if err := e.suite.configure(creds, e.initiatorID, e.responderID); err != nil {
		return err
	}
	nonce, err := e.nonce()
	if err != nil {
		return err
	}
	key := e.suite.share().Bytes()
	if e.cfg.Role == Initiator {
		e.initiatorNonce, e.initiatorKey = nonce, key
	} else {
		e.responderNonce, e.responderKey = nonce, key
	}
	return nil
}

func (e *exchange) computeSecret(peerKey []byte) error {
	e.setState(StateComputeSecret)
	var peer ecc.PublicKey
	if err := peer.Import(peerKey); err != nil {
		return err
	}
	preMaster, err := e.suite.preMaster(&peer)
	if err != nil {
		return err
	}
	defer ecc.Scrub(preMaster)
	e.master, err = deriveMasterSecret(preMaster, e.initiatorNonce, e.responderNonce)
	return err
}

// digest returns the transcript digest authenticated by the key confirmation MACs.
func (e *exchange) digest() ([]byte, error) {
	t := newTranscript()
	fields := []struct {
		tag   tag
		value []byte
	}{
		{tagMechanism, []byte(e.name)},
		{tagInitiatorNonce, e.initiatorNonce},
		{tagResponderNonce, e.responderNonce},
		{tagInitiatorKey, e.initiatorKey},
		{tagResponderKey, e.responderKey},
		{tagInitiatorID, e.initiatorID},
		{tagResponderID, e.responderID},
	}
	for _, f := range fields {
		if err := t.Add(f.tag, f.value); err != nil {
			return nil, protocol.Wrap(protocol.CodeBadArg1, err)
		}
	}
	return t.Checksum(nil), nil
}

// signatureDigest returns the value signed by role in certificate-based mechanisms.
func (e *exchange) signatureDigest(role Role) []byte {
	t := newTranscript()
	t.Add(tagMechanism, []byte(e.name))
	t.Add(tagInitiatorNonce, e.initiatorNonce)
	t.Add(tagResponderNonce, e.responderNonce)
	t.Add(tagInitiatorKey, e.initiatorKey)
	t.Add(tagResponderKey, e.responderKey)
	t.Add(tagRole, []byte{byte(role)})
	return t.Checksum(nil)
}

// prove fills in the proof fields of msg for the local role.
func (e *exchange) prove(msg *wire.Message) error {
	digest, err := e.digest()
	if err != nil {
		return err
	}
	if msg.MAC, err = proofMAC(e.master, digest, e.cfg.Role); err != nil {
		return err
	}
	if c, ok := e.suite.(certifier); ok {
		msg.CertChain, msg.Signature, err = c.sign(e.signatureDigest(e.cfg.Role))
		if err != nil {
			return err
		}
	}
	return nil
}

// check verifies the proof fields sent by the peer.
func (e *exchange) check(ctx context.Context, msg *wire.Message) error {
	e.setState(StateVerify)
	peerRole := Responder
	if e.cfg.Role == Responder {
		peerRole = Initiator
	}
	if msg.MAC == nil {
		return fmt.Errorf("%w: missing MAC", ErrBadProof)
	}
	digest, err := e.digest()
	if err != nil {
		return err
	}
	ok, err := verifyMAC(e.master, digest, peerRole, msg.MAC)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadProof
	}
	if c, ok := e.suite.(certifier); ok {
		if msg.CertChain == nil || msg.Signature == nil {
			return fmt.Errorf("%w: missing certificate or signature", ErrBadProof)
		}
		peer, err := c.verify(ctx, msg.CertChain, msg.Signature, e.signatureDigest(peerRole))
		if err != nil {
			return err
		}
		e.peer = peer
	}
	return nil
}

func (e *exchange) Start(ctx context.Context) (*wire.Message, error) {
	if e.cfg.Role != Initiator || e.state != StateInit {
		return nil, protocol.NewError(protocol.CodeNotImplemented, "Start called on "+e.cfg.Role.String()+" in state "+e.state.String())
	}
	e.initiatorID = []byte(e.cfg.LocalID)
	e.responderID = []byte(e.cfg.PeerID)
	if err := e.prepare(ctx); err != nil {
		_, _, err = e.fail(err, false)
		return nil, err
	}
	e.setState(StateSendHello)
	hello := &wire.Message{
		Type:      wire.TypeHello,
		Mechanism: e.name,
		Nonce:     e.initiatorNonce,
		PublicKey: e.initiatorKey,
		Identity:  e.initiatorID,
	}
	e.expect = wire.TypeReply
	e.setState(StateAwaitPeer)
	return hello, nil
}

func (e *exchange) Handle(ctx context.Context, msg *wire.Message) (*wire.Message, bool, error) {
	if e.state.Terminal() {
		return nil, true, ErrUnexpectedMessage
	}
	if err := ctx.Err(); err != nil {
		return e.fail(protocol.Wrap(protocol.CodeAuthTimeout, err), true)
	}
	if msg.Type == wire.TypeError || msg.Type == wire.TypeAbort {
		reason := protocol.Code(msg.Code).String()
		if msg.Reason != "" {
			reason += ": " + msg.Reason
		}
		return e.fail(fmt.Errorf("%w: %s", ErrPeerRejected, reason), false)
	}
	if msg.Type != e.expect || msg.Mechanism != e.name {
		err := fmt.Errorf("%w: got %s for %q while awaiting %s", ErrUnexpectedMessage, msg.Type, msg.Mechanism, e.expect)
		e.violation(err, msg)
		return e.fail(err, true)
	}

	var reply *wire.Message
	var err error
	switch msg.Type {
	case wire.TypeHello:
		reply, err = e.handleHello(ctx, msg)
	case wire.TypeReply:
		reply, err = e.handleReply(ctx, msg)
	case wire.TypeFinish:
		reply, err = e.handleFinish(ctx, msg)
	case wire.TypeAck:
		e.setState(StateSuccess)
		e.suite.scrub()
		return nil, true, nil
	}
	if err != nil {
		if errors.Is(err, ErrBadProof) || protocol.KindOf(err) == protocol.KindInputValidation {
			e.violation(err, msg)
		}
		return e.fail(err, true)
	}
	return reply, e.state.Terminal(), nil
}

func (e *exchange) handleHello(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if msg.Nonce == nil || msg.PublicKey == nil {
		return nil, fmt.Errorf("%w: Hello lacks nonce or key share", ErrUnexpectedMessage)
	}
	e.initiatorNonce = msg.Nonce
	e.initiatorKey = msg.PublicKey
	e.initiatorID = msg.Identity
	e.responderID = []byte(e.cfg.LocalID)
	if err := e.prepare(ctx); err != nil {
		return nil, err
	}
	if err := e.computeSecret(e.initiatorKey); err != nil {
		return nil, err
	}
	reply := &wire.Message{
		Type:      wire.TypeReply,
		Mechanism: e.name,
		Nonce:     e.responderNonce,
		PublicKey: e.responderKey,
		Identity:  e.responderID,
	}
	if err := e.prove(reply); err != nil {
		return nil, err
	}
	e.expect = wire.TypeFinish
	e.setState(StateAwaitPeer)
	return reply, nil
}

func (e *exchange) handleReply(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if msg.Nonce == nil || msg.PublicKey == nil {
		return nil, fmt.Errorf("%w: Reply lacks nonce or key share", ErrUnexpectedMessage)
	}
	e.responderNonce = msg.Nonce
	e.responderKey = msg.PublicKey
	e.responderID = msg.Identity
	if err := e.computeSecret(e.responderKey); err != nil {
		return nil, err
	}
	if err := e.check(ctx, msg); err != nil {
		return nil, err
	}
	finish := &wire.Message{Type: wire.TypeFinish, Mechanism: e.name}
	if err := e.prove(finish); err != nil {
		return nil, err
	}
	e.expect = wire.TypeAck
	e.setState(StateAwaitPeer)
	return finish, nil
}

func (e *exchange) handleFinish(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if err := e.check(ctx, msg); err != nil {
		return nil, err
	}
	e.setState(StateSuccess)
	e.suite.scrub()
	return &wire.Message{Type: wire.TypeAck, Mechanism: e.name}, nil
}

func (e *exchange) Result() (*Result, error) {
	if e.state != StateSuccess {
		return nil, ErrNotFinished
	}
	r := &Result{
		Mechanism:    e.name,
		MasterSecret: append([]byte{}, e.master...),
		Lifetime:     e.lifetime,
	}
	if e.peer != nil {
		r.IssuerBinding = e.peer.binding
		r.PeerChain = e.peer.chain
	}
	return r, nil
}

// Close scrubs the master secret, so Result must be called first.
func (e *exchange) Close() {
	e.suite.scrub()
	ecc.Scrub(e.master)
	e.master = nil
}
