// Package authenticator selects an authentication mechanism with a peer, drives it to completion
// over a connector.Connector, and publishes the outcome.
//
// The initiator calls Authenticate with the mechanisms the peer advertised. Candidates are tried
// from most to least preferred (ECDSA, SPEKE, PSK, ANON) until one succeeds. The responder calls
// Accept, which serves Hello packets until a mechanism succeeds or the initiator aborts.
//
// On success the negotiated master secret is written to the key store and the listener's
// AuthenticationComplete is invoked with the mechanism name. If every candidate fails,
// AuthenticationComplete is invoked once with an empty mechanism name.
package authenticator

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshbus/peerauth/internal/ecc"
	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/internal/ratelimit"
	"github.com/meshbus/peerauth/internal/wire"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/connector"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/keystore"
	"github.com/meshbus/peerauth/pkg/mechanism"
	"github.com/meshbus/peerauth/pkg/protocol"
)

const (
	// DefaultAttemptCap is the number of consecutive failures of one mechanism with one peer after
	// which the mechanism is suspended for that peer.
	DefaultAttemptCap = 3
	// DefaultCoolDown is how long a suspended mechanism stays suspended.
	DefaultCoolDown = 5 * time.Minute
	// DefaultSessionTimeout bounds a single mechanism attempt, including application callouts.
	DefaultSessionTimeout = 30 * time.Second
)

var (
	// ErrNoMechanism indicates no locally enabled mechanism was advertised by the peer, or every
	// candidate is cooling down.
	ErrNoMechanism = protocol.NewError(protocol.CodeAuthFail, "no acceptable mechanism")
	// ErrAborted indicates the initiator gave up.
	ErrAborted = protocol.NewError(protocol.CodeAuthFail, "peer aborted authentication")
	// ErrRateLimited indicates the peer exceeded the configured attempt rate.
	ErrRateLimited = protocol.NewError(protocol.CodeResource, "too many authentication attempts")
)

// errRefused marks a mechanism the responder declined to run. Refusals do not count towards the
// attempt cap.
var errRefused = errors.New("mechanism refused by peer")

// Config configures an Authenticator. Only Listener is required.
type Config struct {
	Listener broker.Listener
	// Store receives negotiated secrets. Defaults to an in-memory store.
	Store *keystore.Store
	// Registry lists the locally enabled mechanisms. Defaults to ANON, SPEKE and ECDSA.
	Registry *mechanism.Registry
	// LocalID identifies this endpoint to peers. SPEKE binds it into the password generator.
	LocalID string
	// Identity is the certificate identity used by ECDSA when the listener supplies none.
	Identity *mechanism.Identity

	AttemptCap     int
	CoolDown       time.Duration
	SessionTimeout time.Duration

	// RateLimit, if positive, limits new conversations per peer per second, with RateBurst burst.
	RateLimit float64
	RateBurst int

	Clock      clock.Clock
	Rand       io.Reader
	Registerer prometheus.Registerer
}

// Outcome describes a successful authentication.
type Outcome struct {
	Peer      string
	Mechanism string
	Secret    keystore.SessionSecret
	// PeerChain is the certificate chain the peer presented, for ECDSA.
	PeerChain []*x509.Certificate
}

// Authenticator runs authentication conversations. It is safe for concurrent use; each
// conversation runs on the caller's goroutine.
type Authenticator struct {
	cfg      Config
	broker   *broker.Broker
	store    *keystore.Store
	registry *mechanism.Registry
	attempts *attemptTracker
	limiter  *ratelimit.PeerLimiter
	metrics  *metrics
	clock    clock.Clock
}

// New validates cfg and returns an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	b, err := broker.New(cfg.Listener)
	if err != nil {
		return nil, err
	}
	if cfg.AttemptCap <= 0 {
		cfg.AttemptCap = DefaultAttemptCap
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = mechanism.DefaultRegistry(nil, false)
	}
	if cfg.Store == nil {
		cfg.Store = keystore.OpenMemory(keystore.WithClock(cfg.Clock))
	}
	return &Authenticator{
		cfg:      cfg,
		broker:   b,
		store:    cfg.Store,
		registry: cfg.Registry,
		attempts: newAttemptTracker(cfg.AttemptCap, cfg.CoolDown),
		limiter:  ratelimit.New(cfg.RateLimit, cfg.RateBurst, 0),
		metrics:  newMetrics(cfg.Registerer),
		clock:    cfg.Clock,
	}, nil
}

// Mechanisms returns the locally enabled mechanisms, most preferred first. Initiators advertise
// this list to responders.
func (a *Authenticator) Mechanisms() []string {
	return a.registry.Names()
}

func (a *Authenticator) mechanismConfig(role mechanism.Role, peer string, attempt int) mechanism.Config {
	cfg := mechanism.Config{
		Role:     role,
		Peer:     peer,
		LocalID:  a.cfg.LocalID,
		Attempt:  attempt,
		Broker:   a.broker,
		Identity: a.cfg.Identity,
		Rand:     a.cfg.Rand,
		Now:      a.clock.Now,
	}
	if role == mechanism.Initiator {
		cfg.PeerID = peer
	}
	return cfg
}

// Authenticate runs the initiator side of a conversation with peer, trying each mechanism in
// advertised that is enabled locally.
func (a *Authenticator) Authenticate(ctx context.Context, conn connector.Connector, peer string, advertised []string) (*Outcome, error) {
	logger := log.Scoped("authenticator").With(peer)
	if !a.limiter.Allow(peer, a.clock.Now()) {
		a.metrics.limited.Inc()
		a.broker.AuthenticationComplete("", peer, false)
		return nil, ErrRateLimited
	}

	var lastErr error = ErrNoMechanism
	for _, name := range a.registry.Select(advertised) {
		ok, attempt := a.attempts.allowed(peer, name, a.clock.Now())
		if !ok {
			logger.Info("skipping %s while it cools down", name)
			continue
		}
		outcome, err := a.run(ctx, conn, mechanism.Initiator, peer, name, attempt, nil)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if errors.Is(err, errRefused) {
			continue
		}
		// The transport failed or the caller gave up, so other mechanisms cannot fare better.
		if code := protocol.CodeOf(err); code == protocol.CodeEOF || code == protocol.CodeResource || ctx.Err() != nil {
			break
		}
	}

	if protocol.CodeOf(lastErr) != protocol.CodeEOF {
		abort := &wire.Message{Type: wire.TypeAbort}
		if err := a.send(ctx, conn, abort); err != nil {
			logger.Debug("could not send abort: %s", err)
		}
	}
	a.broker.AuthenticationComplete("", peer, false)
	return nil, protocol.AuthFailure(lastErr)
}

// Accept runs the responder side of a conversation with peer. It returns once a mechanism
// succeeds, the initiator aborts, or ctx expires.
func (a *Authenticator) Accept(ctx context.Context, conn connector.Connector, peer string) (*Outcome, error) {
	logger := log.Scoped("authenticator").With(peer)
	if !a.limiter.Allow(peer, a.clock.Now()) {
		a.metrics.limited.Inc()
		a.send(ctx, conn, &wire.Message{Type: wire.TypeError, Code: uint32(protocol.CodeResource)})
		a.broker.AuthenticationComplete("", peer, false)
		return nil, ErrRateLimited
	}

	var lastErr error
	for {
		msg, err := a.receive(ctx, conn)
		if err != nil {
			if lastErr == nil || protocol.CodeOf(err) != protocol.CodeEOF {
				lastErr = err
			}
			break
		}
		if msg.Type == wire.TypeAbort {
			if lastErr == nil {
				lastErr = ErrAborted
			}
			break
		}
		if msg.Type != wire.TypeHello {
			err := fmt.Errorf("%w: %s outside of a mechanism", mechanism.ErrUnexpectedMessage, msg.Type)
			a.broker.SecurityViolation(err, broker.MessageHeader{Mechanism: msg.Mechanism, Type: msg.Type.String()})
			continue
		}

		name := msg.Mechanism
		ok, attempt := a.attempts.allowed(peer, name, a.clock.Now())
		if !a.registry.Enabled(name) || !ok {
			logger.Info("refusing %s", name)
			a.metrics.attempts.WithLabelValues(name, mechanism.Responder.String(), outcomeRefused).Inc()
			refusal := &wire.Message{Type: wire.TypeError, Mechanism: name, Code: uint32(protocol.CodeNotImplemented)}
			if err := a.send(ctx, conn, refusal); err != nil {
				lastErr = err
				break
			}
			continue
		}
		outcome, err := a.run(ctx, conn, mechanism.Responder, peer, name, attempt, msg)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if code := protocol.CodeOf(err); code == protocol.CodeEOF || code == protocol.CodeResource || ctx.Err() != nil {
			break
		}
	}
	a.broker.AuthenticationComplete("", peer, false)
	return nil, protocol.AuthFailure(lastErr)
}

// run drives one mechanism attempt. For responders, hello is the packet that selected the
// mechanism.
func (a *Authenticator) run(ctx context.Context, conn connector.Connector, role mechanism.Role, peer, name string, attempt int, hello *wire.Message) (*Outcome, error) {
	logger := log.Scoped("authenticator").With(peer).With(name)
	start := a.clock.Now()
	sessionCtx, cancel := context.WithTimeout(ctx, a.cfg.SessionTimeout)
	defer cancel()

	m, err := a.registry.New(name, a.mechanismConfig(role, peer, attempt))
	if err != nil {
		return nil, err
	}
	defer m.Close()

	err = a.drive(sessionCtx, conn, m, hello)
	a.metrics.duration.WithLabelValues(name).Observe(a.clock.Since(start).Seconds())
	if err != nil {
		outcome := outcomeFailure
		if errors.Is(err, errRefused) {
			outcome = outcomeRefused
		} else if protocol.Temporary(err) {
			if a.attempts.failed(peer, name, a.clock.Now()) {
				logger.Warning("suspending %s after %d consecutive failures", name, a.cfg.AttemptCap)
				a.metrics.coolDowns.WithLabelValues(name).Inc()
			}
		}
		a.metrics.attempts.WithLabelValues(name, role.String(), outcome).Inc()
		logger.Info("attempt %d failed: %s", attempt, err)
		return nil, err
	}

	result, err := m.Result()
	if err != nil {
		return nil, err
	}
	secret := keystore.SessionSecret{
		MasterSecret:  result.MasterSecret,
		Expiration:    a.clock.Now().Add(result.Lifetime),
		Mechanism:     name,
		IssuerBinding: result.IssuerBinding,
	}
	if err := a.store.Put(peer, secret); err != nil {
		logger.Error("could not store session secret: %s", err)
		a.metrics.attempts.WithLabelValues(name, role.String(), outcomeFailure).Inc()
		return nil, err
	}
	a.attempts.succeeded(peer, name)
	a.metrics.attempts.WithLabelValues(name, role.String(), outcomeSuccess).Inc()
	logger.Info("authenticated")
	a.broker.AuthenticationComplete(name, peer, true)

	stored, err := a.store.Get(peer)
	if err != nil {
		stored = secret
	} else {
		ecc.Scrub(secret.MasterSecret)
	}
	return &Outcome{Peer: peer, Mechanism: name, Secret: stored, PeerChain: result.PeerChain}, nil
}

// drive pumps packets between m and conn until m reaches a terminal state.
func (a *Authenticator) drive(ctx context.Context, conn connector.Connector, m mechanism.Mechanism, msg *wire.Message) error {
	if msg == nil {
		hello, err := m.Start(ctx)
		if err != nil {
			return err
		}
		if err := a.send(ctx, conn, hello); err != nil {
			return err
		}
		if msg, err = a.receive(ctx, conn); err != nil {
			return err
		}
	}
	for {
		refused := msg.Type == wire.TypeError && protocol.Code(msg.Code) == protocol.CodeNotImplemented && m.State() == mechanism.StateAwaitPeer
		reply, done, err := m.Handle(ctx, msg)
		if reply != nil {
			if sendErr := a.send(ctx, conn, reply); sendErr != nil && err == nil {
				err = sendErr
			}
		}
		if err != nil {
			if refused {
				return fmt.Errorf("%w: %s", errRefused, err)
			}
			return err
		}
		if done {
			return nil
		}
		if msg, err = a.receive(ctx, conn); err != nil {
			return err
		}
	}
}

func (a *Authenticator) send(ctx context.Context, conn connector.Connector, msg *wire.Message) error {
	buf, err := msg.Marshal()
	if err != nil {
		return protocol.Wrap(protocol.CodeBadArg1, err)
	}
	if err := conn.Send(ctx, buf); err != nil {
		if errors.Is(err, connector.ErrClosed) {
			return protocol.Wrap(protocol.CodeEOF, err)
		}
		if ctx.Err() != nil {
			return protocol.Wrap(protocol.CodeAuthTimeout, err)
		}
		return protocol.Wrap(protocol.CodeResource, err)
	}
	return nil
}

func (a *Authenticator) receive(ctx context.Context, conn connector.Connector) (*wire.Message, error) {
	for {
		select {
		case buf, ok := <-conn.Receive():
			if !ok {
				return nil, protocol.ErrEOF
			}
			msg, err := wire.Unmarshal(buf)
			if err != nil {
				a.broker.SecurityViolation(err, broker.MessageHeader{Size: len(buf)})
				return nil, protocol.Wrap(protocol.CodeAuthFail, err)
			}
			return msg, nil
		case <-ctx.Done():
			return nil, protocol.Wrap(protocol.CodeAuthTimeout, ctx.Err())
		}
	}
}

// RequestCredentialsResponse answers a deferred credential request.
func (a *Authenticator) RequestCredentialsResponse(authCtx broker.AuthContext, accept bool, creds *credentials.Credentials) error {
	return a.broker.RequestCredentialsResponse(authCtx, accept, creds)
}

// VerifyCredentialsResponse answers a deferred verification request.
func (a *Authenticator) VerifyCredentialsResponse(authCtx broker.AuthContext, accept bool) error {
	return a.broker.VerifyCredentialsResponse(authCtx, accept)
}

// CachedSecret returns the stored secret for peer, if it has not expired.
func (a *Authenticator) CachedSecret(peer string) (keystore.SessionSecret, error) {
	return a.store.Get(peer)
}

// Logoff discards the secret negotiated with peer and resets its failure counts.
func (a *Authenticator) Logoff(peer string) error {
	a.attempts.forget(peer)
	return a.store.Delete(peer)
}

// Store returns the key store secrets are written to.
func (a *Authenticator) Store() *keystore.Store {
	return a.store
}
