package authenticator_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"github.com/meshbus/peerauth/mocks"
	"github.com/meshbus/peerauth/pkg/authenticator"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/connector"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/keystore"
	"github.com/meshbus/peerauth/pkg/mechanism"
	"github.com/meshbus/peerauth/pkg/protocol"
)

type result struct {
	outcome *authenticator.Outcome
	err     error
}

// handshake runs alice as initiator against bob as responder over an in-memory pipe.
func handshake(ctx context.Context, alice, bob *authenticator.Authenticator, advertised []string) (result, result) {
	toBob, toAlice := connector.Pipe("alice", "bob")
	defer toBob.Close()
	defer toAlice.Close()

	accepted := make(chan result, 1)
	go func() {
		defer GinkgoRecover()
		outcome, err := bob.Accept(ctx, toAlice, "alice")
		accepted <- result{outcome, err}
	}()
	outcome, err := alice.Authenticate(ctx, toBob, "bob", advertised)
	return result{outcome, err}, <-accepted
}

func selfSigned(name string, now time.Time) *mechanism.Identity {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	Expect(err).NotTo(HaveOccurred())
	cert, err := x509.ParseCertificate(der)
	Expect(err).NotTo(HaveOccurred())
	return &mechanism.Identity{Key: key, Chain: []*x509.Certificate{cert}}
}

func setPassword(password string) func(broker.Request, *credentials.Credentials) bool {
	return func(_ broker.Request, creds *credentials.Credentials) bool {
		creds.SetPassword([]byte(password))
		return true
	}
}

const coolDownsMetric = `
# HELP peerauth_cooldowns_total Number of times a mechanism was suspended for a peer after repeated failures.
# TYPE peerauth_cooldowns_total counter
peerauth_cooldowns_total{mechanism="PSK"} 1
`

const rateLimitedMetric = `
# HELP peerauth_rate_limited_total Authentication conversations rejected by the per-peer rate limiter.
# TYPE peerauth_rate_limited_total counter
peerauth_rate_limited_total 1
`

var _ = Describe("Authenticator", func() {
	var (
		ctrl          *gomock.Controller
		ctx           context.Context
		clk           *clock.Mock
		reg           *prometheus.Registry
		aliceListener *mocks.SyncListener
		bobListener   *mocks.SyncListener
	)

	newAuthenticator := func(listener broker.Listener, localID string, registry *mechanism.Registry, reg prometheus.Registerer) *authenticator.Authenticator {
		auth, err := authenticator.New(authenticator.Config{
			Listener:   listener,
			LocalID:    localID,
			Registry:   registry,
			Clock:      clk,
			Registerer: reg,
		})
		Expect(err).NotTo(HaveOccurred())
		return auth
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(cancel)
		clk = clock.NewMock()
		clk.Set(time.Now().Truncate(time.Second))
		reg = prometheus.NewRegistry()
		aliceListener = mocks.NewSyncListener(ctrl)
		bobListener = mocks.NewSyncListener(ctrl)
	})

	It("requires a listener", func() {
		_, err := authenticator.New(authenticator.Config{})
		Expect(err).To(MatchError(broker.ErrNilListener))
	})

	It("advertises enabled mechanisms by preference", func() {
		auth := newAuthenticator(aliceListener, "alice", nil, nil)
		Expect(auth.Mechanisms()).To(Equal([]string{mechanism.NameECDSA, mechanism.NameSPEKE, mechanism.NameAnonymous}))
	})

	Context("with ANON", func() {
		var alice, bob *authenticator.Authenticator

		BeforeEach(func() {
			only := []string{mechanism.NameAnonymous}
			alice = newAuthenticator(aliceListener, "alice", mechanism.DefaultRegistry(only, false), reg)
			bob = newAuthenticator(bobListener, "bob", mechanism.DefaultRegistry(only, false), nil)
		})

		It("agrees on a master secret", func() {
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "bob", true)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "alice", true)

			initiator, responder := handshake(ctx, alice, bob, []string{mechanism.NameAnonymous})
			Expect(initiator.err).NotTo(HaveOccurred())
			Expect(responder.err).NotTo(HaveOccurred())
			Expect(initiator.outcome.Mechanism).To(Equal(mechanism.NameAnonymous))
			Expect(initiator.outcome.Secret.MasterSecret).To(HaveLen(keystore.MasterSecretSize))
			Expect(initiator.outcome.Secret.MasterSecret).To(Equal(responder.outcome.Secret.MasterSecret))
			Expect(initiator.outcome.Secret.Expiration).To(Equal(clk.Now().Add(mechanism.DefaultLifetime)))

			cached, err := alice.CachedSecret("bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(cached.MasterSecret).To(Equal(initiator.outcome.Secret.MasterSecret))
			Expect(cached.Mechanism).To(Equal(mechanism.NameAnonymous))
		})

		It("forgets the secret on logoff", func() {
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "bob", true)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "alice", true)

			initiator, _ := handshake(ctx, alice, bob, []string{mechanism.NameAnonymous})
			Expect(initiator.err).NotTo(HaveOccurred())
			Expect(alice.Logoff("bob")).To(Succeed())
			_, err := alice.CachedSecret("bob")
			Expect(err).To(MatchError(keystore.ErrNotFound))
		})

		It("expires the secret with the clock", func() {
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "bob", true)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "alice", true)

			initiator, _ := handshake(ctx, alice, bob, []string{mechanism.NameAnonymous})
			Expect(initiator.err).NotTo(HaveOccurred())
			clk.Add(mechanism.DefaultLifetime + time.Second)
			_, err := alice.CachedSecret("bob")
			Expect(err).To(MatchError(keystore.ErrExpired))
		})

		It("fails when nothing advertised is enabled", func() {
			aliceListener.EXPECT().AuthenticationComplete("", "bob", false)
			bobListener.EXPECT().AuthenticationComplete("", "alice", false)

			initiator, responder := handshake(ctx, alice, bob, []string{mechanism.NameSPEKE})
			Expect(errors.Is(initiator.err, authenticator.ErrNoMechanism)).To(BeTrue())
			Expect(protocol.CodeOf(responder.err)).To(Equal(protocol.CodeAuthFail))
		})

		It("rate limits conversations per peer", func() {
			limited, err := authenticator.New(authenticator.Config{
				Listener:   aliceListener,
				Registry:   mechanism.DefaultRegistry([]string{mechanism.NameAnonymous}, false),
				Clock:      clk,
				RateLimit:  0.1,
				RateBurst:  1,
				Registerer: reg,
			})
			Expect(err).NotTo(HaveOccurred())
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "bob", true)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "alice", true)
			aliceListener.EXPECT().AuthenticationComplete("", "bob", false)

			first, _ := handshake(ctx, limited, bob, []string{mechanism.NameAnonymous})
			Expect(first.err).NotTo(HaveOccurred())

			conn, _ := connector.Pipe("alice", "bob")
			defer conn.Close()
			_, err = limited.Authenticate(ctx, conn, "bob", []string{mechanism.NameAnonymous})
			Expect(err).To(MatchError(authenticator.ErrRateLimited))
			Expect(testutil.GatherAndCompare(reg, strings.NewReader(rateLimitedMetric), "peerauth_rate_limited_total")).To(Succeed())
		})
	})

	Context("with PSK", func() {
		var alice, bob *authenticator.Authenticator

		BeforeEach(func() {
			only := []string{mechanism.NamePSK, mechanism.NameAnonymous}
			alice = newAuthenticator(aliceListener, "alice", mechanism.DefaultRegistry(only, true), reg)
			bob = newAuthenticator(bobListener, "bob", mechanism.DefaultRegistry(only, true), nil)
			aliceListener.EXPECT().SecurityViolation(gomock.Any(), gomock.Any()).AnyTimes()
		})

		It("fails on mismatched keys", func() {
			aliceListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("0123456789abcdef"))
			bobListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("ffffffffffffffff"))
			aliceListener.EXPECT().AuthenticationComplete("", "bob", false)
			bobListener.EXPECT().AuthenticationComplete("", "alice", false)

			initiator, responder := handshake(ctx, alice, bob, []string{mechanism.NamePSK})
			Expect(protocol.CodeOf(initiator.err)).To(Equal(protocol.CodeAuthFail))
			Expect(protocol.CodeOf(responder.err)).To(Equal(protocol.CodeAuthFail))
			_, err := alice.CachedSecret("bob")
			Expect(err).To(MatchError(keystore.ErrNotFound))
			_, err = bob.CachedSecret("alice")
			Expect(err).To(MatchError(keystore.ErrNotFound))
		})

		It("succeeds on matching keys", func() {
			aliceListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("0123456789abcdef"))
			bobListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("0123456789abcdef"))
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NamePSK, "bob", true)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NamePSK, "alice", true)

			initiator, responder := handshake(ctx, alice, bob, []string{mechanism.NamePSK, mechanism.NameAnonymous})
			Expect(initiator.err).NotTo(HaveOccurred())
			Expect(responder.err).NotTo(HaveOccurred())
			Expect(initiator.outcome.Mechanism).To(Equal(mechanism.NamePSK))
			Expect(initiator.outcome.Secret.MasterSecret).To(Equal(responder.outcome.Secret.MasterSecret))
		})

		It("suspends PSK after repeated failures and falls through to ANON", func() {
			var attempts []int
			aliceListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(
				func(req broker.Request, creds *credentials.Credentials) bool {
					attempts = append(attempts, req.Attempt)
					creds.SetPassword([]byte("0123456789abcdef"))
					return true
				}).Times(authenticator.DefaultAttemptCap)
			bobListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("ffffffffffffffff")).Times(authenticator.DefaultAttemptCap)
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "bob", true).Times(authenticator.DefaultAttemptCap + 1)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "alice", true).Times(authenticator.DefaultAttemptCap + 1)

			advertised := []string{mechanism.NamePSK, mechanism.NameAnonymous}
			for i := 0; i <= authenticator.DefaultAttemptCap; i++ {
				initiator, responder := handshake(ctx, alice, bob, advertised)
				Expect(initiator.err).NotTo(HaveOccurred())
				Expect(responder.err).NotTo(HaveOccurred())
				Expect(initiator.outcome.Mechanism).To(Equal(mechanism.NameAnonymous))
			}
			Expect(attempts).To(Equal([]int{1, 2, 3}))
			Expect(testutil.GatherAndCompare(reg, strings.NewReader(coolDownsMetric), "peerauth_cooldowns_total")).To(Succeed())

			By("lifting the suspension once the cool-down elapses")
			aliceListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("ffffffffffffffff"))
			bobListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("ffffffffffffffff"))
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NamePSK, "bob", true)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NamePSK, "alice", true)
			clk.Add(authenticator.DefaultCoolDown)
			initiator, _ := handshake(ctx, alice, bob, advertised)
			Expect(initiator.err).NotTo(HaveOccurred())
			Expect(initiator.outcome.Mechanism).To(Equal(mechanism.NamePSK))
		})

		It("moves on when the responder refuses a mechanism", func() {
			anonOnly := newAuthenticator(bobListener, "bob", mechanism.DefaultRegistry([]string{mechanism.NameAnonymous}, false), nil)
			aliceListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(setPassword("0123456789abcdef"))
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "bob", true)
			bobListener.EXPECT().AuthenticationComplete(mechanism.NameAnonymous, "alice", true)

			initiator, responder := handshake(ctx, alice, anonOnly, []string{mechanism.NamePSK, mechanism.NameAnonymous})
			Expect(initiator.err).NotTo(HaveOccurred())
			Expect(responder.err).NotTo(HaveOccurred())
			Expect(initiator.outcome.Mechanism).To(Equal(mechanism.NameAnonymous))
			count, err := testutil.GatherAndCount(reg, "peerauth_cooldowns_total")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeZero())
		})
	})

	Context("with a listener that never answers", func() {
		It("times out the attempt and retires the context", func() {
			asyncAlice := mocks.NewAsyncListener(ctrl)
			alice, err := authenticator.New(authenticator.Config{
				Listener:       asyncAlice,
				LocalID:        "alice",
				Registry:       mechanism.DefaultRegistry([]string{mechanism.NameSPEKE}, false),
				SessionTimeout: 100 * time.Millisecond,
				Clock:          clk,
			})
			Expect(err).NotTo(HaveOccurred())

			pending := make(chan broker.AuthContext, 1)
			asyncAlice.EXPECT().RequestCredentialsAsync(gomock.Any(), gomock.Any()).DoAndReturn(
				func(req broker.Request, authCtx broker.AuthContext) error {
					Expect(req.Mechanism).To(Equal(mechanism.NameSPEKE))
					pending <- authCtx
					return nil
				})
			asyncAlice.EXPECT().AuthenticationComplete("", "bob", false)

			toBob, toAlice := connector.Pipe("alice", "bob")
			defer toBob.Close()
			defer toAlice.Close()

			start := time.Now()
			_, err = alice.Authenticate(ctx, toBob, "bob", []string{mechanism.NameSPEKE})
			Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeAuthTimeout))
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindTimeout))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))

			var authCtx broker.AuthContext
			Expect(pending).To(Receive(&authCtx))
			creds := &credentials.Credentials{}
			creds.SetPassword([]byte("too late"))
			err = alice.RequestCredentialsResponse(authCtx, true, creds)
			Expect(err).To(MatchError(broker.ErrUnknownContext))
		})
	})

	Context("with ECDSA", func() {
		It("waits for a deferred verification", func() {
			aliceID := selfSigned("alice", clk.Now())
			bobID := selfSigned("bob", clk.Now())
			keyPEM, err := protocol.MarshalPrivateKeyPEM(aliceID.Key)
			Expect(err).NotTo(HaveOccurred())
			chainPEM := protocol.EncodeCertificateChainPEM(aliceID.Chain)

			asyncBob := mocks.NewAsyncListener(ctrl)
			only := mechanism.DefaultRegistry([]string{mechanism.NameECDSA}, false)
			alice := newAuthenticator(aliceListener, "alice", only, nil)
			bob, err := authenticator.New(authenticator.Config{
				Listener: asyncBob,
				LocalID:  "bob",
				Registry: mechanism.DefaultRegistry([]string{mechanism.NameECDSA}, false),
				Identity: bobID,
				Clock:    clk,
			})
			Expect(err).NotTo(HaveOccurred())

			aliceListener.EXPECT().RequestCredentials(gomock.Any(), gomock.Any()).DoAndReturn(
				func(req broker.Request, creds *credentials.Credentials) bool {
					Expect(req.Mechanism).To(Equal(mechanism.NameECDSA))
					creds.SetCertChain(chainPEM)
					creds.SetPrivateKey(keyPEM)
					return true
				})
			aliceListener.EXPECT().VerifyCredentials(mechanism.NameECDSA, "bob", gomock.Any()).Return(true)
			asyncBob.EXPECT().RequestCredentialsAsync(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ broker.Request, authCtx broker.AuthContext) error {
					go func() {
						defer GinkgoRecover()
						Expect(bob.RequestCredentialsResponse(authCtx, true, nil)).To(Succeed())
					}()
					return nil
				})
			pending := make(chan broker.AuthContext, 1)
			asyncBob.EXPECT().VerifyCredentialsAsync(mechanism.NameECDSA, "alice", gomock.Any(), gomock.Any()).DoAndReturn(
				func(_, _ string, creds *credentials.Credentials, authCtx broker.AuthContext) error {
					Expect(creds.CertChain()).To(Equal(chainPEM))
					pending <- authCtx
					return nil
				})
			aliceListener.EXPECT().AuthenticationComplete(mechanism.NameECDSA, "bob", true)
			asyncBob.EXPECT().AuthenticationComplete(mechanism.NameECDSA, "alice", true)

			done := make(chan [2]result, 1)
			go func() {
				defer GinkgoRecover()
				initiator, responder := handshake(ctx, alice, bob, []string{mechanism.NameECDSA})
				done <- [2]result{initiator, responder}
			}()

			var authCtx broker.AuthContext
			Eventually(pending).WithTimeout(5 * time.Second).Should(Receive(&authCtx))
			Consistently(done).WithTimeout(50 * time.Millisecond).ShouldNot(Receive())
			Expect(bob.VerifyCredentialsResponse(authCtx, true)).To(Succeed())

			var results [2]result
			Eventually(done).WithTimeout(5 * time.Second).Should(Receive(&results))
			initiator, responder := results[0], results[1]
			Expect(initiator.err).NotTo(HaveOccurred())
			Expect(responder.err).NotTo(HaveOccurred())
			Expect(initiator.outcome.Secret.MasterSecret).To(Equal(responder.outcome.Secret.MasterSecret))

			binding := sha256.Sum256(aliceID.Chain[0].Raw)
			Expect(responder.outcome.Secret.IssuerBinding).To(Equal(binding[:]))
			Expect(responder.outcome.PeerChain[0].Subject.CommonName).To(Equal("alice"))
			Expect(initiator.outcome.PeerChain[0].Subject.CommonName).To(Equal("bob"))

			err = bob.VerifyCredentialsResponse(authCtx, true)
			Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeAuthFail))
		})
	})
})
