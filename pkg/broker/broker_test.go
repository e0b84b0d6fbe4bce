package broker_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/meshbus/peerauth/mocks"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/protocol"
)

type completeOnly struct{}

func (completeOnly) AuthenticationComplete(string, string, bool) {}

type conflictingRequester struct {
	completeOnly
}

func (conflictingRequester) RequestCredentials(broker.Request, *credentials.Credentials) bool {
	return true
}

func (conflictingRequester) RequestCredentialsAsync(broker.Request, broker.AuthContext) error {
	return nil
}

type conflictingVerifier struct {
	completeOnly
}

func (conflictingVerifier) VerifyCredentials(string, string, *credentials.Credentials) bool {
	return true
}

func (conflictingVerifier) VerifyCredentialsAsync(string, string, *credentials.Credentials, broker.AuthContext) error {
	return nil
}

var _ = Describe("Broker", func() {
	var (
		ctrl *gomock.Controller
		ctx  context.Context
		req  broker.Request
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)
		req = broker.Request{Mechanism: "SPEKE", Peer: "peer-a", Attempt: 1, Mask: credentials.Password}
	})

	Context("registration", func() {
		It("rejects a nil listener", func() {
			_, err := broker.New(nil)
			Expect(err).To(MatchError(broker.ErrNilListener))
		})

		It("rejects both forms of RequestCredentials", func() {
			_, err := broker.New(conflictingRequester{})
			Expect(errors.Is(err, broker.ErrConflictingListener)).To(BeTrue())
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindProgrammer))
		})

		It("rejects both forms of VerifyCredentials", func() {
			_, err := broker.New(conflictingVerifier{})
			Expect(errors.Is(err, broker.ErrConflictingListener)).To(BeTrue())
		})

		It("applies defaults when only AuthenticationComplete is implemented", func() {
			b, err := broker.New(completeOnly{})
			Expect(err).NotTo(HaveOccurred())
			accept, creds, err := b.RequestCredentials(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(accept).To(BeFalse())
			Expect(creds).To(BeNil())
			trusted, err := b.VerifyCredentials(ctx, "ECDSA", "peer-a", &credentials.Credentials{})
			Expect(err).NotTo(HaveOccurred())
			Expect(trusted).To(BeTrue())
		})
	})

	Context("synchronous listener", func() {
		var (
			listener *mocks.SyncListener
			b        *broker.Broker
		)

		BeforeEach(func() {
			var err error
			listener = mocks.NewSyncListener(ctrl)
			b, err = broker.New(listener)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns credentials filled in by the listener", func() {
			listener.EXPECT().RequestCredentials(req, gomock.Any()).DoAndReturn(
				func(_ broker.Request, creds *credentials.Credentials) bool {
					creds.SetPassword([]byte{1, 2, 3, 4, 5})
					return true
				})
			accept, creds, err := b.RequestCredentials(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(accept).To(BeTrue())
			Expect(creds.IsSet(credentials.Password)).To(BeTrue())
			Expect(creds.Password()).To(Equal([]byte{1, 2, 3, 4, 5}))
		})

		It("discards credentials when the listener refuses", func() {
			listener.EXPECT().RequestCredentials(req, gomock.Any()).DoAndReturn(
				func(_ broker.Request, creds *credentials.Credentials) bool {
					creds.SetPassword([]byte("partial"))
					return false
				})
			accept, creds, err := b.RequestCredentials(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(accept).To(BeFalse())
			Expect(creds).To(BeNil())
		})

		It("forwards verification decisions", func() {
			listener.EXPECT().VerifyCredentials("ECDSA", "peer-a", gomock.Any()).Return(false)
			trusted, err := b.VerifyCredentials(ctx, "ECDSA", "peer-a", &credentials.Credentials{})
			Expect(err).NotTo(HaveOccurred())
			Expect(trusted).To(BeFalse())
		})

		It("forwards security violations and outcomes", func() {
			header := broker.MessageHeader{Mechanism: "PSK", Type: "Reply"}
			listener.EXPECT().SecurityViolation(protocol.ErrAuthFail, header)
			listener.EXPECT().AuthenticationComplete("PSK", "peer-a", true)
			b.SecurityViolation(protocol.ErrAuthFail, header)
			b.AuthenticationComplete("PSK", "peer-a", true)
		})
	})

	Context("deferred listener", func() {
		var (
			listener *mocks.AsyncListener
			b        *broker.Broker
			issued   chan broker.AuthContext
		)

		BeforeEach(func() {
			var err error
			listener = mocks.NewAsyncListener(ctrl)
			b, err = broker.New(listener)
			Expect(err).NotTo(HaveOccurred())
			issued = make(chan broker.AuthContext, 1)
		})

		type verifyResult struct {
			trusted bool
			err     error
		}

		verifyInBackground := func(ctx context.Context) <-chan verifyResult {
			listener.EXPECT().VerifyCredentialsAsync("ECDSA", "peer-a", gomock.Any(), gomock.Any()).DoAndReturn(
				func(_, _ string, _ *credentials.Credentials, authCtx broker.AuthContext) error {
					issued <- authCtx
					return nil
				})
			done := make(chan verifyResult, 1)
			go func() {
				trusted, err := b.VerifyCredentials(ctx, "ECDSA", "peer-a", &credentials.Credentials{})
				done <- verifyResult{trusted, err}
			}()
			return done
		}

		It("resumes the request when the application responds", func() {
			done := verifyInBackground(ctx)
			var authCtx broker.AuthContext
			Eventually(issued).Should(Receive(&authCtx))
			Expect(b.Outstanding()).To(Equal(1))
			Expect(b.VerifyCredentialsResponse(authCtx, true)).To(Succeed())

			var result verifyResult
			Eventually(done).Should(Receive(&result))
			Expect(result.err).NotTo(HaveOccurred())
			Expect(result.trusted).To(BeTrue())
			Expect(b.Outstanding()).To(BeZero())
		})

		It("rejects a duplicate response", func() {
			done := verifyInBackground(ctx)
			var authCtx broker.AuthContext
			Eventually(issued).Should(Receive(&authCtx))
			Expect(b.VerifyCredentialsResponse(authCtx, true)).To(Succeed())
			Eventually(done).Should(Receive())

			err := b.VerifyCredentialsResponse(authCtx, true)
			Expect(err).To(MatchError(broker.ErrUnknownContext))
			Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeAuthFail))
		})

		It("rejects a response of the wrong kind", func() {
			done := verifyInBackground(ctx)
			var authCtx broker.AuthContext
			Eventually(issued).Should(Receive(&authCtx))
			Expect(b.RequestCredentialsResponse(authCtx, true, nil)).To(MatchError(broker.ErrUnknownContext))
			Expect(b.VerifyCredentialsResponse(authCtx, false)).To(Succeed())
			var result verifyResult
			Eventually(done).Should(Receive(&result))
			Expect(result.trusted).To(BeFalse())
		})

		It("rejects contexts that were never issued", func() {
			Expect(b.VerifyCredentialsResponse(broker.AuthContext{}, true)).To(MatchError(broker.ErrUnknownContext))
		})

		It("invalidates the context when the deadline passes", func() {
			shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			done := verifyInBackground(shortCtx)
			var authCtx broker.AuthContext
			Eventually(issued).Should(Receive(&authCtx))

			var result verifyResult
			Eventually(done).Should(Receive(&result))
			Expect(protocol.CodeOf(result.err)).To(Equal(protocol.CodeAuthTimeout))
			Expect(b.VerifyCredentialsResponse(authCtx, true)).To(MatchError(broker.ErrUnknownContext))
			Expect(b.Outstanding()).To(BeZero())
		})

		It("delivers credentials supplied with the response", func() {
			listener.EXPECT().RequestCredentialsAsync(req, gomock.Any()).DoAndReturn(
				func(_ broker.Request, authCtx broker.AuthContext) error {
					creds := &credentials.Credentials{}
					creds.SetPassword([]byte("hunter2"))
					// Responding before returning from the dispatch call is permitted.
					return b.RequestCredentialsResponse(authCtx, true, creds)
				})
			accept, creds, err := b.RequestCredentials(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(accept).To(BeTrue())
			Expect(creds.Password()).To(Equal([]byte("hunter2")))
		})

		It("fails the request when dispatch fails", func() {
			listener.EXPECT().RequestCredentialsAsync(req, gomock.Any()).Return(protocol.ErrNotImplemented)
			_, _, err := b.RequestCredentials(ctx, req)
			Expect(err).To(MatchError(protocol.ErrNotImplemented))
			Expect(b.Outstanding()).To(BeZero())
		})

		It("reuses table slots with a new generation", func() {
			first := verifyInBackground(ctx)
			var firstCtx broker.AuthContext
			Eventually(issued).Should(Receive(&firstCtx))
			Expect(b.VerifyCredentialsResponse(firstCtx, true)).To(Succeed())
			Eventually(first).Should(Receive())

			second := verifyInBackground(ctx)
			var secondCtx broker.AuthContext
			Eventually(issued).Should(Receive(&secondCtx))
			Expect(secondCtx).NotTo(Equal(firstCtx))
			Expect(b.VerifyCredentialsResponse(firstCtx, true)).To(MatchError(broker.ErrUnknownContext))
			Expect(b.VerifyCredentialsResponse(secondCtx, true)).To(Succeed())
			Eventually(second).Should(Receive())
		})
	})
})
