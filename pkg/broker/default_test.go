package broker_test

import (
	"errors"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/credentials"
	"github.com/meshbus/peerauth/pkg/mechanism"
	"github.com/meshbus/peerauth/pkg/protocol"
)

var _ = Describe("DefaultListener", func() {
	var (
		l     *broker.DefaultListener
		creds *credentials.Credentials
	)

	request := func(name string, mask credentials.Mask) broker.Request {
		return broker.Request{Mechanism: name, Peer: "peer-a", Attempt: 1, Mask: mask}
	}

	BeforeEach(func() {
		l = broker.NewDefaultListener()
		creds = &credentials.Credentials{}
	})

	Context("without secrets", func() {
		It("accepts ANON", func() {
			Expect(l.RequestCredentials(request(mechanism.NameAnonymous, 0), creds)).To(BeTrue())
			Expect(creds.Mask()).To(BeZero())
		})

		It("accepts ECDSA without credentials", func() {
			mask := credentials.CertChain | credentials.PrivateKey
			Expect(l.RequestCredentials(request(mechanism.NameECDSA, mask), creds)).To(BeTrue())
			Expect(creds.IsSet(credentials.CertChain)).To(BeFalse())
			Expect(creds.IsSet(credentials.PrivateKey)).To(BeFalse())
		})

		It("refuses SPEKE and PSK", func() {
			Expect(l.RequestCredentials(request(mechanism.NameSPEKE, credentials.Password), creds)).To(BeFalse())
			Expect(l.RequestCredentials(request(mechanism.NamePSK, credentials.Password), creds)).To(BeFalse())
			Expect(l.HasSecret(mechanism.NameSPEKE)).To(BeFalse())
		})

		It("refuses unknown mechanisms", func() {
			Expect(l.RequestCredentials(request("GSSAPI", credentials.Password), creds)).To(BeFalse())
		})
	})

	Context("passwords", func() {
		It("rejects passwords shorter than 4 bytes", func() {
			err := l.SetPassword([]byte("abc"))
			Expect(errors.Is(err, broker.ErrPasswordTooShort)).To(BeTrue())
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindInputValidation))
			Expect(l.HasSecret(mechanism.NameSPEKE)).To(BeFalse())
		})

		It("answers SPEKE with the password and clears it on request", func() {
			Expect(l.SetPassword([]byte("abcd"))).To(Succeed())
			Expect(l.RequestCredentials(request(mechanism.NameSPEKE, credentials.Password), creds)).To(BeTrue())
			Expect(creds.Password()).To(Equal([]byte("abcd")))

			Expect(l.SetPassword(nil)).To(Succeed())
			Expect(l.RequestCredentials(request(mechanism.NameSPEKE, credentials.Password), &credentials.Credentials{})).To(BeFalse())
		})

		It("does not answer PSK with the password", func() {
			Expect(l.SetPassword([]byte("0123456789abcdef"))).To(Succeed())
			Expect(l.RequestCredentials(request(mechanism.NamePSK, credentials.Password), creds)).To(BeFalse())
		})

		It("falls back to PasswordFunc", func() {
			var asked []broker.Request
			l.PasswordFunc = func(req broker.Request) ([]byte, error) {
				asked = append(asked, req)
				if req.Attempt > 1 {
					return nil, errors.New("no terminal")
				}
				return []byte("typed"), nil
			}
			Expect(l.RequestCredentials(request(mechanism.NameSPEKE, credentials.Password), creds)).To(BeTrue())
			Expect(creds.Password()).To(Equal([]byte("typed")))

			retry := request(mechanism.NameSPEKE, credentials.Password)
			retry.Attempt = 2
			Expect(l.RequestCredentials(retry, &credentials.Credentials{})).To(BeFalse())
			Expect(asked).To(HaveLen(2))

			Expect(l.SetPassword([]byte("stored"))).To(Succeed())
			Expect(l.RequestCredentials(request(mechanism.NameSPEKE, credentials.Password), &credentials.Credentials{})).To(BeTrue())
			Expect(asked).To(HaveLen(2))
		})
	})

	Context("pre-shared keys", func() {
		It("rejects keys shorter than 16 bytes", func() {
			Expect(errors.Is(l.SetPSK([]byte("0123456789abcde")), broker.ErrPSKTooShort)).To(BeTrue())
			_, err := broker.NewDefaultListenerWithPSK([]byte("short"))
			Expect(errors.Is(err, broker.ErrPSKTooShort)).To(BeTrue())
		})

		It("answers PSK with the key and clears it on request", func() {
			l, err := broker.NewDefaultListenerWithPSK([]byte("0123456789abcdef"))
			Expect(err).NotTo(HaveOccurred())
			Expect(l.HasSecret(mechanism.NamePSK)).To(BeTrue())
			Expect(l.RequestCredentials(request(mechanism.NamePSK, credentials.Password), creds)).To(BeTrue())
			Expect(creds.Password()).To(Equal([]byte("0123456789abcdef")))
			Expect(l.RequestCredentials(request(mechanism.NameSPEKE, credentials.Password), &credentials.Credentials{})).To(BeFalse())

			Expect(l.SetPSK([]byte{})).To(Succeed())
			Expect(l.HasSecret(mechanism.NamePSK)).To(BeFalse())
		})
	})

	Context("lifetime", func() {
		It("is reported when expiration is requested", func() {
			l.SetLifetime(time.Hour)
			Expect(l.RequestCredentials(request(mechanism.NameAnonymous, credentials.Expiration), creds)).To(BeTrue())
			d, ok := creds.ExpirationDuration()
			Expect(ok).To(BeTrue())
			Expect(d).To(Equal(time.Hour))
		})

		It("saturates instead of wrapping", func() {
			l.SetLifetime(time.Duration(math.MaxUint32+10) * time.Second)
			Expect(l.RequestCredentials(request(mechanism.NameAnonymous, credentials.Expiration), creds)).To(BeTrue())
			Expect(creds.Expiration()).To(Equal(uint32(math.MaxUint32)))
		})

		It("is left unset when zero", func() {
			Expect(l.RequestCredentials(request(mechanism.NameAnonymous, credentials.Expiration), creds)).To(BeTrue())
			Expect(creds.IsSet(credentials.Expiration)).To(BeFalse())
		})
	})
})
