package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshbus/peerauth/pkg/authenticator"
	"github.com/meshbus/peerauth/pkg/connector"
	"github.com/meshbus/peerauth/pkg/keystore"
)

const (
	demoInitiator = "initiator"
	demoResponder = "responder"
)

// loopback runs a conversation between two in-process authenticators and reports whether they
// agreed on a secret.
func (a *app) loopback(ctx context.Context, responderPassword string, advertised []string) (string, error) {
	build := func(localID, password string) (*authenticator.Authenticator, error) {
		l := a.listener()
		l.out = &bytes.Buffer{}
		if password != "" {
			l.setPassword(password)
		}
		cfg, err := a.config.AuthenticatorConfig(l, keystore.OpenMemory(), nil)
		if err != nil {
			return nil, err
		}
		cfg.LocalID = localID
		return authenticator.New(cfg)
	}
	initiator, err := build(demoInitiator, "")
	if err != nil {
		return "", err
	}
	responder, err := build(demoResponder, responderPassword)
	if err != nil {
		return "", err
	}
	if len(advertised) == 0 {
		advertised = responder.Mechanisms()
	}
	for i := range advertised {
		advertised[i] = strings.ToUpper(advertised[i])
	}

	toResponder, toInitiator := connector.Pipe(demoInitiator, demoResponder)
	defer toResponder.Close()
	defer toInitiator.Close()

	type result struct {
		outcome *authenticator.Outcome
		err     error
	}
	accepted := make(chan result, 1)
	go func() {
		outcome, err := responder.Accept(ctx, toInitiator, demoInitiator)
		accepted <- result{outcome, err}
	}()
	outcome, err := initiator.Authenticate(ctx, toResponder, demoResponder, advertised)
	r := <-accepted
	if err != nil {
		return "", err
	}
	if r.err != nil {
		return "", r.err
	}
	if !bytes.Equal(outcome.Secret.MasterSecret, r.outcome.Secret.MasterSecret) {
		return "", fmt.Errorf("%s negotiated different secrets", outcome.Mechanism)
	}
	return outcome.Mechanism, nil
}

func (a *app) demoCmd() *cobra.Command {
	var (
		responderPassword string
		advertised        []string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a conversation between two in-process peers",
		Example: `  peerauth demo --mechanism speke --password hunter22
  peerauth demo --mechanism speke --password hunter22 --responder-password wrong`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()
			mechanism, err := a.loopback(ctx, responderPassword, advertised)
			if err != nil {
				return err
			}
			cmd.Printf("Both peers agreed on a %s secret\n", mechanism)
			return nil
		},
	}
	cmd.Flags().StringVar(&responderPassword, "responder-password", "", "Password used by the responder. Defaults to --password.")
	cmd.Flags().StringSliceVar(&advertised, "offer", nil, "Mechanisms the initiator tries. Defaults to every enabled mechanism.")
	return cmd
}
