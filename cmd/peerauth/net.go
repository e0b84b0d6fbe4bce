package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/authenticator"
	"github.com/meshbus/peerauth/pkg/connector/stream"
)

func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed: %s", err)
		}
	}()
}

func (a *app) listenCmd() *cobra.Command {
	var (
		metricsAddr string
		once        bool
	)
	cmd := &cobra.Command{
		Use:   "listen MULTIADDR",
		Short: "Accept connections and authenticate each initiator",
		Example: `  peerauth listen /ip4/0.0.0.0/tcp/7400 --mechanism speke --password hunter22
  peerauth listen /ip6/::1/tcp/7400 --key-name node-a --metrics 127.0.0.1:9400`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			auth, store, err := a.authenticator()
			if err != nil {
				return err
			}
			defer store.Close()
			a.serveMetrics(ctx, metricsAddr)

			l, err := stream.Listen(args[0])
			if err != nil {
				return err
			}
			defer l.Close()
			cmd.Printf("Listening on %s\n", l.Addr())

			for {
				conn, err := l.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if once {
					return a.accept(ctx, auth, conn)
				}
				go a.accept(ctx, auth, conn)
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on `host:port`")
	cmd.Flags().BoolVar(&once, "once", false, "Exit after the first conversation")
	return cmd
}

func (a *app) accept(ctx context.Context, auth *authenticator.Authenticator, conn *stream.Connection) error {
	defer conn.Close()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err := auth.Accept(ctx, conn, conn.Peer())
	if err != nil {
		log.Info("Conversation with %s ended: %s", conn.Peer(), err)
	}
	return err
}

func (a *app) dialCmd() *cobra.Command {
	var (
		name       string
		advertised []string
	)
	cmd := &cobra.Command{
		Use:   "dial MULTIADDR",
		Short: "Connect to a listener and authenticate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()

			auth, store, err := a.authenticator()
			if err != nil {
				return err
			}
			defer store.Close()

			peer := name
			if peer == "" {
				peer = args[0]
			}
			conn, err := stream.Dial(ctx, args[0], peer)
			if err != nil {
				return err
			}
			defer conn.Close()

			if len(advertised) == 0 {
				advertised = auth.Mechanisms()
			}
			for i := range advertised {
				advertised[i] = strings.ToUpper(advertised[i])
			}
			outcome, err := auth.Authenticate(ctx, conn, peer, advertised)
			if err != nil {
				return err
			}
			cmd.Printf("Secret for %s expires %s\n", outcome.Peer, outcome.Secret.Expiration.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "peer", "", "Peer identity, which SPEKE requires to match the listener's --id. Defaults to MULTIADDR.")
	cmd.Flags().StringSliceVar(&advertised, "offer", nil, "Mechanisms the peer advertised. Defaults to every enabled mechanism.")
	return cmd
}
