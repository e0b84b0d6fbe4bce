package main

import (
	"errors"
	"flag"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meshbus/peerauth/pkg/authenticator"
	"github.com/meshbus/peerauth/pkg/cli"
	"github.com/meshbus/peerauth/pkg/keystore"
)

const envPassword = "PEERAUTH_PASSWORD"

var ErrCommandLineArgs = errors.New("invalid command line arguments")

// app holds state shared by every subcommand, including those run from a batch.
type app struct {
	out      io.Writer
	config   *cli.Config
	password string
	prompt   bool
	trusted  []string
	lifetime time.Duration
	timeout  time.Duration
	registry *prometheus.Registry
	loaded   bool
}

func newApp(out io.Writer) *app {
	config, _ := cli.NewConfig(cli.FlagAll)
	return &app{out: out, config: config, registry: prometheus.NewRegistry()}
}

func (a *app) load() error {
	if a.loaded {
		return nil
	}
	a.config.ReadFromEnvironment()
	if err := a.config.ReadFromFile(); err != nil {
		return err
	}
	if a.password == "" {
		a.password = os.Getenv(envPassword)
	}
	if err := a.config.LoadCredentials(); err != nil {
		return err
	}
	a.loaded = true
	return nil
}

func (a *app) listener() *consoleListener {
	l := newConsoleListener(a.out, a.password, a.trusted)
	if a.prompt {
		l.enablePrompt()
	}
	l.SetLifetime(a.lifetime)
	if _, err := a.config.Identity(); err == nil {
		l.hasIdentity = true
	}
	return l
}

func (a *app) openStore() (*keystore.Store, error) {
	return a.config.OpenStore()
}

// authenticator opens the configured store and builds an authenticator around it. The caller
// closes the store.
func (a *app) authenticator() (*authenticator.Authenticator, *keystore.Store, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	auth, err := a.config.Authenticator(a.listener(), store, a.registry)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return auth, store, nil
}

func (a *app) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "peerauth",
		Short:         "Authenticate peers and manage negotiated session secrets",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetOut(a.out)

	goFlags := flag.NewFlagSet("peerauth", flag.ContinueOnError)
	a.config.RegisterCommandLineFlags(goFlags)
	root.PersistentFlags().AddGoFlagSet(goFlags)
	root.PersistentFlags().StringVar(&a.password, "password", "", "Password for SPEKE and PSK. Defaults to $"+envPassword+".")
	root.PersistentFlags().BoolVar(&a.prompt, "prompt", false, "Prompt for passwords that were not provided")
	root.PersistentFlags().StringSliceVar(&a.trusted, "trust", nil, "Fingerprints of trusted certificate keys (can be repeated; omit to trust all)")
	root.PersistentFlags().DurationVar(&a.lifetime, "lifetime", 0, "Requested lifetime of negotiated secrets")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "Deadline for network operations")

	root.AddCommand(a.storeCmd(), a.fingerprintCmd(), a.listenCmd(), a.dialCmd(), a.demoCmd(), a.batchCmd(root))
	return root
}

func (a *app) fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := a.config.Identity()
			if err != nil {
				return err
			}
			cmd.Printf("Fingerprint: %s\n", fingerprintOf(identity))
			return nil
		},
	}
}
