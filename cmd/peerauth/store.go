package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshbus/peerauth/pkg/keystore"
	"github.com/meshbus/peerauth/pkg/mechanism"
	"github.com/meshbus/peerauth/pkg/protocol"
)

func fingerprintOf(identity *mechanism.Identity) string {
	return protocol.Fingerprint(&identity.Key.PublicKey)
}

// withStore opens the configured store for the duration of fn.
func (a *app) withStore(fn func(*keystore.Store) error) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (a *app) storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the session secret store",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored secrets without revealing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *keystore.Store) error {
				if asJSON {
					return store.ExportSummary(cmd.OutOrStdout())
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PEER\tMECHANISM\tEXPIRES\t")
				for _, s := range store.List() {
					expires := s.Expiration.Format(time.RFC3339)
					if s.Expired {
						expires += " (expired)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t\n", s.Peer, s.Mechanism, expires)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	del := &cobra.Command{
		Use:   "delete PEER...",
		Short: "Delete the secrets negotiated with PEERs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *keystore.Store) error {
				for _, peer := range args {
					if err := store.Delete(peer); err != nil {
						return fmt.Errorf("%s: %w", peer, err)
					}
				}
				return nil
			})
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired secrets and compact the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *keystore.Store) error {
				n, err := store.Sweep(store.Now())
				if err != nil {
					return err
				}
				if err := store.Compact(); err != nil {
					return err
				}
				cmd.Printf("Removed %d expired secret(s)\n", n)
				return nil
			})
		},
	}

	clearAll := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *keystore.Store) error {
				return store.Clear()
			})
		},
	}

	cmd.AddCommand(list, del, sweep, clearAll)
	return cmd
}
