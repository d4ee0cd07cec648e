package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	pairtunnel "github.com/opd-ai/pairtunnel"
	"github.com/opd-ai/pairtunnel/crypto"
	"github.com/opd-ai/pairtunnel/discovery"
)

// connect: pair with a listener and print the credential it releases.
func connectCmd() *cobra.Command {
	var (
		domain   string
		name     string
		discover bool
	)
	cmd := &cobra.Command{
		Use:   "connect [pairing-code]",
		Short: "Pair with a listener and request a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()

			url := conf.Relay.URL
			if discover {
				res, err := discovery.NewResolver(nil)
				if err != nil {
					return err
				}
				r, err := res.First(ctx)
				if err != nil {
					return err
				}
				url = r.URL()
				fmt.Fprintf(out, "Found relay %s at %s\n", r.Instance, url)
			}
			if name == "" {
				name = conf.Device.Username
			}

			store, err := conf.OpenKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()
			opts, err := conf.Options(store)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "Waiting for the listener to approve the connection...")
			c, err := pairtunnel.Connect(ctx, pairtunnel.ConnectConfig{
				RelayURL:    url,
				PairingCode: args[0],
				ClientName:  name,
			}, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			rs := c.RemoteStatic()
			fmt.Fprintf(out, "Secure channel established (listener key %s)\n", crypto.Fingerprint(rs[:]))

			resp, err := c.RequestCredential(ctx, domain)
			if errors.Is(err, pairtunnel.ErrCredentialDenied) {
				fmt.Fprintln(out, color.RedString("Credential request for %s denied", domain))
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Username: %s\nPassword: %s\n", resp.Credential.Username, resp.Credential.Password)
			return nil
		},
	}
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "domain of the requested credential")
	cmd.Flags().StringVarP(&name, "name", "n", "", "name shown to the listener (default device username)")
	cmd.Flags().BoolVar(&discover, "discover", false, "find the relay over mDNS instead of using --relay")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}
