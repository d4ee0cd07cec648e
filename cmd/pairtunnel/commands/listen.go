package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	pairtunnel "github.com/opd-ai/pairtunnel"
	"github.com/opd-ai/pairtunnel/crypto"
)

// listenSession answers the prompts raised by a Listener.
type listenSession struct {
	in          *bufio.Reader
	out         io.Writer
	autoApprove bool
	credential  *pairtunnel.Credential
}

// listen: publish a pairing code and serve credential requests until interrupted.
func listenCmd() *cobra.Command {
	var (
		password    string
		credUser    string
		credPass    string
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Publish a pairing code and answer requests from paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := conf.OpenKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()

			opts, err := conf.Options(store)
			if err != nil {
				return err
			}
			l := pairtunnel.NewListener(opts)
			defer l.Close()

			events, cancel := l.Subscribe()
			defer cancel()

			err = l.Listen(ctx, pairtunnel.ListenConfig{
				RelayURL: conf.Relay.URL,
				Username: conf.Device.Username,
				DeviceID: conf.Device.DeviceID,
				Password: password,
			})
			if err != nil {
				return err
			}

			s := &listenSession{
				in:          bufio.NewReader(cmd.InOrStdin()),
				out:         cmd.OutOrStdout(),
				autoApprove: autoApprove,
			}
			if credUser != "" {
				s.credential = &pairtunnel.Credential{Username: credUser, Password: credPass}
			}
			return s.run(ctx, events)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "use this pairing password instead of a generated one")
	cmd.Flags().StringVar(&credUser, "cred-user", "", "username released on approved credential requests")
	cmd.Flags().StringVar(&credPass, "cred-pass", "", "password released on approved credential requests")
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "approve every request without asking")
	return cmd
}

func (s *listenSession) run(ctx context.Context, events <-chan pairtunnel.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handle(ev); err != nil {
				return err
			}
		}
	}
}

func (s *listenSession) ask(question string) (bool, error) {
	if s.autoApprove {
		return true, nil
	}
	return confirm(s.in, s.out, question)
}

func (s *listenSession) handle(ev pairtunnel.Event) error {
	switch e := ev.(type) {
	case *pairtunnel.ListeningEvent:
		fmt.Fprintf(s.out, "Registered with relay as %s\n", e.Username)
	case *pairtunnel.PairingCodeGeneratedEvent:
		fmt.Fprintf(s.out, "Pairing code: %s\n", color.New(color.Bold, color.FgGreen).Sprint(e.PairingCode))
	case *pairtunnel.ConnectionRequestEvent:
		ok, err := s.ask(fmt.Sprintf("Allow %s to connect?", e.RemoteUsername))
		if err != nil {
			return err
		}
		return e.Respond(ok)
	case *pairtunnel.ConnectionApprovedEvent:
		fmt.Fprintf(s.out, "Connection from %s approved\n", e.RemoteUsername)
	case *pairtunnel.ConnectionDeniedEvent:
		fmt.Fprintln(s.out, color.RedString("Connection from %s denied", e.RemoteUsername))
	case *pairtunnel.HandshakeCompleteEvent:
		fmt.Fprintf(s.out, "Secure channel established with %s (key %s)\n",
			e.RemoteUsername, crypto.Fingerprint(e.RemoteStatic[:]))
	case *pairtunnel.CredentialRequestEvent:
		if s.credential == nil {
			fmt.Fprintln(s.out, color.RedString("No credential configured; denying request for %s", e.Domain))
			return e.Respond(false, nil)
		}
		ok, err := s.ask(fmt.Sprintf("Release credential for %s to %s?", e.Domain, e.RemoteUsername))
		if err != nil {
			return err
		}
		return e.Respond(ok, s.credential)
	case *pairtunnel.CredentialApprovedEvent:
		fmt.Fprintf(s.out, "Credential for %s sent to %s\n", e.Domain, e.RemoteUsername)
	case *pairtunnel.CredentialDeniedEvent:
		fmt.Fprintln(s.out, color.RedString("Credential for %s withheld from %s", e.Domain, e.RemoteUsername))
	case *pairtunnel.ErrorEvent:
		logrus.WithFields(logrus.Fields{
			"function": "listen",
			"context":  e.Context,
			"error":    e.Err,
		}).Warn("Pairing error")
	case *pairtunnel.DisconnectedEvent:
		fmt.Fprintln(s.out, color.RedString("Disconnected from relay"))
		return pairtunnel.ErrDisconnected
	default:
		logrus.WithFields(logrus.Fields{
			"function": "listen",
			"event":    ev.Type(),
		}).Debug("Event")
	}
	return nil
}
