package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/pairtunnel/discovery"
	"github.com/opd-ai/pairtunnel/relay"
)

const statsInterval = 30 * time.Second

// relay: run the WebSocket relay until interrupted.
func relayCmd() *cobra.Command {
	var (
		listen    string
		advertise bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the pairing relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				conf.Relay.Listen = listen
			}
			if cmd.Flags().Changed("advertise") {
				conf.Relay.Advertise = advertise
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc := relay.DefaultConfig()
			rc.Path = conf.Relay.Path
			srv := relay.New(rc)

			ln, err := net.Listen("tcp", conf.Relay.Listen)
			if err != nil {
				return err
			}

			if conf.Relay.Advertise {
				adv := discovery.NewAdvertiser(nil)
				port := ln.Addr().(*net.TCPAddr).Port
				if err := adv.Start(conf.Relay.Instance, port, rc.Path); err != nil {
					ln.Close()
					return err
				}
				defer adv.Stop()
			}

			fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("Relay listening on %s%s", ln.Addr(), rc.Path))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Serve(ctx, ln)
			})
			g.Go(func() error {
				reportStats(ctx, srv)
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("Relay stopped."))
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "address to listen on")
	cmd.Flags().BoolVar(&advertise, "advertise", false, "advertise the relay over mDNS")
	return cmd
}

func reportStats(ctx context.Context, srv *relay.Server) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := srv.Stats()
			logrus.WithFields(logrus.Fields{
				"function":  "reportStats",
				"listeners": st.Listeners,
				"remotes":   st.Remotes,
			}).Info("Relay stats")
		}
	}
}
