package commands

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/opd-ai/pairtunnel/config"
)

var (
	cfgPath  string
	conf     *config.Config
	relayURL string
	username string
	logLevel string
	cipher   string
)

func defaultConfigPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, ".pairtunnel", "config.toml")
}

// loadConfig reads cfgPath, or the default file when it exists, and applies
// flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		c   *config.Config
		err error
	)
	switch {
	case cfgPath != "":
		c, err = config.LoadFile(cfgPath)
	default:
		c, err = config.LoadFile(defaultConfigPath())
		if errors.Is(err, os.ErrNotExist) {
			c, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("relay") {
		c.Relay.URL = relayURL
	}
	if flags.Changed("username") {
		c.Device.Username = username
	}
	if flags.Changed("log-level") {
		c.Logging.Level = logLevel
	}
	if flags.Changed("cipher") {
		c.Pairing.Cipher = cipher
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pairtunnel",
		Short:        "Pair devices over a relay and hand over credentials through a Noise channel",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := c.ApplyLogging(cmd.ErrOrStderr()); err != nil {
				return err
			}
			color.NoColor = !isTerminal(cmd.OutOrStdout())
			conf = c
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ~/.pairtunnel/config.toml)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay WebSocket URL (e.g. ws://127.0.0.1:8080/ws)")
	root.PersistentFlags().StringVarP(&username, "username", "u", "", "username announced to the relay")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cipher, "cipher", "", "Noise cipher (AESGCM or ChaChaPoly)")

	root.AddCommand(relayCmd(), listenCmd(), connectCmd(), keysCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
