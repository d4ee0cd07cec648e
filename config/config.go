// Package config loads the pairtunnel TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	pairtunnel "github.com/opd-ai/pairtunnel"
	"github.com/opd-ai/pairtunnel/crypto"
	"github.com/opd-ai/pairtunnel/keystore"
	"github.com/opd-ai/pairtunnel/pairing"
	"github.com/opd-ai/pairtunnel/relay"
)

// PassphraseEnv overrides keystore.passphrase when set.
const PassphraseEnv = "PAIRTUNNEL_PASSPHRASE"

// Key store backends.
const (
	BackendBolt   = "bolt"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Duration decodes TOML strings such as "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole configuration file.
type Config struct {
	Relay    Relay    `toml:"relay"`
	Device   Device   `toml:"device"`
	KeyStore KeyStore `toml:"keystore"`
	Logging  Logging  `toml:"logging"`
	Pairing  Pairing  `toml:"pairing"`
}

// Relay configures both the relay server and the relay clients dial.
type Relay struct {
	// URL is dialed by listen and connect.
	URL string `toml:"url"`
	// Listen is the address the relay command binds.
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
	// Advertise publishes the relay over mDNS.
	Advertise bool   `toml:"advertise"`
	Instance  string `toml:"instance"`
}

type Device struct {
	Username string `toml:"username"`
	DeviceID string `toml:"device_id"`
}

type KeyStore struct {
	Backend    string `toml:"backend"`
	Path       string `toml:"path"`
	Passphrase string `toml:"passphrase"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Pairing struct {
	PasswordLength int      `toml:"password_length"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	// Cipher is "AESGCM" or "ChaChaPoly"; both sides must match.
	Cipher string `toml:"cipher"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pairtunnel"
	}
	host = keystore.SanitizeDeviceID(strings.SplitN(host, ".", 2)[0])

	dataDir := ".pairtunnel"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".pairtunnel")
	}

	return &Config{
		Relay: Relay{
			URL:      "ws://localhost:8080" + relay.DefaultPath,
			Listen:   ":8080",
			Path:     relay.DefaultPath,
			Instance: host,
		},
		Device: Device{
			Username: host,
		},
		KeyStore: KeyStore{
			Backend: BackendBolt,
			Path:    filepath.Join(dataDir, "keys.db"),
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Pairing: Pairing{
			PasswordLength: pairing.DefaultPasswordLength,
			ConnectTimeout: Duration{15 * time.Second},
			Cipher:         crypto.CipherAESGCM.String(),
		},
	}
}

// Load decodes r on top of Default. Unknown keys are logged and ignored.
func Load(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, err
	}
	for _, key := range md.Undecoded() {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"key":      key.String(),
		}).Warn("Unknown configuration key")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile opens and decodes path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate rejects values no command can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.KeyStore.Backend {
	case BackendBolt, BackendFile, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("keystore.backend: unknown backend %q", c.KeyStore.Backend))
	}
	if c.KeyStore.Backend != BackendMemory && c.KeyStore.Path == "" {
		errs = append(errs, errors.New("keystore.path is required"))
	}
	if c.Device.Username == "" {
		errs = append(errs, errors.New("device.username is required"))
	}
	if strings.Contains(c.Device.Username, ":") {
		errs = append(errs, errors.New("device.username must not contain ':'"))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Pairing.PasswordLength < 4 || c.Pairing.PasswordLength > 64 {
		errs = append(errs, fmt.Errorf("pairing.password_length: %d is outside 4..64", c.Pairing.PasswordLength))
	}
	if c.Pairing.ConnectTimeout.Duration <= 0 {
		errs = append(errs, errors.New("pairing.connect_timeout must be positive"))
	}
	if _, err := crypto.ParseCipherKind(c.Pairing.Cipher); err != nil {
		errs = append(errs, fmt.Errorf("pairing.cipher: %w", err))
	}
	return errors.Join(errs...)
}

// ApplyLogging sets the global logrus level and formatter.
func (c *Config) ApplyLogging(out io.Writer) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if out != nil {
		logrus.SetOutput(out)
	}
	if c.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Provider returns the crypto provider for the configured cipher.
func (c *Config) Provider() (crypto.Provider, error) {
	kind, err := crypto.ParseCipherKind(c.Pairing.Cipher)
	if err != nil {
		return nil, err
	}
	return crypto.NewProvider(kind), nil
}

// OpenKeyStore opens the configured backend. The caller closes the store.
func (c *Config) OpenKeyStore() (*keystore.Store, error) {
	provider, err := c.Provider()
	if err != nil {
		return nil, err
	}

	var backend keystore.Backend
	switch c.KeyStore.Backend {
	case BackendMemory:
		backend = keystore.NewMemoryBackend()
	case BackendBolt:
		if err := os.MkdirAll(filepath.Dir(c.KeyStore.Path), 0o700); err != nil {
			return nil, err
		}
		backend, err = keystore.NewBoltBackend(c.KeyStore.Path)
	case BackendFile:
		passphrase := c.KeyStore.Passphrase
		if env := os.Getenv(PassphraseEnv); env != "" {
			passphrase = env
		}
		if passphrase == "" {
			return nil, fmt.Errorf("file key store needs keystore.passphrase or %s", PassphraseEnv)
		}
		backend, err = keystore.NewFileBackend(c.KeyStore.Path, []byte(passphrase))
	default:
		return nil, fmt.Errorf("unknown key store backend %q", c.KeyStore.Backend)
	}
	if err != nil {
		return nil, err
	}
	return keystore.New(backend, keystore.WithProvider(provider)), nil
}

// Options builds orchestrator options around store.
func (c *Config) Options(store *keystore.Store) (*pairtunnel.Options, error) {
	provider, err := c.Provider()
	if err != nil {
		return nil, err
	}
	opts := pairtunnel.NewOptions()
	opts.Provider = provider
	opts.KeyStore = store
	opts.PasswordLength = c.Pairing.PasswordLength
	opts.ConnectTimeout = c.Pairing.ConnectTimeout.Duration
	return opts, nil
}
