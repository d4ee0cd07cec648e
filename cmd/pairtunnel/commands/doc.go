// Package commands defines the pairtunnel CLI.
//
// Commands
//
//   - relay          Run the WebSocket relay, optionally advertised over mDNS
//   - listen         Publish a pairing code and answer connection and credential requests
//   - connect        Pair with a listener using its pairing code and fetch a credential
//   - keys list      Show stored static keys
//   - keys delete    Remove the static key of one device
//   - keys clear     Remove every stored static key
//
// # Configuration
//
// The root command loads the TOML file named by --config, falling back to
// ~/.pairtunnel/config.toml and then to built-in defaults. Flags given on the
// command line override the file.
package commands
