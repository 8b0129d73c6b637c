package main

import (
	"github.com/alecthomas/kong"
)

// ClaimCmdConfig is the "claim" subcommand configuration: claim a single
// bus name one-shot, without starting the full daemon.
type ClaimCmdConfig struct {
	StorageConfig
	ProxyConfig

	// BusName is the bus name of the application to claim.
	BusName string `arg:"true" help:"Bus name of the application to claim" required:"true"`

	// PubKeyHex is the application's public key, hex-encoded raw X||Y.
	PubKeyHex string `arg:"true" help:"Application public key (hex-encoded)" required:"true"`

	// AppName is the display name minted into the application's identity.
	AppName string `help:"Display name for the claimed application's identity" default:"claimed-app"`
}

// AppsCmdConfig is the "apps list" subcommand configuration: an HTTP
// client against a running daemon's admin API.
type AppsCmdConfig struct {
	// AdminAddr is the running daemon's admin API base address.
	AdminAddr string `help:"Admin API base address" default:"http://127.0.0.1:8443" env:"SECURITYMGRD_ADMIN_ADDR"`
}

// CLI is the top-level command structure.
type CLI struct {
	// Config is the path to a TOML configuration file.
	Config kong.ConfigFlag `help:"Path to TOML configuration file" optional:"true" type:"existingfile" env:"SECURITYMGRD_CONFIG"`

	// Debug enables debug logging for every subcommand.
	Debug bool `help:"Debug logging" short:"d"`

	// Version prints the daemon version.
	Version struct{} `cmd:"true" help:"Print daemon version"`

	// Configure writes a default TOML config file.
	Configure ConfigureCmdConfig `cmd:"true" help:"Write a default configuration file"`

	// Start runs the daemon.
	Start StartCmdConfig `cmd:"true" help:"Start the security manager daemon"`

	// Claim claims a single application without starting the daemon.
	Claim ClaimCmdConfig `cmd:"true" help:"Claim a single application"`

	// Apps queries a running daemon's admin API.
	Apps struct {
		List AppsCmdConfig `cmd:"true" help:"List tracked applications"`
	} `cmd:"true" help:"Query a running daemon"`
}
