package main

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// ConfigureCmdConfig holds CLI options for "securitymgrd configure".
type ConfigureCmdConfig struct {
	// Out is the directory to write the default config file into.
	Out string `arg:"true" help:"Output directory" type:"existingdir" required:"true"`
}

// defaultConfigTOML is written verbatim by RunConfigureCmd. Every value
// whose StartCmdConfig flag has a default matches that default; the
// required flags (postgres-dsn, ca-key-dir, self-bus-name) and bus-names
// have no default and carry example values. An operator can edit in place
// rather than hunting for flag names.
const defaultConfigTOML = `# securitymgrd configuration.
# Required values below are examples; the rest are the daemon's defaults.
# Uncomment and edit as needed.

postgres-dsn = "postgres://securitymgr@localhost/securitymgr?sslmode=disable"
ca-key-dir = "/etc/securitymgrd/ca"

self-bus-name = "org.example.securitymgrd"
self-identity-name = "securitymgrd"

bus-names = []
poll-interval = "10s"
dial-timeout = "2s"

max-sessions = 32

addr = "127.0.0.1:8443"

# smtp-host = ""
# smtp-port = 587
# smtp-username = ""
# smtp-password = ""
# smtp-sender = ""
# smtp-recipients = []
`

// RunConfigureCmd writes a default TOML configuration file into c.Out. No
// certificate pair needs generating here, since this daemon's own trust
// root is the CA key store it manages itself, not an externally
// provisioned certificate.
func RunConfigureCmd(c *ConfigureCmdConfig) error {
	path := filepath.Join(c.Out, "securitymgrd.toml")
	if err := os.WriteFile(path, []byte(defaultConfigTOML), 0o600); err != nil {
		return trace.Wrap(err, "writing %s", path)
	}
	return nil
}
