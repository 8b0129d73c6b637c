package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gravitational/trace"

	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/procutil"
)

const (
	daemonName        = "securitymgrd"
	daemonDescription = "Manages security claims, identities and permission policies for bus applications"
	shutdownTimeout   = 15 * time.Second
)

// version is set at build time via -ldflags.
var version = "dev"

var cli CLI

func main() {
	logger.Init()

	ctx := kong.Parse(
		&cli,
		kong.UsageOnError(),
		kong.Configuration(TOML),
		kong.Name(daemonName),
		kong.Description(daemonDescription),
	)

	if cli.Debug {
		if err := logger.Setup(logger.Config{Severity: "debug"}); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	command := ctx.Command()
	switch {
	case command == "version":
		fmt.Println(daemonName, version)

	case strings.HasPrefix(command, "configure"):
		if err := RunConfigureCmd(&cli.Configure); err != nil {
			fmt.Fprintln(os.Stderr, trace.DebugReport(err))
			os.Exit(1)
		}

	case command == "start":
		if err := cli.Start.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, trace.DebugReport(err))
			os.Exit(1)
		}
		if err := runDaemon(&cli.Start); err != nil {
			fmt.Fprintln(os.Stderr, trace.DebugReport(err))
			os.Exit(1)
		}

	case strings.HasPrefix(command, "claim"):
		if err := RunClaimCmd(context.Background(), &cli.Claim); err != nil {
			fmt.Fprintln(os.Stderr, trace.DebugReport(err))
			os.Exit(1)
		}

	case strings.HasPrefix(command, "apps list"):
		if err := RunAppsListCmd(&cli.Apps.List); err != nil {
			fmt.Fprintln(os.Stderr, trace.DebugReport(err))
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(1)
	}
}

// runDaemon builds the App and blocks until it is signaled to stop.
func runDaemon(cfg *StartCmdConfig) error {
	ctx := context.Background()
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	go procutil.ServeSignals(app, shutdownTimeout)

	return trace.Wrap(app.Run(ctx))
}
