// Package logger provides a context-scoped structured logger: a logrus
// entry carried on the context so that a reconciliation step started deep
// inside StateReconciler logs with the same fields (application AKI,
// event kind) its caller attached.
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Config selects the log output and severity. The daemon builds it in code
// (severity debug under --debug); no config file section maps onto it.
type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

type loggerKey struct{}

// Init configures the package-level logrus formatter. Call once at daemon
// startup, before any TOML config has been parsed, so early errors still log
// legibly.
func Init() {
	log.SetFormatter(&trace.TextFormatter{
		DisableTimestamp: false,
		EnableColors:     trace.IsTerminal(os.Stderr),
		ComponentPadding: 1,
	})
	log.SetOutput(os.Stderr)
}

// Setup applies a parsed Config on top of the Init defaults.
func Setup(conf Config) error {
	switch conf.Output {
	case "", "stderr", "2":
		log.SetOutput(os.Stderr)
	case "stdout", "1":
		log.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(conf.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return trace.Wrap(err, "opening log output")
		}
		log.SetOutput(f)
	}

	switch strings.ToLower(conf.Severity) {
	case "", "info":
		log.SetLevel(log.InfoLevel)
	case "error", "err":
		log.SetLevel(log.ErrorLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		return trace.BadParameter("unsupported log severity %q", conf.Severity)
	}
	return nil
}

// With attaches a single field to the context's logger.
func With(ctx context.Context, key string, value interface{}) (context.Context, *log.Entry) {
	entry := Get(ctx).WithField(key, value)
	return context.WithValue(ctx, loggerKey{}, entry), entry
}

// WithFields attaches several fields at once.
func WithFields(ctx context.Context, fields log.Fields) (context.Context, *log.Entry) {
	entry := Get(ctx).WithFields(fields)
	return context.WithValue(ctx, loggerKey{}, entry), entry
}

// Get returns the context's logger, or the standard logger's root entry if
// none was attached.
func Get(ctx context.Context) *log.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*log.Entry); ok && entry != nil {
		return entry
	}
	return log.NewEntry(log.StandardLogger())
}
