// Package notify implements the email alert sink SPEC_FULL.md's domain
// stack names: a listener that turns a reconciler.SyncError or a failed
// claim attempt into an outbound email, so an operator without the admin
// API open doesn't have to notice a failure in the logs. Delivery runs
// over gopkg.in/mail.v2 rather than a hand-rolled SMTP client.
package notify

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/gravitational/trace"
	gomail "gopkg.in/mail.v2"

	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/logger"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/reconciler"
)

// SMTPConfig is the delivery configuration (host/port/username/password).
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Config is the full notify.Notifier configuration.
type Config struct {
	SMTP       SMTPConfig
	Sender     string
	Recipients []string
}

// CheckAndSetDefaults validates c and fills in the SMTP port default.
func (c *Config) CheckAndSetDefaults() error {
	if c.SMTP.Host == "" {
		return trace.BadParameter("notify: smtp host is required")
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.Username == "" {
		return trace.BadParameter("notify: smtp username is required")
	}
	if !isEmail(c.Sender) {
		return trace.BadParameter("notify: invalid sender address %q", c.Sender)
	}
	if len(c.Recipients) == 0 {
		return trace.BadParameter("notify: at least one recipient is required")
	}
	for _, r := range c.Recipients {
		if !isEmail(r) {
			return trace.BadParameter("notify: invalid recipient address %q", r)
		}
	}
	return nil
}

// isEmail parses addr, then requires the parsed address round-trips
// exactly (no display-name smuggling).
func isEmail(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	return addr == parsed.Address
}

// mailSender is the slice of *gomail.Dialer this package depends on, named
// separately so tests can inject a fake and assert on message contents
// without dialing a real SMTP server.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Notifier sends an email for every SyncError and every failed claim
// attempt it is told about.
type Notifier struct {
	cfg    Config
	dialer mailSender
}

// New builds a Notifier from cfg, which must already have passed
// CheckAndSetDefaults.
func New(cfg Config) *Notifier {
	dialer := gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	return &Notifier{cfg: cfg, dialer: dialer}
}

// WithDialer overrides the mail sender, letting tests substitute a fake.
func (n *Notifier) WithDialer(d mailSender) *Notifier {
	n.dialer = d
	return n
}

// OnSyncError satisfies reconciler.ErrorListener: register with
// Reconciler.AddErrorListener to email every update_application failure.
func (n *Notifier) OnSyncError(evt reconciler.SyncError) {
	subject := fmt.Sprintf("securitymgr: sync failed for %s", evt.PublicKey.AKI())
	body := fmt.Sprintf("Application: %s\nError kind: %s\nDetail: %v\n", evt.PublicKey.AKI(), evt.Kind, evt.Err)
	n.send(subject, body)
}

// NotifyClaimFailure reports a failed Claim attempt. Unlike SyncError,
// which the reconciler discovers and reports on its own, a claim failure
// is returned synchronously to whoever called Agent.Claim, so it is only
// reported when that caller invokes this directly; no listener delivers it.
// Nothing in this module outside the tests calls it.
func (n *Notifier) NotifyClaimFailure(app model.Application, err error) {
	kind, _ := kinderr.KindOf(err)
	subject := fmt.Sprintf("securitymgr: claim failed for %s", app.AKI())
	body := fmt.Sprintf("Application: %s\nError kind: %s\nDetail: %v\n", app.AKI(), kind, err)
	n.send(subject, body)
}

func (n *Notifier) send(subject, body string) {
	msg := gomail.NewMessage()
	msg.SetHeader("From", n.cfg.Sender)
	msg.SetHeader("To", n.cfg.Recipients...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Get(ctx).WithError(err).Error("sending notification email")
		}
	case <-ctx.Done():
		logger.Get(ctx).Warn("notification email send timed out")
	}
}
