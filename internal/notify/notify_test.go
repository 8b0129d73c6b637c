package notify_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	gomail "gopkg.in/mail.v2"

	"github.com/alljoyn/core-securitymgr/internal/kinderr"
	"github.com/alljoyn/core-securitymgr/internal/model"
	"github.com/alljoyn/core-securitymgr/internal/notify"
	"github.com/alljoyn/core-securitymgr/internal/reconciler"
)

func validConfig() notify.Config {
	return notify.Config{
		SMTP:       notify.SMTPConfig{Host: "smtp.example.org", Username: "bot"},
		Sender:     "securitymgr@example.org",
		Recipients: []string{"ops@example.org"},
	}
}

// fakeDialer records every message it is asked to send instead of
// reaching out to a real SMTP server.
type fakeDialer struct {
	mu   sync.Mutex
	sent []*gomail.Message
	err  error
}

func (f *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m...)
	return f.err
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestCheckAndSetDefaultsFillsPort(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, 587, cfg.SMTP.Port)
}

func TestCheckAndSetDefaultsRejectsMissingHost(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.Host = ""
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRejectsInvalidSender(t *testing.T) {
	cfg := validConfig()
	cfg.Sender = "not-an-email"
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRejectsInvalidRecipient(t *testing.T) {
	cfg := validConfig()
	cfg.Recipients = []string{"ops@example.org", "bad"}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRejectsNoRecipients(t *testing.T) {
	cfg := validConfig()
	cfg.Recipients = nil
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestOnSyncErrorSendsOneMessage(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.CheckAndSetDefaults())

	dialer := &fakeDialer{}
	n := notify.New(cfg).WithDialer(dialer)

	n.OnSyncError(reconciler.SyncError{
		PublicKey: model.PublicKey{},
		Kind:      kinderr.RemoteUnreachable,
		Err:       errors.New("bus unreachable"),
	})

	require.Equal(t, 1, dialer.count())
}

func TestNotifyClaimFailureSendsOneMessage(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.CheckAndSetDefaults())

	dialer := &fakeDialer{}
	n := notify.New(cfg).WithDialer(dialer)

	n.NotifyClaimFailure(model.Application{}, kinderr.New(kinderr.ManifestRejected, "denied"))

	require.Equal(t, 1, dialer.count())
}
