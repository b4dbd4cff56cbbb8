package heartbeat

import (
	"context"
	"fmt"
	"net/smtp"

	"mnemos/internal/config"
	"mnemos/internal/logging"
	"mnemos/internal/types"
)

// Dispatcher delivers an escalation notification. Implementations must not
// include any vault content; the message says only that the owner has gone
// quiet.
type Dispatcher interface {
	Dispatch(ctx context.Context, level types.AlertLevel, daysSince int) error
}

// LogDispatcher records alerts in the log only, the default when SMTP is
// not configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, level types.AlertLevel, daysSince int) error {
	logging.Get(logging.CategoryHeartbeat).Warnw("alert (no SMTP configured)",
		"level", level.String(), "days_since", daysSince)
	return nil
}

// SMTPDispatcher emails the configured alert address.
type SMTPDispatcher struct {
	smtpCfg config.SMTPConfig
	to      string
}

// NewSMTPDispatcher builds an email dispatcher. Returns nil when SMTP or
// the alert address is unconfigured, so callers can fall back to logging.
func NewSMTPDispatcher(smtpCfg config.SMTPConfig, to string) *SMTPDispatcher {
	if smtpCfg.Host == "" || to == "" {
		return nil
	}
	return &SMTPDispatcher{smtpCfg: smtpCfg, to: to}
}

func (d *SMTPDispatcher) Dispatch(_ context.Context, level types.AlertLevel, daysSince int) error {
	subject := fmt.Sprintf("Mnemos heartbeat: %s", level.String())
	body := fmt.Sprintf("No liveness check-in for %d days. Escalation level: %s.\r\n",
		daysSince, level.String())
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		d.smtpCfg.From, d.to, subject, body)

	addr := fmt.Sprintf("%s:%d", d.smtpCfg.Host, d.smtpCfg.Port)
	var auth smtp.Auth
	if d.smtpCfg.Username != "" {
		auth = smtp.PlainAuth("", d.smtpCfg.Username, d.smtpCfg.Password, d.smtpCfg.Host)
	}
	if err := smtp.SendMail(addr, auth, d.smtpCfg.From, []string{d.to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}
