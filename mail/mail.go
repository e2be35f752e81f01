// Package mail provides the outbound email dependency for the
// verification code flow.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// Sender delivers a single email. Implementations must treat delivery
// failure as an error; the verification flow aborts when the code cannot
// reach the user.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds the connection settings for SMTPSender.
type SMTPConfig struct {
	// Host is the SMTP server hostname (required)
	Host string

	// Port is the SMTP server port (default 587)
	Port int

	// Username and Password are the optional AUTH PLAIN credentials
	Username string
	Password string

	// From is the sender address placed on outgoing mail (required)
	From string
}

// SMTPSender delivers mail over SMTP using the standard library client.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTP-backed sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Send delivers one message. The context is consulted before dialing; the
// stdlib SMTP client does not support mid-send cancellation.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

// LogSender writes messages to the log instead of delivering them. Meant
// for development setups where the verification code should surface in
// the server output.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send logs the message instead of delivering it.
func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.Info("mail (log sender)",
		"to", to,
		"subject", subject,
		"body", body,
	)
	return nil
}
