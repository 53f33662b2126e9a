package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailConfig holds configuration for sending mail via SMTP.
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	FromEmail    string
	Subject      string
}

// Configured reports whether a server and sender are set.
func (c EmailConfig) Configured() bool {
	return c.SMTPHost != "" && c.FromEmail != ""
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers plain-text messages over SMTP.
type EmailSender struct {
	cfg      EmailConfig
	sendMail sendMailFunc
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = cfg.SMTPUser
	}
	if cfg.Subject == "" {
		cfg.Subject = "Your verification code"
	}
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Send ignores ctx; net/smtp has no cancellation.
func (s *EmailSender) Send(_ context.Context, to, message string) error {
	if !s.cfg.Configured() {
		return fmt.Errorf("SMTP not configured")
	}
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("invalid recipient")
	}

	msg := []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n",
		s.cfg.FromEmail, to, s.cfg.Subject, message,
	))

	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	addr := s.cfg.SMTPHost + ":" + s.cfg.SMTPPort
	if err := s.sendMail(addr, auth, s.cfg.FromEmail, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
