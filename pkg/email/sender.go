// Package email sends operator notification mail over plain SMTP. The
// control plane emails rarely (recovery digests, credit alerts), so a
// synchronous send per message is fine and no queue sits in front of it.
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	// From is the envelope sender (MAIL FROM), a bare mailbox address.
	From string
	// FromName is an optional display name for the From header only.
	FromName string
}

type Sender struct {
	config Config
	auth   smtp.Auth
}

// NewSender builds a Sender. Auth is attempted only when both user and
// password are configured; an unauthenticated relay is common for
// in-cluster mail hops.
func NewSender(config Config) *Sender {
	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}
	return &Sender{config: config, auth: auth}
}

// SendMail delivers one HTML message. Header values are stripped of CR/LF
// so a caller-supplied subject cannot inject extra headers.
func (s *Sender) SendMail(ctx context.Context, to, subject, htmlBody string) error {
	addr := s.config.Host + ":" + s.config.Port
	to = sanitizeHeader(to)
	body := s.buildMessage(to, sanitizeHeader(subject), htmlBody)

	if s.auth != nil {
		return smtp.SendMail(addr, s.auth, s.config.From, []string{to}, body)
	}
	return s.sendDirect(addr, to, body)
}

func (s *Sender) buildMessage(to, subject, htmlBody string) []byte {
	from := s.config.From
	if name := strings.TrimSpace(s.config.FromName); name != "" {
		from = fmt.Sprintf("%s <%s>", name, s.config.From)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", sanitizeHeader(from))
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}

// sendDirect runs the session by hand for relays that accept
// unauthenticated submission, skipping the EHLO auth negotiation.
func (s *Sender) sendDirect(addr, to string, body []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Mail(s.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return c.Quit()
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
