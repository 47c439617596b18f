package receipt

import (
	"bytes"
	"fmt"
	"log"
	"net/smtp"
)

// Sender delivers one HTML e-mail.
type Sender interface {
	Send(to, subject, htmlBody string) error
}

type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth // nil for MailHog and other local relays
}

func NewSMTPSender(host, port, from string) *SMTPSender {
	return &SMTPSender{addr: host + ":" + port, from: from}
}

// WithPlainAuth enables PLAIN authentication for real providers.
func (s *SMTPSender) WithPlainAuth(user, password, host string) *SMTPSender {
	s.auth = smtp.PlainAuth("", user, password, host)
	return s
}

func (s *SMTPSender) Send(to, subject, htmlBody string) error {
	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{to}, buildMessage(s.from, to, subject, htmlBody)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, html string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "\r\n%s\r\n", html)
	return buf.Bytes()
}

// LogSender prints receipts instead of sending them; useful without SMTP.
type LogSender struct {
	Logger *log.Logger
}

func (s LogSender) Send(to, subject, htmlBody string) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[Receipt] to=%s subject=%q body=%q", to, subject, htmlBody)
	return nil
}
