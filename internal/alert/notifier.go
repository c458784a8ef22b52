package alert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// Notifier delivers alert emails.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, subject, body string) error
}

// SMTPNotifier sends plain-text mail through a single SMTP relay.
type SMTPNotifier struct {
	addr     string
	host     string
	username string
	password string
	from     string
}

// NewSMTPNotifier builds a notifier for the given relay. An empty
// username skips authentication.
func NewSMTPNotifier(host string, port int, username, password, from string) *SMTPNotifier {
	return &SMTPNotifier{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		username: username,
		password: password,
		from:     from,
	}
}

// Notify sends one message to all recipients. net/smtp has no context
// hook, so cancellation only takes effect between deliveries.
func (n *SMTPNotifier) Notify(_ context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return nil
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if n.username != "" {
		auth = smtp.PlainAuth("", n.username, n.password, n.host)
	}
	if err := smtp.SendMail(n.addr, auth, n.from, recipients, msg.Bytes()); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogNotifier records would-be emails in the log. It is the fallback when
// SMTP is unconfigured.
type LogNotifier struct{}

// Notify logs the delivery instead of sending it.
func (LogNotifier) Notify(_ context.Context, recipients []string, subject, _ string) error {
	slog.Info("email notifier unconfigured, logging alert",
		"recipients", strings.Join(recipients, ","),
		"subject", subject)
	return nil
}
