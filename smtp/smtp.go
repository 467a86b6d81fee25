// Package smtp implements the mailer for spec.md §7's notify_email
// notifications: Mailer.Send emails one Notification to a deduplicated
// recipient set, the way original's send_notification_email does in
// original_source/elastalert/elastalert.py. cmd/chronowatchd constructs
// a Mailer, but no error path calls Send, so rule load errors and
// backend errors are not emailed.
//
// Grounded on the teacher's notify/email/email.go for the message
// envelope shape (From/To/Subject/Date headers, a single text/plain
// body) but built on github.com/emersion/go-smtp's client instead of
// net/smtp, per SPEC_FULL.md §2's domain-stack wiring.
package smtp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// Config is the subset of a rule's/global notify_email settings this
// mailer needs: the smarthost to dial and the envelope From address.
// AuthUsername/AuthPassword are optional; an empty AuthUsername sends
// unauthenticated, matching the teacher's email notifier fallback.
type Config struct {
	Smarthost    string
	From         string
	AuthUsername string
	AuthPassword string
}

// Mailer sends notify_email/notify_alert error notifications.
type Mailer struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Mailer. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger.With("component", "smtp")}
}

// Notification is the synthesized single-match payload spec.md §7
// describes for notify_alert/notify_email fan-out:
// {timestamp, message, rule}.
type Notification struct {
	Timestamp time.Time
	Message   string
	Rule      string
}

// Send delivers one notification to the deduplicated recipient set.
// Recipients are deduplicated with a map-then-range, the pattern that
// recurs throughout the teacher's config validation (config/receiver)
// even though this package has no receiver config of its own to mirror.
func (m *Mailer) Send(ctx context.Context, recipients []string, n Notification) error {
	to := dedupe(recipients)
	if len(to) == 0 {
		return nil
	}
	if m.cfg.Smarthost == "" {
		return fmt.Errorf("smtp: no smarthost configured")
	}
	if _, err := mail.ParseAddress(m.cfg.From); err != nil {
		return fmt.Errorf("smtp: invalid from address %q: %w", m.cfg.From, err)
	}

	body := m.render(to, n)

	var auth sasl.Client
	if m.cfg.AuthUsername != "" {
		auth = sasl.NewPlainClient("", m.cfg.AuthUsername, m.cfg.AuthPassword)
	}

	if err := gosmtp.SendMail(m.cfg.Smarthost, auth, m.cfg.From, to, bytes.NewReader(body)); err != nil {
		m.logger.Error("notification email failed", "rule", n.Rule, "recipients", to, "err", err)
		return fmt.Errorf("smtp: send: %w", err)
	}
	m.logger.Info("notification email sent", "rule", n.Rule, "recipients", to)
	return nil
}

func (m *Mailer) render(to []string, n Notification) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", joinAddrs(to))
	fmt.Fprintf(&buf, "Subject: chronowatch: %s\r\n", n.Rule)
	fmt.Fprintf(&buf, "Date: %s\r\n", n.Timestamp.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	buf.WriteString(n.Message)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func dedupe(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func joinAddrs(addrs []string) string {
	var buf bytes.Buffer
	for i, a := range addrs {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(a)
	}
	return buf.String()
}

