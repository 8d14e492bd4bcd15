// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/chatops-bots/bender/pkg/config"
)

// SMTPMailer relays forwarded messages through an unauthenticated relay,
// the common case on an intranet with a local MTA.
type SMTPMailer struct {
	addr string
	from string
}

// NewMailer builds the mail relay from configuration. A missing relay
// address disables forwarding: the returned Mailer is nil and the forward
// command answers with a "not configured" notice.
func NewMailer(cfg config.Mail) Mailer {
	if cfg.SMTPAddr == "" {
		return nil
	}
	from := cfg.From
	if from == "" {
		from = "bender@localhost"
	}
	return &SMTPMailer{addr: cfg.SMTPAddr, from: from}
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")

	if err := smtp.SendMail(m.addr, nil, m.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp relay %s: %w", m.addr, err)
	}
	return nil
}
