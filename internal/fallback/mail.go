package fallback

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/config"
)

// MailSender is implemented by *gomail.Dialer.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailChannel forwards the submission to a mailbox as plain text, with
// Reply-To set to the visitor so the owner can answer directly.
type MailChannel struct {
	sender MailSender
	from   string
	to     string
}

// NewMailChannel dials the configured SMTP server for each message.
func NewMailChannel(cfg config.SMTP) *MailChannel {
	d := &gomail.Dialer{
		Host: cfg.Host,
		Port: cfg.Port,
		TLSConfig: &tls.Config{
			ServerName: cfg.Host,
		},
	}
	if cfg.Password != "" {
		d.Auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return NewMailChannelWithSender(d, from, cfg.To)
}

func NewMailChannelWithSender(sender MailSender, from, to string) *MailChannel {
	return &MailChannel{sender: sender, from: from, to: to}
}

func (c *MailChannel) Name() string { return "mail" }

// Deliver sends synchronously. gomail has no context support, so a send that
// is already dialing finishes even if ctx expires.
func (c *MailChannel) Deliver(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sender.DialAndSend(c.makeMessage(n)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (c *MailChannel) makeMessage(n Notice) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", c.to)
	m.SetHeader("Reply-To", n.Submission.Email)
	m.SetHeader("Subject", "Contact form: "+n.Submission.Subject)

	var body strings.Builder
	fmt.Fprintf(&body, "Name: %s\n", n.Submission.Name)
	fmt.Fprintf(&body, "Email: %s\n", n.Submission.Email)
	fmt.Fprintf(&body, "Subject: %s\n\n", n.Submission.Subject)
	body.WriteString(n.Submission.Message)
	fmt.Fprintf(&body, "\n\n--\nPrimary delivery failed with %s at %s (ref %s).\n",
		n.Result.ErrorCode, n.OccurredAt.UTC().Format("2006-01-02 15:04:05 MST"), n.ID)

	m.SetBody("text/plain", body.String())
	return m
}
