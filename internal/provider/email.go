package provider

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// emailProvider sends a dispatched action as an SMTP message, grounded
// on the teacher's EmailChannel.
type emailProvider struct {
	name     string
	host     string
	port     int
	from     string
	to       []string
	username string
	password string
}

func newEmailProvider(c config.ProviderConfig) (Provider, error) {
	if c.SMTPHost == "" || len(c.To) == 0 {
		return nil, fmt.Errorf("email provider requires smtp_host and to")
	}
	port := c.SMTPPort
	if port == 0 {
		port = 587
	}
	return &emailProvider{
		name:     c.Name,
		host:     c.SMTPHost,
		port:     port,
		from:     c.From,
		to:       c.To,
		username: c.Username,
		password: c.Password,
	}, nil
}

func (p *emailProvider) Name() string { return p.name }

func (p *emailProvider) Execute(ctx context.Context, a action.Action) (map[string]any, error) {
	subject := fmt.Sprintf("[actiongate] %s", a.ActionType)
	if s, ok := a.Payload["subject"].(string); ok && s != "" {
		subject = s
	}
	bodyText, _ := a.Payload["body"].(string)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		p.from, strings.Join(p.to, ","), subject, bodyText)

	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}

	if err := smtp.SendMail(addr, auth, p.from, p.to, []byte(msg)); err != nil {
		return nil, &gwerrors.ProviderError{
			Provider:  p.name,
			Retryable: smtpRetryable(err),
			Code:      "smtp",
			Err:       fmt.Errorf("send email via %s: %w", p.host, err),
		}
	}
	return map[string]any{"sent_at": time.Now().Format(time.RFC3339), "to": p.to}, nil
}

// smtpRetryable classifies an SMTP send failure. Unlike HTTP, SMTP
// reply codes invert: 4xx means the server asked the client to try
// again later (retryable), 5xx means the message was permanently
// rejected (terminal). A bare connection/protocol error with no SMTP
// reply code at all is treated as a transient network failure.
func smtpRetryable(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500
	}
	return true
}
