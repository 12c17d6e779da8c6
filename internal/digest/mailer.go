package digest

import (
	"bytes"
	"context"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Mailer delivers one composed RFC 5322 message.
type Mailer interface {
	Send(ctx context.Context, from, to string, raw []byte) error
}

// SMTPMailer sends through a single SMTP relay, with STARTTLS when the
// server offers it and PLAIN auth when credentials are configured.
type SMTPMailer struct {
	addr     string // host:port
	username string
	password string
}

func NewSMTPMailer(addr, username, password string) *SMTPMailer {
	return &SMTPMailer{addr: addr, username: username, password: password}
}

func (m *SMTPMailer) Send(_ context.Context, from, to string, raw []byte) error {
	var auth sasl.Client
	if m.username != "" {
		auth = sasl.NewPlainClient("", m.username, m.password)
	}
	return smtp.SendMail(m.addr, auth, from, []string{to}, bytes.NewReader(raw))
}
