package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
)

// SMTPConfig holds plain SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPSender delivers messages through a plain SMTP relay. Intended for
// development and self-hosted deployments.
type SMTPSender struct {
	config SMTPConfig
}

// NewSMTPSender validates the configuration and returns a sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == "" || cfg.From == "" {
		return nil, errors.New("mail: incomplete smtp configuration")
	}
	return &SMTPSender{config: cfg}, nil
}

// Send implements Sender. net/smtp has no context support; cancellation is
// checked before dialing and the relay's own timeouts bound the rest.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	body := fmt.Sprintf(
		"To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		msg.Address, msg.Subject, msg.Token,
	)

	addr := s.config.Host + ":" + s.config.Port
	if err := smtp.SendMail(addr, auth, s.config.From, []string{msg.Address}, []byte(body)); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}
