package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailgun/mailgun-go/v4"
)

// MailgunConfig holds the Mailgun credentials and template bindings.
type MailgunConfig struct {
	Domain string
	APIKey string
	From   string
	// Templates maps a message kind to a Mailgun template name. Kinds
	// without a binding fail delivery rather than sending a blank mail.
	Templates map[Kind]string
}

// MailgunSender delivers messages through Mailgun templates. The token is
// passed as a template variable; the template owns presentation.
type MailgunSender struct {
	config MailgunConfig
	client *mailgun.MailgunImpl
}

// NewMailgunSender validates the configuration and returns a sender.
func NewMailgunSender(cfg MailgunConfig) (*MailgunSender, error) {
	if cfg.Domain == "" || cfg.APIKey == "" || cfg.From == "" {
		return nil, errors.New("mail: incomplete mailgun configuration")
	}
	if len(cfg.Templates) == 0 {
		return nil, errors.New("mail: no mailgun template bindings")
	}
	return &MailgunSender{
		config: cfg,
		client: mailgun.NewMailgun(cfg.Domain, cfg.APIKey),
	}, nil
}

// Send implements Sender.
func (s *MailgunSender) Send(ctx context.Context, msg Message) error {
	template, ok := s.config.Templates[msg.Kind]
	if !ok {
		return fmt.Errorf("%w: no template for kind %q", ErrDelivery, msg.Kind)
	}

	m := s.client.NewMessage(s.config.From, msg.Subject, "")
	m.SetTemplate(template)
	if err := m.AddRecipient(msg.Address); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	m.AddVariable("token", msg.Token)
	m.AddVariable("locale", msg.Locale)

	if _, _, err := s.client.Send(ctx, m); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}
