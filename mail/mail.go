// Package mail defines the delivery contract the engine requires from its
// mail collaborator, plus ready-made senders. The engine never renders
// message bodies itself; it hands the sender a kind, an address, the token
// material, and the recipient locale.
package mail

import (
	"context"
	"errors"
)

// Kind identifies the message template a delivery maps to.
type Kind string

const (
	// KindPasswordReset carries a password-reset token.
	KindPasswordReset Kind = "password_reset"
	// KindAccountValidation carries an account-validation token.
	KindAccountValidation Kind = "account_validation"
)

// ErrDelivery is the single failure surface senders report. Callers
// invalidate the accompanying token when they see it.
var ErrDelivery = errors.New("mail: delivery failed")

// Message is one deliverable. Subject is already localized by the caller;
// Token is the opaque envelope and must never be logged by senders.
type Message struct {
	Kind    Kind
	Address string
	Token   string
	Locale  string
	Subject string
}

// Sender delivers a message. Implementations must honor ctx cancellation
// and report any failure as (wrapping) ErrDelivery.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NopSender discards all messages. Useful when the embedding service
// handles delivery out of band.
type NopSender struct{}

// Send implements Sender.
func (NopSender) Send(context.Context, Message) error { return nil }
