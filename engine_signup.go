package credcore

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/halcyonlabs/credcore/audit"
	"github.com/halcyonlabs/credcore/mail"
	"github.com/halcyonlabs/credcore/onetime"
	"github.com/halcyonlabs/credcore/password"
)

// SignUp creates a credential for identifier and, when account validation
// is enabled, issues a validation token and mails it to the identifier.
//
// The account is created first and survives a delivery failure: the caller
// gets the partial result together with ErrDeliveryFailed and can retry
// delivery via RequestPasswordReset-style resend flows on their side. The
// failed token is invalidated before this returns.
func (e *Engine) SignUp(ctx context.Context, identifier, plaintext, locale string) (*SignUpResult, error) {
	if e == nil || e.provider == nil {
		return nil, ErrNotReady
	}

	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		e.metrics.incSignUp(false)
		if errors.Is(err, password.ErrPasswordTooShort) {
			return nil, ErrPasswordPolicy
		}
		return nil, e.storeErr("password hashing failed", err)
	}

	cred, err := e.provider.Create(ctx, CreateCredentialInput{
		Identifier:   identifier,
		PasswordHash: hash,
		Verified:     !e.config.Validation.Enabled,
	})
	if err != nil {
		e.metrics.incSignUp(false)
		if errors.Is(err, ErrProviderDuplicate) {
			e.emitAudit(ctx, audit.TypeSignUp, false, "", "", ErrAccountExists)
			return nil, ErrAccountExists
		}
		return nil, e.storeErr("credential creation failed", err)
	}

	result := &SignUpResult{Subject: cred.Subject}

	if e.config.Validation.Enabled {
		if err := e.sendValidationToken(ctx, cred.Subject, identifier, locale); err != nil {
			e.metrics.incSignUp(true)
			e.emitAudit(ctx, audit.TypeSignUp, true, cred.Subject, "", err)
			return result, err
		}
		result.ValidationSent = true
	}

	e.metrics.incSignUp(true)
	e.emitAudit(ctx, audit.TypeSignUp, true, cred.Subject, "", nil)
	return result, nil
}

// ConfirmAccount consumes an account-validation token and marks the
// subject verified. Each token validates exactly once; a second
// presentation answers ErrInvalidToken like any other dead token.
func (e *Engine) ConfirmAccount(ctx context.Context, token string) error {
	if e == nil || e.provider == nil {
		return ErrNotReady
	}

	subject, err := e.onetime.Consume(ctx, token, onetime.KindAccountValidation)
	if err != nil {
		e.metrics.incValidation("confirm", false)
		e.emitAudit(ctx, audit.TypeAccountValidation, false, "", "", err)
		return e.collapseTokenErr(err)
	}

	if err := e.provider.MarkVerified(ctx, subject); err != nil {
		e.metrics.incValidation("confirm", false)
		return e.storeErr("verification flag update failed", err)
	}

	e.metrics.incValidation("confirm", true)
	e.emitAudit(ctx, audit.TypeAccountValidation, true, subject, "", nil)
	return nil
}

// sendValidationToken issues a fresh validation token and delivers it.
// Delivery failure invalidates the token before the error surfaces.
func (e *Engine) sendValidationToken(ctx context.Context, subject, address, locale string) error {
	envelope, err := e.onetime.Issue(ctx, subject, onetime.KindAccountValidation, e.config.Validation.TTL)
	if err != nil {
		e.metrics.incValidation("request", false)
		if errors.Is(err, onetime.ErrConflict) {
			e.metrics.incConflict()
			return ErrStorageConflict
		}
		return e.storeErr("validation token issue failed", err)
	}

	err = e.mailer.Send(ctx, mail.Message{
		Kind:    mail.KindAccountValidation,
		Address: address,
		Token:   envelope,
		Locale:  locale,
		Subject: e.translator.Translate("mail.account_validation.subject", locale),
	})
	if err != nil {
		e.metrics.incValidation("request", false)
		e.metrics.incDeliveryFail()
		if invErr := e.onetime.Invalidate(ctx, envelope, onetime.KindAccountValidation); invErr != nil {
			e.logger.Error("failed to invalidate undelivered validation token", zap.Error(invErr))
		}
		e.logger.Error("validation mail delivery failed", zap.Error(err))
		return ErrDeliveryFailed
	}

	e.metrics.incValidation("request", true)
	return nil
}

// collapseTokenErr maps the store's fine-grained single-use token errors
// onto the generic user-facing surface. Unknown, expired, consumed, and
// superseded all look identical to the caller.
func (e *Engine) collapseTokenErr(err error) error {
	switch {
	case errors.Is(err, onetime.ErrTokenNotFound),
		errors.Is(err, onetime.ErrTokenExpired),
		errors.Is(err, onetime.ErrTokenAlreadyUsed),
		errors.Is(err, onetime.ErrTokenSuperseded):
		return ErrInvalidToken
	case errors.Is(err, onetime.ErrConflict):
		e.metrics.incConflict()
		return ErrStorageConflict
	default:
		return e.storeErr("single-use token operation failed", err)
	}
}
