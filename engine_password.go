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

// ChangePassword replaces the subject's password after verifying the
// current one, then revokes every refresh lineage so stolen refresh
// tokens die with the old password. The caller's own session is revoked
// too; a fresh sign-in is expected.
func (e *Engine) ChangePassword(ctx context.Context, subject, current, next string) error {
	if e == nil || e.provider == nil {
		return ErrNotReady
	}

	cred, err := e.provider.GetBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return ErrInvalidCredentials
		}
		return e.storeErr("provider lookup failed", err)
	}

	if !e.hasher.Verify(current, cred.PasswordHash) {
		e.emitAudit(ctx, audit.TypePasswordChange, false, subject, "", ErrInvalidCredentials)
		return ErrInvalidCredentials
	}
	if e.hasher.Verify(next, cred.PasswordHash) {
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(next)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) {
			return ErrPasswordPolicy
		}
		return e.storeErr("password hashing failed", err)
	}

	if err := e.provider.UpdatePasswordHash(ctx, subject, newHash); err != nil {
		return e.storeErr("password update failed", err)
	}

	if err := e.refresh.RevokeAllForSubject(ctx, subject); err != nil {
		// The password already changed; surviving lineages expire on
		// their own TTL. Log and report so the caller can retry the sweep.
		e.logger.Error("post-change session sweep failed",
			zap.String("subject", subject), zap.Error(err))
		return ErrStoreUnavailable
	}

	e.emitAudit(ctx, audit.TypePasswordChange, true, subject, "", nil)
	return nil
}

// RequestPasswordReset issues a single-use reset token for the account
// behind identifier and mails it. An unknown identifier returns nil just
// like a known one, so the operation cannot be used to probe for
// accounts. Re-requesting supersedes any outstanding reset token.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier, locale string) error {
	if e == nil || e.provider == nil {
		return ErrNotReady
	}
	if !e.config.Reset.Enabled {
		return ErrNotReady
	}

	cred, err := e.provider.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			e.metrics.incReset("request", true)
			e.emitAudit(ctx, audit.TypeResetRequest, true, "", "", nil)
			return nil
		}
		return e.storeErr("provider lookup failed", err)
	}

	envelope, err := e.onetime.Issue(ctx, cred.Subject, onetime.KindPasswordReset, e.config.Reset.TTL)
	if err != nil {
		e.metrics.incReset("request", false)
		if errors.Is(err, onetime.ErrConflict) {
			e.metrics.incConflict()
			return ErrStorageConflict
		}
		return e.storeErr("reset token issue failed", err)
	}

	err = e.mailer.Send(ctx, mail.Message{
		Kind:    mail.KindPasswordReset,
		Address: cred.Identifier,
		Token:   envelope,
		Locale:  locale,
		Subject: e.translator.Translate("mail.password_reset.subject", locale),
	})
	if err != nil {
		e.metrics.incReset("request", false)
		e.metrics.incDeliveryFail()
		if invErr := e.onetime.Invalidate(ctx, envelope, onetime.KindPasswordReset); invErr != nil {
			e.logger.Error("failed to invalidate undelivered reset token", zap.Error(invErr))
		}
		e.logger.Error("reset mail delivery failed", zap.Error(err))
		e.emitAudit(ctx, audit.TypeResetRequest, false, cred.Subject, "", ErrDeliveryFailed)
		return ErrDeliveryFailed
	}

	e.metrics.incReset("request", true)
	e.emitAudit(ctx, audit.TypeResetRequest, true, cred.Subject, "", nil)
	return nil
}

// ResetPassword consumes a reset token and installs the new password,
// then revokes every refresh lineage for the subject. The token is
// consumed only after the replacement hash exists, so a hashing failure
// leaves it usable for another attempt.
func (e *Engine) ResetPassword(ctx context.Context, token, next string) error {
	if e == nil || e.provider == nil {
		return ErrNotReady
	}

	// Non-consuming check first so a policy-violating password does not
	// burn the token.
	if _, err := e.onetime.Validate(ctx, token, onetime.KindPasswordReset); err != nil {
		e.metrics.incReset("confirm", false)
		e.emitAudit(ctx, audit.TypePasswordReset, false, "", "", err)
		return e.collapseTokenErr(err)
	}

	newHash, err := e.hasher.Hash(next)
	if err != nil {
		e.metrics.incReset("confirm", false)
		if errors.Is(err, password.ErrPasswordTooShort) {
			return ErrPasswordPolicy
		}
		return e.storeErr("password hashing failed", err)
	}

	subject, err := e.onetime.Consume(ctx, token, onetime.KindPasswordReset)
	if err != nil {
		e.metrics.incReset("confirm", false)
		e.emitAudit(ctx, audit.TypePasswordReset, false, "", "", err)
		return e.collapseTokenErr(err)
	}

	if err := e.provider.UpdatePasswordHash(ctx, subject, newHash); err != nil {
		e.metrics.incReset("confirm", false)
		return e.storeErr("password update failed", err)
	}

	if err := e.refresh.RevokeAllForSubject(ctx, subject); err != nil {
		e.logger.Error("post-reset session sweep failed",
			zap.String("subject", subject), zap.Error(err))
		return ErrStoreUnavailable
	}

	e.metrics.incReset("confirm", true)
	e.emitAudit(ctx, audit.TypePasswordReset, true, subject, "", nil)
	return nil
}
