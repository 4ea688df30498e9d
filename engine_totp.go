package credcore

import (
	"context"
	"errors"

	"github.com/halcyonlabs/credcore/audit"
)

// ProvisionTOTP generates a fresh TOTP secret for the subject and stores
// it in a pending state. The second factor is not enforced until
// ActivateTOTP proves the subject's authenticator produces valid codes.
// Provisioning replaces any prior enrollment, pending or active, and
// deactivates it until the new secret is activated.
func (e *Engine) ProvisionTOTP(ctx context.Context, subject string) (*OTPProvision, error) {
	if e == nil || e.provider == nil {
		return nil, ErrNotReady
	}
	if e.totp == nil {
		return nil, ErrNotReady
	}

	cred, err := e.provider.GetBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, e.storeErr("provider lookup failed", err)
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, e.storeErr("otp secret generation failed", err)
	}

	if err := e.provider.StoreOTPSecret(ctx, subject, secret); err != nil {
		e.metrics.incOTP("provision", false)
		return nil, e.storeErr("otp secret storage failed", err)
	}

	e.metrics.incOTP("provision", true)
	e.emitAudit(ctx, audit.TypeOTPProvision, true, subject, "", nil)
	return &OTPProvision{
		SecretBase32: secretBase32,
		URI:          e.totp.ProvisionURI(secretBase32, cred.Identifier),
	}, nil
}

// ActivateTOTP turns a pending enrollment on after the subject proves
// possession of the secret with a live code. From here on SignIn demands
// a code. Activating an already-active enrollment with a valid code is a
// no-op.
func (e *Engine) ActivateTOTP(ctx context.Context, subject, code string) error {
	if e == nil || e.provider == nil {
		return ErrNotReady
	}
	if e.totp == nil {
		return ErrNotReady
	}

	rec, err := e.provider.GetOTP(ctx, subject)
	if err != nil {
		return e.storeErr("otp lookup failed", err)
	}
	if rec == nil {
		return ErrOTPNotEnrolled
	}

	ok, counter, err := e.totp.VerifyCode(rec.Secret, code, e.config.Clock())
	if err != nil {
		return e.storeErr("otp verification failed", err)
	}
	if !ok || counter <= rec.LastUsedCounter {
		e.metrics.incOTP("activate", false)
		e.emitAudit(ctx, audit.TypeOTPActivate, false, subject, "", ErrOTPInvalid)
		return ErrOTPInvalid
	}

	if err := e.provider.UpdateOTPCounter(ctx, subject, rec.LastUsedCounter, counter); err != nil {
		if errors.Is(err, ErrProviderConflict) {
			e.metrics.incOTP("activate", false)
			return ErrOTPInvalid
		}
		return e.storeErr("otp counter update failed", err)
	}
	if !rec.Enabled {
		if err := e.provider.EnableOTP(ctx, subject); err != nil {
			return e.storeErr("otp activation failed", err)
		}
	}

	e.metrics.incOTP("activate", true)
	e.emitAudit(ctx, audit.TypeOTPActivate, true, subject, "", nil)
	return nil
}

// DisableTOTP removes the second factor. A live code is required so a
// hijacked but unauthenticated session cannot silently strip the factor.
func (e *Engine) DisableTOTP(ctx context.Context, subject, code string) error {
	if e == nil || e.provider == nil {
		return ErrNotReady
	}
	if e.totp == nil {
		return ErrNotReady
	}

	rec, err := e.provider.GetOTP(ctx, subject)
	if err != nil {
		return e.storeErr("otp lookup failed", err)
	}
	if rec == nil || !rec.Enabled {
		return ErrOTPNotEnrolled
	}

	ok, counter, err := e.totp.VerifyCode(rec.Secret, code, e.config.Clock())
	if err != nil {
		return e.storeErr("otp verification failed", err)
	}
	if !ok || counter <= rec.LastUsedCounter {
		e.metrics.incOTP("disable", false)
		e.emitAudit(ctx, audit.TypeOTPDisable, false, subject, "", ErrOTPInvalid)
		return ErrOTPInvalid
	}

	if err := e.provider.UpdateOTPCounter(ctx, subject, rec.LastUsedCounter, counter); err != nil {
		if errors.Is(err, ErrProviderConflict) {
			e.metrics.incOTP("disable", false)
			return ErrOTPInvalid
		}
		return e.storeErr("otp counter update failed", err)
	}

	if err := e.provider.DisableOTP(ctx, subject); err != nil {
		return e.storeErr("otp disable failed", err)
	}

	e.metrics.incOTP("disable", true)
	e.emitAudit(ctx, audit.TypeOTPDisable, true, subject, "", nil)
	return nil
}

// checkSecondFactor enforces the TOTP step during sign-in. Accounts
// without an active enrollment pass through; enrolled accounts must
// present a fresh code. A code at or below the last accepted counter is
// a replay and fails even though the code itself is arithmetically valid.
func (e *Engine) checkSecondFactor(ctx context.Context, subject, code string) error {
	if e.totp == nil {
		return nil
	}

	rec, err := e.provider.GetOTP(ctx, subject)
	if err != nil {
		return e.storeErr("otp lookup failed", err)
	}
	if rec == nil || !rec.Enabled {
		return nil
	}

	if code == "" {
		return ErrOTPRequired
	}

	ok, counter, err := e.totp.VerifyCode(rec.Secret, code, e.config.Clock())
	if err != nil {
		return e.storeErr("otp verification failed", err)
	}
	if !ok || counter <= rec.LastUsedCounter {
		e.metrics.incOTP("verify", false)
		return ErrOTPInvalid
	}

	// Claim the counter before accepting. The conditional write is what
	// makes replay rejection hold across concurrent sign-ins: two
	// requests carrying the same code both read the old counter, but
	// only one compare-and-set lands.
	if err := e.provider.UpdateOTPCounter(ctx, subject, rec.LastUsedCounter, counter); err != nil {
		if errors.Is(err, ErrProviderConflict) {
			e.metrics.incOTP("verify", false)
			return ErrOTPInvalid
		}
		return e.storeErr("otp counter update failed", err)
	}

	e.metrics.incOTP("verify", true)
	return nil
}
