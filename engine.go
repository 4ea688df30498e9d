package credcore

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/halcyonlabs/credcore/audit"
	"github.com/halcyonlabs/credcore/internal"
	"github.com/halcyonlabs/credcore/mail"
	"github.com/halcyonlabs/credcore/onetime"
	"github.com/halcyonlabs/credcore/otp"
	"github.com/halcyonlabs/credcore/password"
	"github.com/halcyonlabs/credcore/refresh"
	"github.com/halcyonlabs/credcore/token"
)

// Engine is the credential lifecycle facade. It composes the hashing,
// token, OTP, single-use, and refresh components; it holds no security
// logic of its own beyond sequencing and error collapsing.
//
// All state lives in the injected stores. The engine keeps no per-subject
// caches, so every validation re-reads durable state and a concurrent
// revocation is visible immediately.
type Engine struct {
	config     Config
	provider   CredentialProvider
	hasher     *password.Hasher
	tokens     *token.Manager
	totp       *otp.Manager
	onetime    *onetime.Store
	refresh    *refresh.Store
	mailer     mail.Sender
	translator Translator
	logger     *zap.Logger
	metrics    *Metrics
	audit      *audit.Dispatcher
	decoyHash  string
}

// Close flushes the audit dispatcher. The engine is unusable afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Metrics exposes the engine's Prometheus collectors for registration.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// AuditDropped reports audit events discarded due to backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// SignIn authenticates identifier/plaintext and, when the account carries
// an enabled second factor, otpCode. On success it mints an access token
// and starts a fresh refresh lineage.
//
// Every failure mode that depends on account state answers
// ErrInvalidCredentials, and unknown identifiers still pay for one hash
// verification, so neither error text nor timing enumerates accounts.
func (e *Engine) SignIn(ctx context.Context, identifier, plaintext, otpCode string) (*TokenPair, error) {
	if e == nil || e.provider == nil {
		return nil, ErrNotReady
	}

	cred, err := e.provider.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			e.hasher.Verify(plaintext, e.decoyHash)
			e.metrics.incSignIn(false)
			e.emitAudit(ctx, audit.TypeSignIn, false, "", "", ErrInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		return nil, e.storeErr("provider lookup failed", err)
	}

	if !e.hasher.Verify(plaintext, cred.PasswordHash) {
		e.metrics.incSignIn(false)
		e.emitAudit(ctx, audit.TypeSignIn, false, cred.Subject, "", ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if e.config.Validation.RequireVerified && !cred.Verified {
		e.metrics.incSignIn(false)
		return nil, ErrAccountUnverified
	}

	if err := e.checkSecondFactor(ctx, cred.Subject, otpCode); err != nil {
		e.metrics.incSignIn(false)
		e.emitAudit(ctx, audit.TypeSignIn, false, cred.Subject, "", err)
		return nil, err
	}

	e.maybeRehash(ctx, cred, plaintext)

	pair, sessionID, err := e.startSession(ctx, cred.Subject)
	if err != nil {
		e.metrics.incSignIn(false)
		return nil, err
	}

	e.metrics.incSignIn(true)
	e.emitAudit(ctx, audit.TypeSignIn, true, cred.Subject, sessionID, nil)
	return pair, nil
}

// Refresh rotates the presented refresh token and mints a new access
// token. A rotated-away token revokes its whole lineage and answers
// ErrSessionInvalidated; the caller forces a full re-login without being
// told reuse was the cause.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrNotReady
	}

	sessionID, providedSecret, err := internal.DecodeEnvelope(refreshToken)
	if err != nil {
		e.metrics.incRefresh(false)
		return nil, ErrInvalidCredentials
	}

	nextSecret, err := internal.NewSecret()
	if err != nil {
		return nil, e.storeErr("refresh secret generation failed", err)
	}

	rec, err := e.refresh.Rotate(
		ctx,
		sessionID,
		internal.HashSecret(providedSecret),
		internal.HashSecret(nextSecret),
	)
	if err != nil {
		e.metrics.incRefresh(false)
		switch {
		case errors.Is(err, refresh.ErrReuseDetected):
			e.metrics.incReuse()
			e.logger.Error("refresh token reuse detected, lineage revoked",
				zap.String("session_id", sessionID))
			e.emitAudit(ctx, audit.TypeRefreshReuse, false, "", sessionID, err)
			return nil, ErrSessionInvalidated
		case errors.Is(err, refresh.ErrSessionNotFound), errors.Is(err, refresh.ErrSessionExpired):
			e.emitAudit(ctx, audit.TypeRefresh, false, "", sessionID, err)
			return nil, ErrInvalidCredentials
		default:
			return nil, e.storeErr("refresh rotation failed", err)
		}
	}

	access, err := e.tokens.Issue(rec.Subject, sessionID, nil)
	if err != nil {
		e.metrics.incRefresh(false)
		return nil, e.storeErr("access token issuance failed", err)
	}
	newRefresh, err := internal.EncodeEnvelope(sessionID, nextSecret)
	if err != nil {
		e.metrics.incRefresh(false)
		return nil, e.storeErr("refresh token encoding failed", err)
	}

	e.metrics.incRefresh(true)
	e.emitAudit(ctx, audit.TypeRefresh, true, rec.Subject, sessionID, nil)
	return &TokenPair{AccessToken: access, RefreshToken: newRefresh}, nil
}

// SignOut revokes the refresh lineage behind the presented token. The
// lineage ends with no successor; outstanding access tokens ride out
// their short TTL. Idempotent.
func (e *Engine) SignOut(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrNotReady
	}

	sessionID, _, err := internal.DecodeEnvelope(refreshToken)
	if err != nil {
		return ErrInvalidCredentials
	}

	if err := e.refresh.Revoke(ctx, sessionID); err != nil {
		return e.storeErr("session revocation failed", err)
	}
	e.emitAudit(ctx, audit.TypeSignOut, true, "", sessionID, nil)
	return nil
}

// SignOutAll revokes every refresh lineage for the subject.
func (e *Engine) SignOutAll(ctx context.Context, subject string) error {
	if e == nil {
		return ErrNotReady
	}
	if err := e.refresh.RevokeAllForSubject(ctx, subject); err != nil {
		return e.storeErr("subject-wide revocation failed", err)
	}
	e.emitAudit(ctx, audit.TypeSignOut, true, subject, "", nil)
	return nil
}

// VerifyAccess statelessly verifies an access token and returns its
// claims. No store lookup happens here; revocation between issuance and
// expiry is the refresh layer's job.
func (e *Engine) VerifyAccess(_ context.Context, signedToken string) (*AccessInfo, error) {
	if e == nil {
		return nil, ErrNotReady
	}

	claims, err := e.tokens.Verify(signedToken)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return &AccessInfo{
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
		Extra:     claims.Extra,
	}, nil
}

// startSession begins a new refresh lineage and mints the first token
// pair for it.
func (e *Engine) startSession(ctx context.Context, subject string) (*TokenPair, string, error) {
	sid, err := internal.NewTokenID()
	if err != nil {
		return nil, "", e.storeErr("session id generation failed", err)
	}
	sessionID := sid.String()

	secret, err := internal.NewSecret()
	if err != nil {
		return nil, "", e.storeErr("refresh secret generation failed", err)
	}

	if err := e.refresh.Issue(ctx, subject, sessionID, internal.HashSecret(secret), e.config.Refresh.TTL); err != nil {
		return nil, "", e.storeErr("refresh lineage creation failed", err)
	}

	access, err := e.tokens.Issue(subject, sessionID, nil)
	if err != nil {
		return nil, "", e.storeErr("access token issuance failed", err)
	}
	refreshToken, err := internal.EncodeEnvelope(sessionID, secret)
	if err != nil {
		return nil, "", e.storeErr("refresh token encoding failed", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refreshToken}, sessionID, nil
}

// maybeRehash transparently upgrades a digest whose cost parameters fall
// below the current configuration. Best effort; sign-in already succeeded.
func (e *Engine) maybeRehash(ctx context.Context, cred CredentialRecord, plaintext string) {
	upgrade, err := e.hasher.NeedsRehash(cred.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	newHash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return
	}
	if err := e.provider.UpdatePasswordHash(ctx, cred.Subject, newHash); err != nil {
		e.logger.Warn("digest upgrade failed", zap.String("subject", cred.Subject))
	}
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, subject, sessionID string, cause error) {
	event := audit.NewEvent(e.config.Clock(), eventType)
	event.Subject = subject
	event.SessionID = sessionID
	event.Success = success
	if cause != nil {
		event.Error = cause.Error()
	}
	e.audit.Emit(ctx, event)
}

// storeErr logs the underlying failure and returns the collapsed surface
// error. The cause never reaches the caller.
func (e *Engine) storeErr(msg string, cause error) error {
	e.logger.Error(msg, zap.Error(cause))
	return ErrStoreUnavailable
}
