package credcore

import "errors"

var (
	// ErrNotReady is returned when the engine is used before Build
	// completed or after Close.
	ErrNotReady = errors.New("engine not initialized")
	// ErrInvalidCredentials is the single answer for every sign-in
	// failure mode: unknown identifier, wrong password, unknown refresh
	// token. Nothing finer leaks to callers.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountExists is returned by sign-up for a taken identifier.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountUnverified blocks sign-in until account validation when
	// the deployment requires it.
	ErrAccountUnverified = errors.New("account unverified")
	// ErrInvalidToken is the generic user-facing answer for a single-use
	// token that is unknown, expired, consumed, or superseded. Internal
	// sentinels in package onetime stay distinguishable for logs.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrSessionInvalidated tells the caller to force a full re-login.
	// It deliberately does not say why; reuse detection is one of the
	// causes and must not be advertised to whoever holds the stolen token.
	ErrSessionInvalidated = errors.New("session invalidated")
	// ErrOTPRequired is returned by sign-in when the account has an
	// enabled second factor and no code was supplied.
	ErrOTPRequired = errors.New("otp code required")
	// ErrOTPInvalid covers wrong and replayed codes alike.
	ErrOTPInvalid = errors.New("invalid otp code")
	// ErrOTPNotEnrolled is returned when activating or verifying without
	// a provisioned secret.
	ErrOTPNotEnrolled = errors.New("otp not enrolled")
	// ErrPasswordPolicy rejects passwords below the policy floor.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects a new password equal to the current one.
	ErrPasswordReuse = errors.New("new password must differ from current password")
	// ErrDeliveryFailed means the mail collaborator could not deliver a
	// token. The token has been invalidated by the time this returns.
	ErrDeliveryFailed = errors.New("mail delivery failed")
	// ErrStorageConflict means a conditional update lost its race after
	// one local retry. The whole operation is safe to retry.
	ErrStorageConflict = errors.New("storage conflict")
	// ErrStoreUnavailable wraps persistence transport failures.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)
