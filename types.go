package credcore

import (
	"context"
	"errors"
)

// Provider sentinel errors. Adapters translate their storage layer's
// failure modes into exactly these; the engine never inspects driver
// errors directly.
var (
	// ErrProviderNotFound means no credential matches the lookup.
	ErrProviderNotFound = errors.New("credential not found")
	// ErrProviderDuplicate means the identifier is already taken.
	ErrProviderDuplicate = errors.New("duplicate identifier")
	// ErrProviderConflict means a conditional update found the stored
	// state already changed by a concurrent request.
	ErrProviderConflict = errors.New("concurrent update conflict")
)

// CredentialRecord is a subject's authentication state as stored by the
// embedding service. PasswordHash is an opaque PHC string; it is never
// logged and never leaves the engine.
type CredentialRecord struct {
	Subject      string
	Identifier   string
	PasswordHash string
	Verified     bool
}

// OTPRecord carries a subject's TOTP enrollment. Enabled is only ever set
// after the subject has proven possession of the secret with a valid code.
// LastUsedCounter is the highest accepted time-step; codes at or below it
// are replays.
type OTPRecord struct {
	Secret          []byte
	Enabled         bool
	LastUsedCounter int64
}

// CreateCredentialInput is the input for CredentialProvider.Create.
type CreateCredentialInput struct {
	Identifier   string
	PasswordHash string
	Verified     bool
}

// CredentialProvider is the persistence contract the embedding service
// implements. Every call re-reads durable state; the engine holds no
// credential caches across requests.
type CredentialProvider interface {
	GetByIdentifier(ctx context.Context, identifier string) (CredentialRecord, error)
	GetBySubject(ctx context.Context, subject string) (CredentialRecord, error)
	Create(ctx context.Context, input CreateCredentialInput) (CredentialRecord, error)
	UpdatePasswordHash(ctx context.Context, subject, newHash string) error
	MarkVerified(ctx context.Context, subject string) error

	GetOTP(ctx context.Context, subject string) (*OTPRecord, error)
	StoreOTPSecret(ctx context.Context, subject string, secret []byte) error
	EnableOTP(ctx context.Context, subject string) error
	DisableOTP(ctx context.Context, subject string) error

	// UpdateOTPCounter advances LastUsedCounter from prev to next as one
	// conditional write: when the stored counter is no longer prev the
	// update must not apply and ErrProviderConflict is returned. Two
	// requests racing on the same code resolve to exactly one winner.
	UpdateOTPCounter(ctx context.Context, subject string, prev, next int64) error
}

// Translator localizes user-facing strings (mail subjects). Control flow
// never depends on its output.
type Translator interface {
	Translate(key, locale string) string
}

type identityTranslator struct{}

func (identityTranslator) Translate(key, _ string) string { return key }

// TokenPair is the result of a successful sign-in or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// SignUpResult reports the created subject. ValidationSent is true when an
// account-validation token was issued and delivered.
type SignUpResult struct {
	Subject        string
	ValidationSent bool
}

// OTPProvision is returned by ProvisionTOTP: the base32 secret for manual
// entry plus the otpauth:// URI for authenticator apps. The enrollment is
// inactive until ActivateTOTP succeeds with a live code.
type OTPProvision struct {
	SecretBase32 string
	URI          string
}

// AccessInfo is the verified content of an access token.
type AccessInfo struct {
	Subject   string
	SessionID string
	Extra     map[string]string
}
