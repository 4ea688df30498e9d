package credcore

import (
	"errors"
	"time"

	"github.com/halcyonlabs/credcore/audit"
	"github.com/halcyonlabs/credcore/password"
	"github.com/halcyonlabs/credcore/token"
)

// Config is the engine's immutable configuration snapshot. Build validates
// it once; nothing mutates it afterwards. There is no file or environment
// loading here — the embedding service owns that and injects the result.
type Config struct {
	Token      TokenConfig
	Password   password.Params
	OTP        OTPConfig
	Refresh    RefreshConfig
	Reset      ResetConfig
	Validation ValidationConfig
	Audit      audit.Config
	Metrics    MetricsConfig

	// Clock is the injected time source for all expiry logic. Defaults
	// to time.Now.
	Clock func() time.Time

	// KeyPrefix namespaces every Redis key the engine writes.
	KeyPrefix string
}

// TokenConfig configures the access token issuer.
type TokenConfig struct {
	AccessTTL     time.Duration
	SigningMethod token.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// OTPConfig configures the TOTP second factor.
type OTPConfig struct {
	Enabled   bool
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string
}

// RefreshConfig configures refresh lineages.
type RefreshConfig struct {
	TTL time.Duration
}

// ResetConfig configures password-reset tokens.
type ResetConfig struct {
	Enabled bool
	TTL     time.Duration
}

// ValidationConfig configures account-validation tokens.
type ValidationConfig struct {
	Enabled bool
	TTL     time.Duration
	// RequireVerified blocks sign-in for unvalidated accounts.
	RequireVerified bool
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: token.MethodEd25519,
			Issuer:        "credcore",
		},
		Password: password.DefaultParams(),
		OTP: OTPConfig{
			Enabled:   true,
			Issuer:    "credcore",
			Digits:    6,
			Period:    30,
			Skew:      1,
			Algorithm: "SHA1",
		},
		Refresh: RefreshConfig{
			TTL: 7 * 24 * time.Hour,
		},
		Reset: ResetConfig{
			Enabled: true,
			TTL:     15 * time.Minute,
		},
		Validation: ValidationConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Audit: audit.Config{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "credcore",
		},
		Clock:     time.Now,
		KeyPrefix: "cc",
	}
}

func (c *Config) validate() error {
	if c.Token.AccessTTL <= 0 {
		return errors.New("config: Token.AccessTTL must be > 0")
	}
	if c.Token.AccessTTL > 15*time.Minute {
		return errors.New("config: Token.AccessTTL must be <= 15m; revocation lives in the refresh layer")
	}
	if c.Refresh.TTL <= 0 {
		return errors.New("config: Refresh.TTL must be > 0")
	}
	if c.Refresh.TTL > 90*24*time.Hour {
		return errors.New("config: Refresh.TTL must be <= 90d")
	}
	if c.Reset.Enabled && (c.Reset.TTL <= 0 || c.Reset.TTL > time.Hour) {
		return errors.New("config: Reset.TTL must be in (0, 1h]")
	}
	if c.Validation.Enabled && c.Validation.TTL <= 0 {
		return errors.New("config: Validation.TTL must be > 0")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cc"
	}
	return nil
}
