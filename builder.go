package credcore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/halcyonlabs/credcore/audit"
	"github.com/halcyonlabs/credcore/mail"
	"github.com/halcyonlabs/credcore/onetime"
	"github.com/halcyonlabs/credcore/otp"
	"github.com/halcyonlabs/credcore/password"
	"github.com/halcyonlabs/credcore/refresh"
	"github.com/halcyonlabs/credcore/token"
)

// Builder assembles an Engine. Single-use; Build returns an error on a
// second call.
type Builder struct {
	config     Config
	redis      redis.UniversalClient
	provider   CredentialProvider
	mailer     mail.Sender
	translator Translator
	logger     *zap.Logger
	auditSink  audit.Sink

	built bool
}

// New returns a Builder carrying the default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the default configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the Redis client backing the token stores.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithProvider sets the credential persistence adapter.
func (b *Builder) WithProvider(p CredentialProvider) *Builder {
	b.provider = p
	return b
}

// WithMailer sets the delivery collaborator for reset and validation
// tokens. Defaults to mail.NopSender.
func (b *Builder) WithMailer(m mail.Sender) *Builder {
	b.mailer = m
	return b
}

// WithTranslator sets the localization hook for mail subjects.
func (b *Builder) WithTranslator(t Translator) *Builder {
	b.translator = t
	return b
}

// WithLogger sets the structured logger. Defaults to zap.NewNop.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink sets the audit event destination.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates everything and assembles the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.provider == nil {
		return nil, errors.New("credential provider required")
	}
	if err := b.config.validate(); err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(b.config.Password)
	if err != nil {
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{
		AccessTTL:     b.config.Token.AccessTTL,
		SigningMethod: b.config.Token.SigningMethod,
		PrivateKey:    b.config.Token.PrivateKey,
		PublicKey:     b.config.Token.PublicKey,
		Issuer:        b.config.Token.Issuer,
		Audience:      b.config.Token.Audience,
		Leeway:        b.config.Token.Leeway,
		Now:           b.config.Clock,
	})
	if err != nil {
		return nil, err
	}

	var totp *otp.Manager
	if b.config.OTP.Enabled {
		totp, err = otp.NewManager(otp.Config{
			Issuer:    b.config.OTP.Issuer,
			Digits:    b.config.OTP.Digits,
			Period:    b.config.OTP.Period,
			Skew:      b.config.OTP.Skew,
			Algorithm: b.config.OTP.Algorithm,
		})
		if err != nil {
			return nil, err
		}
	}

	decoy, err := decoyDigest(hasher)
	if err != nil {
		return nil, err
	}

	if b.mailer == nil {
		b.mailer = mail.NopSender{}
	}
	if b.translator == nil {
		b.translator = identityTranslator{}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	e := &Engine{
		config:     b.config,
		provider:   b.provider,
		hasher:     hasher,
		tokens:     tokens,
		totp:       totp,
		onetime:    onetime.NewStore(b.redis, b.config.KeyPrefix+":ot", b.config.Clock),
		refresh:    refresh.NewStore(b.redis, b.config.KeyPrefix+":rl", b.config.Clock),
		mailer:     b.mailer,
		translator: b.translator,
		logger:     b.logger,
		metrics:    newMetrics(b.config.Metrics),
		audit:      audit.NewDispatcher(b.config.Audit, b.auditSink),
		decoyHash:  decoy,
	}

	b.built = true
	return e, nil
}

// decoyDigest produces a digest of a random password. Sign-in verifies
// unknown identifiers against it so response timing does not reveal
// whether an account exists.
func decoyDigest(hasher *password.Hasher) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hasher.Hash(base64.RawStdEncoding.EncodeToString(raw))
}
