// Package otp implements the time-based one-time-password second factor:
// secret generation, authenticator provisioning URIs, and RFC 6238 code
// verification with a bounded clock-skew window.
//
// Verification returns the matched time-step counter so callers can persist
// it and refuse replays inside the same window.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const secretBytes = 20

// Config controls code shape and the verification window.
type Config struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string
}

// Manager generates and verifies TOTP secrets. Safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager applies defaults and validates the configuration.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("otp: issuer required")
	}
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Digits < 6 || cfg.Digits > 8 {
		return nil, errors.New("otp: digits must be 6-8")
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Period < 15 || cfg.Period > 120 {
		return nil, errors.New("otp: period must be 15-120 seconds")
	}
	if cfg.Skew < 0 || cfg.Skew > 2 {
		return nil, errors.New("otp: skew must be 0-2 steps")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	if _, err := hmacConstructor(cfg.Algorithm); err != nil {
		return nil, err
	}
	return &Manager{config: cfg}, nil
}

// GenerateSecret returns a fresh shared secret as raw bytes plus its
// base32 form for authenticator apps.
func (m *Manager) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// ProvisionURI renders the otpauth:// URI that authenticator apps scan.
func (m *Manager) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(m.config.Issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", m.config.Issuer)
	v.Set("period", strconv.Itoa(m.config.Period))
	v.Set("digits", strconv.Itoa(m.config.Digits))
	v.Set("algorithm", strings.ToUpper(m.config.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// GenerateCode computes the code for the current time step. Intended for
// server-side tooling and tests; verification goes through VerifyCode.
func (m *Manager) GenerateCode(secret []byte, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("otp: empty secret")
	}
	return hotp(secret, now.Unix()/int64(m.config.Period), m.config.Digits, m.config.Algorithm)
}

// VerifyCode checks code against secret at the given time, scanning the
// configured skew window. On a match it returns the matched counter;
// callers must reject counters at or below the last accepted one to
// prevent replay within the window.
func (m *Manager) VerifyCode(secret []byte, code string, now time.Time) (bool, int64, error) {
	if len(secret) == 0 {
		return false, 0, errors.New("otp: empty secret")
	}

	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.config.Digits || !allDigits(trimmed) {
		return false, 0, nil
	}

	base := now.Unix() / int64(m.config.Period)
	for step := -m.config.Skew; step <= m.config.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		want, err := hotp(secret, counter, m.config.Digits, m.config.Algorithm)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(trimmed)) == 1 {
			return true, counter, nil
		}
	}

	return false, 0, nil
}

func hotp(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	ctor, err := hmacConstructor(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(ctor, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, truncated%mod), nil
}

func hmacConstructor(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("otp: unsupported algorithm %q", algorithm)
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
