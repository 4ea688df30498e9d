// Package password implements the credential hashing contract: argon2id
// digests in PHC string format, with constant-time verification that fails
// closed on malformed input.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPasswordLen        = 8
)

// Params are the argon2id cost parameters baked into every new digest.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams matches the current OWASP argon2id baseline.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Time:        2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher produces and verifies argon2id digests. Instances are immutable
// and safe for concurrent use.
type Hasher struct {
	params Params
}

// ErrPasswordTooShort rejects passwords below the minimum byte length.
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d bytes", minPasswordLen)

// NewHasher validates the cost parameters and returns a Hasher.
func NewHasher(p Params) (*Hasher, error) {
	switch {
	case p.Memory < minMemoryKB:
		return nil, errors.New("password: memory must be >= 8192 KB")
	case p.Time < minTimeCost:
		return nil, errors.New("password: time cost must be >= 1")
	case p.Parallelism < minParallelism:
		return nil, errors.New("password: parallelism must be >= 1")
	case p.SaltLength < minSaltLength:
		return nil, errors.New("password: salt length must be >= 16")
	case p.KeyLength < minKeyLength:
		return nil, errors.New("password: key length must be >= 16")
	}
	return &Hasher{params: p}, nil
}

// Hash derives a fresh-salt argon2id digest in PHC format.
// Password bytes are used exactly as provided, no normalization.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if len(plaintext) < minPasswordLen {
		return "", ErrPasswordTooShort
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(plaintext),
		salt,
		h.params.Time,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches the stored digest. Malformed
// digests verify as false rather than returning a distinguishable error,
// and the comparison itself is constant-time.
func (h *Hasher) Verify(plaintext, digest string) bool {
	d, err := parseDigest(digest)
	if err != nil {
		return false
	}

	computed := argon2.IDKey(
		[]byte(plaintext),
		d.salt,
		d.time,
		d.memory,
		d.parallelism,
		uint32(len(d.key)),
	)

	return subtle.ConstantTimeCompare(computed, d.key) == 1
}

// NeedsRehash reports whether the digest was produced with weaker cost
// parameters than the Hasher currently carries. Callers re-hash on the
// next successful verification.
func (h *Hasher) NeedsRehash(digest string) (bool, error) {
	d, err := parseDigest(digest)
	if err != nil {
		return false, err
	}

	if h.params.Memory > d.memory || h.params.Time > d.time {
		return true, nil
	}
	if h.params.Parallelism > d.parallelism {
		return true, nil
	}
	if h.params.KeyLength != uint32(len(d.key)) {
		return true, nil
	}
	return false, nil
}

type parsedDigest struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseDigest(digest string) (*parsedDigest, error) {
	var (
		version int
		m, t    uint32
		p       uint8
		tail    string
	)

	n, err := fmt.Sscanf(digest, "$argon2id$v=%d$m=%d,t=%d,p=%d$%s", &version, &m, &t, &p, &tail)
	if err != nil || n != 5 {
		return nil, errors.New("password: malformed digest")
	}
	if version != argon2.Version {
		return nil, errors.New("password: unsupported argon2 version")
	}

	// Sscanf leaves "salt$key" in the trailing %s.
	saltB64, keyB64, ok := strings.Cut(tail, "$")
	if !ok || saltB64 == "" || keyB64 == "" {
		return nil, errors.New("password: malformed digest")
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil || uint32(len(salt)) < minSaltLength {
		return nil, errors.New("password: invalid salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(keyB64)
	if err != nil || len(key) == 0 {
		return nil, errors.New("password: invalid key")
	}
	if m < minMemoryKB || t < minTimeCost || p < minParallelism {
		return nil, errors.New("password: parameters below floor")
	}

	return &parsedDigest{
		memory:      m,
		time:        t,
		parallelism: p,
		salt:        salt,
		key:         key,
	}, nil
}
