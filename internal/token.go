package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// TokenID is the opaque 128-bit identifier half of a token envelope.
type TokenID [16]byte

const (
	// SecretSize is the entropy carried by the secret half of an envelope.
	SecretSize = 32

	envelopeRawSize = 16 + SecretSize
)

var errInvalidEnvelope = errors.New("invalid token envelope")

// NewTokenID returns a random TokenID.
func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (id TokenID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// ParseTokenID decodes the compact base64url form produced by String.
func ParseTokenID(s string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid token id size")
	}

	copy(id[:], raw)
	return id, nil
}

// NewSecret returns a fresh 256-bit token secret.
func NewSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret derives the storable digest of a token secret. Stores never
// persist the secret itself.
func HashSecret(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeEnvelope packs id and secret into the caller-facing opaque token.
// The id is addressable by the store; the secret never leaves the client
// except inside this envelope.
func EncodeEnvelope(id string, secret [SecretSize]byte) (string, error) {
	tid, err := ParseTokenID(id)
	if err != nil {
		return "", err
	}

	var raw [envelopeRawSize]byte
	copy(raw[:len(tid)], tid[:])
	copy(raw[len(tid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeEnvelope splits an opaque token back into id and secret.
func DecodeEnvelope(token string) (string, [SecretSize]byte, error) {
	var secret [SecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, errInvalidEnvelope
	}
	if len(raw) != envelopeRawSize {
		return "", secret, errInvalidEnvelope
	}

	var id TokenID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}
