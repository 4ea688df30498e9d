// Package onetime is the generic single-use expiring token store backing
// password reset and account validation. A token moves from issued to
// exactly one of consumed, expired, or superseded; only the most recently
// issued token of a (subject, kind) pair is ever usable.
package onetime

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halcyonlabs/credcore/internal"
)

// Kind partitions the token namespace by protected action.
type Kind string

const (
	// KindPasswordReset tokens authorize a one-shot password reset.
	KindPasswordReset Kind = "reset"
	// KindAccountValidation tokens confirm ownership of a new account's address.
	KindAccountValidation Kind = "validate"
)

var (
	// ErrTokenNotFound covers unknown ids and secret mismatches alike.
	ErrTokenNotFound = errors.New("onetime: token not found")
	// ErrTokenExpired is returned once the token's TTL has elapsed.
	ErrTokenExpired = errors.New("onetime: token expired")
	// ErrTokenAlreadyUsed is returned for a token that was consumed.
	ErrTokenAlreadyUsed = errors.New("onetime: token already used")
	// ErrTokenSuperseded is returned for a token displaced by a newer issue.
	ErrTokenSuperseded = errors.New("onetime: token superseded")
	// ErrConflict means the optimistic transaction lost its race repeatedly.
	ErrConflict = errors.New("onetime: storage conflict")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("onetime: store unavailable")
)

const (
	recordVersionV1 = 1

	stateActive     = 0
	stateConsumed   = 1
	stateSuperseded = 2

	// One local retry when the WATCH transaction loses its race; after
	// that the conflict surfaces to the caller.
	txRetries = 2
)

type record struct {
	State      byte
	ExpiresAt  int64
	Subject    string
	SecretHash [32]byte
}

// Store keeps single-use token records in Redis. All state transitions are
// conditional updates; concurrent issue/consume races resolve to exactly
// one winner.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore wires a Store over the given Redis client. now is the injected
// clock; pass nil for time.Now.
func NewStore(client redis.UniversalClient, prefix string, now func() time.Time) *Store {
	if prefix == "" {
		prefix = "cot"
	}
	if now == nil {
		now = time.Now
	}
	return &Store{redis: client, prefix: prefix, now: now}
}

func (s *Store) recordKey(kind Kind, id string) string {
	return s.prefix + ":" + string(kind) + ":" + id
}

func (s *Store) indexKey(kind Kind, subject string) string {
	return s.prefix + ":idx:" + string(kind) + ":" + subject
}

// Issue supersedes any outstanding token of the same (subject, kind) and
// creates a new one, returning the opaque envelope handed to the user.
// The stored record carries only the SHA-256 of the envelope's secret.
func (s *Store) Issue(ctx context.Context, subject string, kind Kind, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("onetime: ttl must be > 0")
	}

	id, err := internal.NewTokenID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", err
	}

	rec := &record{
		State:      stateActive,
		ExpiresAt:  s.now().Add(ttl).Unix(),
		Subject:    subject,
		SecretHash: internal.HashSecret(secret),
	}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}

	idxKey := s.indexKey(kind, subject)
	recKey := s.recordKey(kind, id.String())

	for i := 0; i < txRetries; i++ {
		err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
			priorID, err := tx.Get(ctx, idxKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			var priorData []byte
			var priorTTL time.Duration
			if priorID != "" {
				priorKey := s.recordKey(kind, priorID)
				// Watch the prior record too: a concurrent Consume
				// between this read and the pipeline must abort the
				// transaction, not have its tombstone overwritten.
				if err := tx.Watch(ctx, priorKey).Err(); err != nil {
					return err
				}
				priorData, err = tx.Get(ctx, priorKey).Bytes()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if priorData != nil {
					priorTTL, err = tx.PTTL(ctx, priorKey).Result()
					if err != nil {
						return err
					}
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				// Only a still-active record is superseded; consumed
				// tombstones keep their state so later probes classify
				// as already-used.
				if priorData != nil && priorTTL > 0 && len(priorData) > 1 && priorData[1] == stateActive {
					superseded, encErr := markState(priorData, stateSuperseded)
					if encErr != nil {
						return encErr
					}
					pipe.Set(ctx, s.recordKey(kind, priorID), superseded, priorTTL)
				}
				pipe.Set(ctx, recKey, encoded, ttl)
				pipe.Set(ctx, idxKey, id.String(), ttl)
				return nil
			})
			return err
		}, idxKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return internal.EncodeEnvelope(id.String(), secret)
	}

	return "", ErrConflict
}

// Validate checks a token without consuming it and returns the subject it
// was issued for.
func (s *Store) Validate(ctx context.Context, envelope string, kind Kind) (string, error) {
	id, secret, err := internal.DecodeEnvelope(envelope)
	if err != nil {
		return "", ErrTokenNotFound
	}

	data, err := s.redis.Get(ctx, s.recordKey(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return "", ErrTokenNotFound
	}
	if err := s.checkRecord(rec, secret); err != nil {
		return "", err
	}
	return rec.Subject, nil
}

// Consume atomically flips a valid token to consumed and returns its
// subject. At most one Consume per token ever succeeds; the record stays
// behind as a tombstone until its natural expiry so later probes classify
// as already-used rather than unknown.
func (s *Store) Consume(ctx context.Context, envelope string, kind Kind) (string, error) {
	id, secret, err := internal.DecodeEnvelope(envelope)
	if err != nil {
		return "", ErrTokenNotFound
	}
	recKey := s.recordKey(kind, id)

	for i := 0; i < txRetries; i++ {
		var subject string

		err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, recKey).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrTokenNotFound
				}
				return err
			}

			rec, err := decodeRecord(data)
			if err != nil {
				return ErrTokenNotFound
			}
			if err := s.checkRecord(rec, secret); err != nil {
				return err
			}

			remaining := time.Unix(rec.ExpiresAt, 0).Sub(s.now())
			if remaining <= 0 {
				return ErrTokenExpired
			}

			tombstone, err := markState(data, stateConsumed)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, recKey, tombstone, remaining)
				return nil
			})
			if err != nil {
				return err
			}
			subject = rec.Subject
			return nil
		}, recKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrTokenNotFound),
				errors.Is(err, ErrTokenExpired),
				errors.Is(err, ErrTokenAlreadyUsed),
				errors.Is(err, ErrTokenSuperseded):
				return "", err
			default:
				return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		return subject, nil
	}

	return "", ErrConflict
}

// Invalidate marks an outstanding token consumed without requiring its
// state checks to pass. Used when delivery of a just-issued token fails and
// nothing valid must remain behind.
func (s *Store) Invalidate(ctx context.Context, envelope string, kind Kind) error {
	_, err := s.Consume(ctx, envelope, kind)
	switch {
	case errors.Is(err, ErrTokenNotFound),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenSuperseded):
		return nil
	}
	return err
}

func (s *Store) checkRecord(rec *record, secret [internal.SecretSize]byte) error {
	switch rec.State {
	case stateConsumed:
		return ErrTokenAlreadyUsed
	case stateSuperseded:
		return ErrTokenSuperseded
	}
	if s.now().Unix() > rec.ExpiresAt {
		return ErrTokenExpired
	}
	provided := internal.HashSecret(secret)
	if subtle.ConstantTimeCompare(provided[:], rec.SecretHash[:]) != 1 {
		return ErrTokenNotFound
	}
	return nil
}

func encodeRecord(rec *record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordVersionV1)
	buf.WriteByte(rec.State)
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}

	if len(rec.Subject) > 65535 {
		return nil, errors.New("onetime: subject too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.Subject))); err != nil {
		return nil, err
	}
	buf.WriteString(rec.Subject)
	buf.Write(rec.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil || version != recordVersionV1 {
		return nil, errors.New("onetime: invalid record version")
	}

	rec := &record{}
	if rec.State, err = reader.ReadByte(); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, err
	}

	var subjectLen uint16
	if err := binary.Read(reader, binary.BigEndian, &subjectLen); err != nil {
		return nil, err
	}
	subject := make([]byte, subjectLen)
	if _, err := io.ReadFull(reader, subject); err != nil {
		return nil, err
	}
	rec.Subject = string(subject)

	if _, err := io.ReadFull(reader, rec.SecretHash[:]); err != nil {
		return nil, err
	}

	return rec, nil
}

// markState rewrites the state byte of an encoded record in place.
func markState(data []byte, state byte) ([]byte, error) {
	if len(data) < 2 || data[0] != recordVersionV1 {
		return nil, errors.New("onetime: invalid record")
	}
	out := make([]byte, len(data))
	copy(out, data)
	out[1] = state
	return out, nil
}
