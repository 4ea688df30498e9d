// Package refresh tracks the server-side half of refresh tokens: one
// lineage record per session holding the hash of the currently valid
// secret, plus a history set of every hash the lineage has rotated away
// from. Rotation is a single Lua compare-and-swap, so two concurrent
// rotations on the same secret can never both succeed, and presentation of
// any historical secret is classified as reuse and revokes the lineage.
package refresh

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound is returned when no lineage exists for the
	// session, or the presented secret matches neither the current hash
	// nor the history. Both cases disclose nothing to the caller.
	ErrSessionNotFound = errors.New("refresh: session not found")
	// ErrSessionExpired is returned once the lineage's TTL has elapsed.
	ErrSessionExpired = errors.New("refresh: session expired")
	// ErrReuseDetected means a rotated-away secret was presented. The
	// whole lineage has been revoked by the time this returns.
	ErrReuseDetected = errors.New("refresh: token reuse detected")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("refresh: store unavailable")
	// ErrCorruptRecord is returned when a lineage blob fails to decode.
	ErrCorruptRecord = errors.New("refresh: corrupt lineage record")
)

const recordVersionV1 = 1

// Record blob layout (fixed offsets, consumed by the Lua script too):
//
//	[0]     version
//	[1:33]  current secret hash
//	[33:41] expiresAt, unix seconds, big endian
//	[41:49] issuedAt, unix seconds, big endian
//	[49:51] subject length, big endian
//	[51:..] subject
const (
	hashOffset    = 1
	expiryOffset  = 33
	minRecordSize = 51
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReuse    int64 = 2
	rotateStatusRotated  int64 = 3
)

// rotateScript performs the conditional rotate-or-revoke in one atomic
// step. KEYS[1] = record, KEYS[2] = history set. ARGV[1] = provided hash,
// ARGV[2] = next hash, ARGV[3] = now (unix seconds).
const rotateScript = `
local function read_be64(s, i)
  local v = 0
  for o = 0, 7 do
    local b = string.byte(s, i + o)
    if not b then
      return nil
    end
    v = v * 256 + b
  end
  return v
end

local data = redis.call("GET", KEYS[1])
if not data then
  if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
    redis.call("DEL", KEYS[2])
    return {2}
  end
  return {0}
end

local current = string.sub(data, 2, 33)
local expires_at = read_be64(data, 34)
if not expires_at then
  return {0}
end
if expires_at <= tonumber(ARGV[3]) then
  redis.call("DEL", KEYS[1], KEYS[2])
  return {1}
end

if current == ARGV[1] then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl <= 0 then
    redis.call("DEL", KEYS[1], KEYS[2])
    return {1}
  end
  local updated = string.sub(data, 1, 1) .. ARGV[2] .. string.sub(data, 34)
  redis.call("SET", KEYS[1], updated, "PX", ttl)
  redis.call("SADD", KEYS[2], ARGV[1])
  redis.call("PEXPIRE", KEYS[2], ttl)
  return {3, updated}
end

if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
  redis.call("DEL", KEYS[1], KEYS[2])
  return {2}
end

return {0}
`

var rotateLua = redis.NewScript(rotateScript)

// issueScript replaces the lineage record for a session, pushing any
// existing current hash into history so the old secret stays detectable.
// KEYS[1] = record, KEYS[2] = history, KEYS[3] = subject index.
// ARGV[1] = blob, ARGV[2] = ttl millis, ARGV[3] = session id.
const issueScript = `
local data = redis.call("GET", KEYS[1])
if data then
  redis.call("SADD", KEYS[2], string.sub(data, 2, 33))
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[3])
return 1
`

var issueLua = redis.NewScript(issueScript)

// Record is the decoded lineage state for one session.
type Record struct {
	Subject     string
	CurrentHash [32]byte
	IssuedAt    int64
	ExpiresAt   int64
}

// Store persists refresh lineages in Redis.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore wires a Store over the given Redis client. now is the injected
// clock; pass nil for time.Now.
func NewStore(client redis.UniversalClient, prefix string, now func() time.Time) *Store {
	if prefix == "" {
		prefix = "crl"
	}
	if now == nil {
		now = time.Now
	}
	return &Store{redis: client, prefix: prefix, now: now}
}

func (s *Store) recordKey(sessionID string) string {
	return s.prefix + ":r:" + sessionID
}

func (s *Store) historyKey(sessionID string) string {
	return s.prefix + ":h:" + sessionID
}

func (s *Store) subjectKey(subject string) string {
	return s.prefix + ":u:" + subject
}

// Issue starts (or restarts) the lineage for sessionID with the given
// secret hash as its only valid secret. Any previously current secret is
// demoted into history, never silently forgotten.
func (s *Store) Issue(ctx context.Context, subject, sessionID string, secretHash [32]byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("refresh: ttl must be > 0")
	}

	now := s.now()
	rec := &Record{
		Subject:     subject,
		CurrentHash: secretHash,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
	}
	blob, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	err = issueLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(sessionID), s.historyKey(sessionID), s.subjectKey(subject)},
		blob,
		ttl.Milliseconds(),
		sessionID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Rotate validates providedHash against the lineage and, on match,
// atomically installs nextHash as the only valid secret. A hash found in
// the lineage's history means the token was stolen and replayed: the
// entire lineage is revoked and ErrReuseDetected returned. An unknown hash
// returns ErrSessionNotFound with no further detail.
func (s *Store) Rotate(ctx context.Context, sessionID string, providedHash, nextHash [32]byte) (*Record, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(sessionID), s.historyKey(sessionID)},
		providedHash[:],
		nextHash[:],
		s.now().Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusReuse:
		return nil, ErrReuseDetected
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated record", ErrUnavailable)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid rotated record payload", ErrUnavailable)
		}
		return decodeRecord(blob)
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrUnavailable)
	}
}

// Revoke ends the lineage with no successor (explicit logout). Idempotent.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.recordKey(sessionID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(sessionID), s.historyKey(sessionID))
		if data != nil {
			if rec, decErr := decodeRecord(data); decErr == nil {
				pipe.SRem(ctx, s.subjectKey(rec.Subject), sessionID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RevokeAllForSubject ends every lineage tracked for the subject. Not
// fully atomic: a lineage issued between the index read and the deletes
// survives until its own expiry, which password-change callers tolerate.
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string) error {
	sessionIDs, err := s.redis.SMembers(ctx, s.subjectKey(subject)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keys := make([]string, 0, 2*len(sessionIDs)+1)
	for _, sid := range sessionIDs {
		keys = append(keys, s.recordKey(sid), s.historyKey(sid))
	}
	keys = append(keys, s.subjectKey(subject))

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get fetches the lineage record without mutating anything.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.recordKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() >= rec.ExpiresAt {
		return nil, ErrSessionExpired
	}
	return rec, nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	if len(rec.Subject) > 65535 {
		return nil, errors.New("refresh: subject too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersionV1)
	buf.Write(rec.CurrentHash[:])
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.Subject))); err != nil {
		return nil, err
	}
	buf.WriteString(rec.Subject)

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	if len(data) < minRecordSize || data[0] != recordVersionV1 {
		return nil, ErrCorruptRecord
	}

	reader := bytes.NewReader(data[1:])
	rec := &Record{}

	if _, err := io.ReadFull(reader, rec.CurrentHash[:]); err != nil {
		return nil, ErrCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, ErrCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.IssuedAt); err != nil {
		return nil, ErrCorruptRecord
	}

	var subjectLen uint16
	if err := binary.Read(reader, binary.BigEndian, &subjectLen); err != nil {
		return nil, ErrCorruptRecord
	}
	subject := make([]byte, subjectLen)
	if _, err := io.ReadFull(reader, subject); err != nil {
		return nil, ErrCorruptRecord
	}
	rec.Subject = string(subject)

	return rec, nil
}
