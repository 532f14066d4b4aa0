package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshHashMismatch is an exported constant or variable used by the authentication engine.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable is an exported constant or variable used by the authentication engine.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrRefreshSessionNotFound is returned when the refresh target session does not exist.
var ErrRefreshSessionNotFound = errors.New("refresh session not found")

// ErrRefreshSessionExpired is returned when the refresh target session is expired.
var ErrRefreshSessionExpired = errors.New("refresh session expired")

// ErrRefreshSessionCorrupt is returned when the refresh target session blob is invalid.
var ErrRefreshSessionCorrupt = errors.New("refresh session corrupt")

const (
	rotateStatusNotFound    int64 = 0
	rotateStatusExpired     int64 = 1
	rotateStatusMismatch    int64 = 2
	rotateStatusRotated     int64 = 3
	rotateStatusInvalidBlob int64 = 4
)

// saveSessionScript inserts a session and enforces the per-user cap in one
// atomic step. The per-user ZSET is scored by creation time in
// milliseconds, so eviction order is strictly oldest-first. Index entries
// whose session key already expired are pruned before the cap check, so
// naturally expired sessions never count against the cap.
const saveSessionScript = `
local session_key = KEYS[1]
local user_key = KEYS[2]
local session_id = ARGV[1]
local payload = ARGV[2]
local score = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])
local max_sessions = tonumber(ARGV[5])
local key_prefix = ARGV[6]

local members = redis.call("ZRANGE", user_key, 0, -1)
for _, sid in ipairs(members) do
  if redis.call("EXISTS", key_prefix .. sid) == 0 then
    redis.call("ZREM", user_key, sid)
  end
end

redis.call("SET", session_key, payload, "PX", ttl_ms)
redis.call("ZADD", user_key, score, session_id)
redis.call("PEXPIRE", user_key, ttl_ms)

local evicted = {}
local count = redis.call("ZCARD", user_key)
if count > max_sessions then
  local excess = count - max_sessions
  -- Equal scores order lexicographically, so the just-inserted session can
  -- sit inside the oldest window when two logins share a millisecond. Scan
  -- one extra member and skip the new session, so exactly excess others go.
  local oldest = redis.call("ZRANGE", user_key, 0, excess)
  for _, sid in ipairs(oldest) do
    if #evicted == excess then
      break
    end
    if sid ~= session_id then
      redis.call("DEL", key_prefix .. sid)
      redis.call("ZREM", user_key, sid)
      table.insert(evicted, sid)
    end
  end
end

return evicted
`

var saveSessionLua = redis.NewScript(saveSessionScript)

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// rotateRefreshScript compares the presented refresh hash against the
// stored one and patches in the next hash without a round trip. Statuses:
// 0 not found, 1 expired, 2 mismatch (session destroyed, old blob
// returned), 3 rotated (updated blob returned), 4 invalid blob.
const rotateRefreshScript = `
local function read_be64(s, i)
  local b1 = string.byte(s, i)
  local b2 = string.byte(s, i + 1)
  local b3 = string.byte(s, i + 2)
  local b4 = string.byte(s, i + 3)
  local b5 = string.byte(s, i + 4)
  local b6 = string.byte(s, i + 5)
  local b7 = string.byte(s, i + 6)
  local b8 = string.byte(s, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local function parse_session(data)
  local version = string.byte(data, 1)
  if version ~= 1 then
    return nil
  end

  local user_len = string.byte(data, 2)
  if not user_len or user_len == 0 then
    return nil
  end
  if #data ~= 2 + user_len + 80 then
    return nil
  end

  local user_id = string.sub(data, 3, 2 + user_len)
  local refresh_offset = 3 + user_len
  local refresh_hash = string.sub(data, refresh_offset, refresh_offset + 31)
  local expires_at = read_be64(data, refresh_offset + 72)
  if not expires_at then
    return nil
  end

  return {
    user_id = user_id,
    refresh_hash = refresh_hash,
    refresh_offset = refresh_offset,
    expires_at = expires_at
  }
end

local session_key = KEYS[1]
local session_id = ARGV[1]
local user_prefix = ARGV[2]
local provided_hash = ARGV[3]
local next_hash = ARGV[4]
local now_unix = tonumber(ARGV[5])

local data = redis.call("GET", session_key)
if not data then
  return {0}
end

local parsed = parse_session(data)
if not parsed then
  return {4}
end

local user_key = user_prefix .. parsed.user_id

if parsed.expires_at <= now_unix then
  redis.call("DEL", session_key)
  redis.call("ZREM", user_key, session_id)
  return {1}
end

if parsed.refresh_hash ~= provided_hash then
  redis.call("DEL", session_key)
  redis.call("ZREM", user_key, session_id)
  return {2, data}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  redis.call("DEL", session_key)
  redis.call("ZREM", user_key, session_id)
  return {1}
end

local prefix = string.sub(data, 1, parsed.refresh_offset - 1)
local suffix = string.sub(data, parsed.refresh_offset + 32)
local updated = prefix .. next_hash .. suffix

redis.call("SET", session_key, updated, "PX", ttl)

return {3, updated}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// Store is a Redis-backed session store handling persistence, the per-user
// session cap, expiration, and atomic refresh-token rotation.
type Store struct {
	redis       redis.UniversalClient
	prefix      string
	maxSessions int
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace; maxSessions caps concurrent
// sessions per user.
func NewStore(redis redis.UniversalClient, prefix string, maxSessions int) *Store {
	return &Store{
		redis:       redis,
		prefix:      prefix,
		maxSessions: maxSessions,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) keyPrefix() string {
	return s.prefix + ":"
}

func (s *Store) userKey(userID string) string {
	return "au:" + userID
}

// Save persists a session and enforces the per-user cap in one Lua call.
// It returns the IDs of any sessions evicted to make room; eviction is
// strictly oldest-first by creation time.
//
//	Performance: 1 Lua EVALSHA.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) ([]string, error) {
	data, err := Encode(sess)
	if err != nil {
		return nil, err
	}

	// Millisecond score keeps eviction order stable when two logins land
	// in the same second.
	result, err := saveSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sess.SessionID), s.userKey(sess.UserID)},
		sess.SessionID,
		data,
		time.Now().UnixMilli(),
		ttl.Milliseconds(),
		s.maxSessions,
		s.keyPrefix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid save script response", ErrRedisUnavailable)
	}

	evicted := make([]string, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			evicted = append(evicted, v)
		case []byte:
			evicted = append(evicted, string(v))
		}
	}

	return evicted, nil
}

// Get retrieves a session by ID. Sessions past their expires-at stamp are
// deleted on sight and reported as missing.
//
//	Performance: 1 Redis GET on the happy path.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	if time.Now().Unix() > sess.ExpiresAt {
		if err := s.deleteSessionAndIndex(ctx, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, redis.Nil
	}

	return sess, nil
}

// IsActive reports whether a session currently exists.
func (s *Store) IsActive(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes a session and its index entry. Deleting a missing
// session is a no-op.
//
//	Performance: 1 GET + 1 Lua EVALSHA.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return err
	}

	return s.deleteSessionAndIndex(ctx, sess.UserID, sessionID)
}

// DeleteAllForUser removes every session belonging to a user.
//
// ATOMICITY NOTE: This operation is NOT fully atomic. It reads the user's
// session index (ZRANGE), then deletes the sessions and the index
// (TxPipelined DEL). A session created between the read and delete phases
// is not captured by this call. The race is extremely narrow and only
// affects logout-all semantics: the stray session expires naturally or is
// caught by the next DeleteAllForUser call.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessionKeys := make([]string, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		sessionKeys = append(sessionKeys, s.key(sessionID))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(sessionKeys) > 0 {
			pipe.Del(ctx, sessionKeys...)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// ActiveSessionCount returns the number of indexed sessions for a user.
// The index may briefly include sessions whose keys already expired; Save
// prunes those before enforcing the cap.
func (s *Store) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	count, err := s.redis.ZCard(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

// ActiveSessionIDs returns the indexed session IDs for a user, oldest
// first.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

// RotateRefreshHash atomically swaps the refresh-token hash via the Lua
// CAS script. On [ErrRefreshHashMismatch] the destroyed session is still
// returned so the caller can revoke the rest of the user's sessions.
//
//	Performance: 1 Lua EVALSHA (atomic compare-and-swap).
//	Security: CAS prevents lost updates under concurrency.
func (s *Store) RotateRefreshHash(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
) (*Session, error) {
	key := s.key(sessionID)
	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{key},
		sessionID,
		s.userKey(""),
		providedHash[:],
		nextHash[:],
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid refresh script response", ErrRedisUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid refresh script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, errors.Join(redis.Nil, ErrRefreshSessionNotFound)
	case rotateStatusExpired:
		return nil, errors.Join(redis.Nil, ErrRefreshSessionExpired)
	case rotateStatusMismatch, rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing session payload", ErrRedisUnavailable)
		}

		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid session payload", ErrRedisUnavailable)
		}

		sess, decErr := Decode(blob)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = sessionID

		if code == rotateStatusMismatch {
			return sess, ErrRefreshHashMismatch
		}
		return sess, nil
	case rotateStatusInvalidBlob:
		return nil, errors.Join(ErrRedisUnavailable, ErrRefreshSessionCorrupt)
	default:
		return nil, fmt.Errorf("%w: unknown refresh script status", ErrRedisUnavailable)
	}
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, userID, sessionID string) error {
	_, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.userKey(userID)},
		sessionID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}
